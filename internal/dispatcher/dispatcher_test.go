package dispatcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend/signalbot/internal/broker"
	"github.com/riverbend/signalbot/internal/catalog"
	"github.com/riverbend/signalbot/internal/config"
	"github.com/riverbend/signalbot/internal/events"
	"github.com/riverbend/signalbot/internal/models"
)

type fakeBroker struct {
	account     models.AccountState
	placeErr    error
	placeResult models.OrderResult
	placed      []models.OrderRequest
}

func (f *fakeBroker) Connect(ctx context.Context) error    { return nil }
func (f *fakeBroker) Disconnect(ctx context.Context) error { return nil }
func (f *fakeBroker) AccountInfo(ctx context.Context) (models.AccountState, error) {
	return f.account, nil
}
func (f *fakeBroker) ListSymbols(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return models.OrderResult{}, f.placeErr
	}
	return f.placeResult, nil
}
func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error) {
	return models.OrderResult{Success: true}, nil
}
func (f *fakeBroker) PendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	return nil, nil
}
func (f *fakeBroker) OpenPositions(ctx context.Context) ([]models.Position, error) {
	return nil, nil
}

func testCatalog() *catalog.Catalog {
	return catalog.New(map[string]config.InstrumentEntry{
		"EURUSD": {PipSize: 0.0001, PipValuePerLot: 10, QuoteCurrency: "USD"},
	})
}

func testAccount(id string) models.AccountConfig {
	return models.AccountConfig{
		ID:          id,
		Enabled:     true,
		RiskPercent: 1,
		LotStep:     0.01,
		MinLot:      0.01,
		MaxLot:      50,
	}
}

func testSignal() models.Signal {
	return models.Signal{
		Symbol:           "EURUSD",
		Side:             models.SideLong,
		OrderType:        models.OrderTypeMarket,
		EntryPrice:       1.1000,
		StopLoss:         1.0950,
		TakeProfit:       1.1100,
		ValidityBars:     1,
		TimeframeMinutes: 240,
	}
}

func TestDispatchSubmitsOrderOnSuccess(t *testing.T) {
	br := &fakeBroker{
		account:     models.AccountState{Equity: 10000, FreeMargin: 8000},
		placeResult: models.OrderResult{Success: true, BrokerOrder: "ord-1"},
	}
	provider := func(accountID string) (broker.Broker, error) { return br, nil }

	d := New([]models.AccountConfig{testAccount("acct1")}, testCatalog(), provider, Config{MinDelayMs: 1, MaxDelayMs: 1}, events.New(nil))

	outcomes := d.Dispatch(context.Background(), testSignal())
	require.Contains(t, outcomes, "acct1")
	outcome := outcomes["acct1"]
	assert.Equal(t, models.OutcomeSubmitted, outcome.Outcome)
	assert.Equal(t, "ord-1", outcome.OrderID)
	assert.Greater(t, outcome.Lots, 0.0)
	require.Len(t, br.placed, 1)
	assert.Equal(t, models.SideLong, br.placed[0].Side)
	assert.Equal(t, "EURUSD", br.placed[0].Symbol) // resolved broker handle; with no mapping or suffix it equals the canonical symbol
}

func TestDispatchResolvesAccountSymbolOverrideBeforePlacingOrder(t *testing.T) {
	cat := catalog.New(map[string]config.InstrumentEntry{
		"EURUSD": {
			PipSize: 0.0001, PipValuePerLot: 10, QuoteCurrency: "USD",
			AccountSymbols: map[string]string{"acct1": "EURUSD.raw"},
		},
	})
	br := &fakeBroker{
		account:     models.AccountState{Equity: 10000, FreeMargin: 8000},
		placeResult: models.OrderResult{Success: true, BrokerOrder: "ord-1"},
	}
	provider := func(accountID string) (broker.Broker, error) { return br, nil }
	d := New([]models.AccountConfig{testAccount("acct1")}, cat, provider, Config{MinDelayMs: 1, MaxDelayMs: 1}, events.New(nil))

	d.Dispatch(context.Background(), testSignal())
	require.Len(t, br.placed, 1)
	assert.Equal(t, "EURUSD.raw", br.placed[0].Symbol)
}

func TestDispatchReportsFilteredOutcome(t *testing.T) {
	br := &fakeBroker{account: models.AccountState{Equity: 10000, FreeMargin: 500}}
	provider := func(accountID string) (broker.Broker, error) { return br, nil }

	d := New([]models.AccountConfig{testAccount("acct1")}, testCatalog(), provider, Config{MinDelayMs: 1, MaxDelayMs: 1}, events.New(nil))

	outcomes := d.Dispatch(context.Background(), testSignal())
	outcome := outcomes["acct1"]
	assert.Equal(t, models.OutcomeFiltered, outcome.Outcome)
	assert.Equal(t, models.ReasonMarginInsufficient, outcome.Reason)
	assert.Empty(t, br.placed)
}

func TestDispatchReportsErrorWhenBrokerSessionMissing(t *testing.T) {
	provider := func(accountID string) (broker.Broker, error) {
		return nil, fmt.Errorf("no session for %s", accountID)
	}
	d := New([]models.AccountConfig{testAccount("acct1")}, testCatalog(), provider, Config{MinDelayMs: 1, MaxDelayMs: 1}, events.New(nil))

	outcomes := d.Dispatch(context.Background(), testSignal())
	assert.Equal(t, models.OutcomeError, outcomes["acct1"].Outcome)
}

func TestDispatchReportsErrorOnPlaceOrderFailure(t *testing.T) {
	br := &fakeBroker{
		account:  models.AccountState{Equity: 10000, FreeMargin: 8000},
		placeErr: fmt.Errorf("network error"),
	}
	provider := func(accountID string) (broker.Broker, error) { return br, nil }
	d := New([]models.AccountConfig{testAccount("acct1")}, testCatalog(), provider, Config{MinDelayMs: 1, MaxDelayMs: 1}, events.New(nil))

	outcomes := d.Dispatch(context.Background(), testSignal())
	assert.Equal(t, models.OutcomeError, outcomes["acct1"].Outcome)
}

func TestDispatchOnlyTargetsRequestedAccounts(t *testing.T) {
	br := &fakeBroker{
		account:     models.AccountState{Equity: 10000, FreeMargin: 8000},
		placeResult: models.OrderResult{Success: true, BrokerOrder: "ord-1"},
	}
	provider := func(accountID string) (broker.Broker, error) { return br, nil }
	accounts := []models.AccountConfig{testAccount("acct1"), testAccount("acct2")}
	d := New(accounts, testCatalog(), provider, Config{MinDelayMs: 1, MaxDelayMs: 1}, events.New(nil))

	sig := testSignal()
	sig.TargetAccounts = []string{"acct2"}

	outcomes := d.Dispatch(context.Background(), sig)
	assert.NotContains(t, outcomes, "acct1")
	assert.Contains(t, outcomes, "acct2")
}

func TestLastOutcomesAccumulatesAcrossDispatches(t *testing.T) {
	br := &fakeBroker{
		account:     models.AccountState{Equity: 10000, FreeMargin: 8000},
		placeResult: models.OrderResult{Success: true, BrokerOrder: "ord-1"},
	}
	provider := func(accountID string) (broker.Broker, error) { return br, nil }
	d := New([]models.AccountConfig{testAccount("acct1")}, testCatalog(), provider, Config{MinDelayMs: 1, MaxDelayMs: 1}, events.New(nil))

	d.Dispatch(context.Background(), testSignal())
	last := d.LastOutcomes()
	require.Contains(t, last, "acct1")
	assert.Equal(t, models.OutcomeSubmitted, last["acct1"].Outcome)
}

func TestTargetAccountsReturnsAllWhenSignalUnscoped(t *testing.T) {
	accounts := []models.AccountConfig{testAccount("a"), testAccount("b")}
	d := New(accounts, testCatalog(), nil, Config{}, events.New(nil))
	targets := d.targetAccounts(models.Signal{})
	assert.Len(t, targets, 2)
}
