package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend/signalbot/internal/models"
)

// fakeBroker is a minimal in-memory Broker used across this package's
// tests. failAlways, when set, makes every call fail.
type fakeBroker struct {
	failAlways bool
	calls      int
}

func (f *fakeBroker) Connect(ctx context.Context) error    { return f.maybeFail() }
func (f *fakeBroker) Disconnect(ctx context.Context) error { return nil }

func (f *fakeBroker) AccountInfo(ctx context.Context) (models.AccountState, error) {
	if err := f.maybeFail(); err != nil {
		return models.AccountState{}, err
	}
	return models.AccountState{Balance: 10000, Equity: 10000}, nil
}

func (f *fakeBroker) ListSymbols(ctx context.Context) ([]string, error) {
	if err := f.maybeFail(); err != nil {
		return nil, err
	}
	return []string{"EURUSD"}, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if err := f.maybeFail(); err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{Success: true, BrokerOrder: "ord-1"}, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error) {
	if err := f.maybeFail(); err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{Success: true}, nil
}

func (f *fakeBroker) PendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	if err := f.maybeFail(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeBroker) OpenPositions(ctx context.Context) ([]models.Position, error) {
	if err := f.maybeFail(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeBroker) maybeFail() error {
	f.calls++
	if f.failAlways {
		return assert.AnError
	}
	return nil
}

var _ Broker = (*fakeBroker)(nil)

func TestFakeBrokerSatisfiesInterface(t *testing.T) {
	var b Broker = &fakeBroker{}
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	state, err := b.AccountInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, state.Balance)
}
