// Package dispatcher fans a single signal out across enabled accounts in
// configured order, spacing the work with a randomized inter-account
// delay, running the pre-trade filter, sizing the position, and submitting
// the order through each account's broker adapter.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riverbend/signalbot/internal/broker"
	"github.com/riverbend/signalbot/internal/catalog"
	"github.com/riverbend/signalbot/internal/events"
	"github.com/riverbend/signalbot/internal/filter"
	"github.com/riverbend/signalbot/internal/models"
	"github.com/riverbend/signalbot/internal/sizer"
)

// safetyAccountValue is used when neither equity nor balance can be read
// as a positive number, so a degenerate account state sizes to a small,
// clearly-wrong-looking position rather than panicking on a division.
const safetyAccountValue = 1000.0

// BrokerProvider resolves the live Broker session for an account id. The
// dispatcher never owns session lifecycle - it borrows the session for the
// duration of one account's processing within one signal.
type BrokerProvider func(accountID string) (broker.Broker, error)

// Config tunes the dispatcher's inter-account spacing and duplicate-order
// policy.
type Config struct {
	MinDelayMs          int
	MaxDelayMs          int
	DuplicatePrevention bool
}

// AccountOutcome is the per-account result of dispatching one signal,
// classified per spec §7's filter-rejection / adapter-transport / sizer
// error taxonomy.
type AccountOutcome struct {
	Outcome models.Outcome
	Reason  models.FilterReason // set when Outcome == OutcomeFiltered
	OrderID string
	Message string
	Lots    float64
}

// Dispatcher processes one signal at a time against a fixed, configured
// set of enabled accounts. It holds no broker sessions itself; it borrows
// one from brokers for the duration of each account's work.
type Dispatcher struct {
	accounts []models.AccountConfig // enabled, in configured order
	catalog  *catalog.Catalog
	brokers  BrokerProvider
	cfg      Config
	bus      *events.Bus

	mu   sync.Mutex // serializes rand.Intn, which is not itself safe for concurrent use
	rand *rand.Rand

	lastMu       sync.Mutex
	lastOutcomes map[string]AccountOutcome // most recent outcome per account, across calls
}

// New builds a Dispatcher over the given enabled accounts, in the order
// they should be processed.
func New(accounts []models.AccountConfig, cat *catalog.Catalog, brokers BrokerProvider, cfg Config, bus *events.Bus) *Dispatcher {
	if cfg.MinDelayMs <= 0 {
		cfg.MinDelayMs = 500
	}
	if cfg.MaxDelayMs < cfg.MinDelayMs {
		cfg.MaxDelayMs = cfg.MinDelayMs
	}
	return &Dispatcher{
		accounts:     accounts,
		catalog:      cat,
		brokers:      brokers,
		cfg:          cfg,
		bus:          bus,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		lastOutcomes: make(map[string]AccountOutcome),
	}
}

// Dispatch runs the full pipeline for signal across every account eligible
// for it (the configured order, intersected with signal.TargetAccounts
// when set), and returns the outcome map keyed by account id.
func (d *Dispatcher) Dispatch(ctx context.Context, signal models.Signal) map[string]AccountOutcome {
	targets := d.targetAccounts(signal)
	results := make(map[string]AccountOutcome, len(targets))

	for i, account := range targets {
		if i > 0 {
			d.interAccountSleep(ctx)
		}
		if ctx.Err() != nil {
			results[account.ID] = AccountOutcome{Outcome: models.OutcomeError, Message: ctx.Err().Error()}
			continue
		}
		results[account.ID] = d.dispatchOne(ctx, account, signal)
	}

	d.lastMu.Lock()
	for id, outcome := range results {
		d.lastOutcomes[id] = outcome
	}
	d.lastMu.Unlock()

	return results
}

// LastOutcomes returns the most recently recorded outcome for each
// account that has processed at least one signal, so status reporting
// never has to re-derive it from the dispatch loop.
func (d *Dispatcher) LastOutcomes() map[string]AccountOutcome {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	out := make(map[string]AccountOutcome, len(d.lastOutcomes))
	for id, outcome := range d.lastOutcomes {
		out[id] = outcome
	}
	return out
}

// targetAccounts intersects the configured account order with an explicit
// per-signal subset, when one was supplied.
func (d *Dispatcher) targetAccounts(signal models.Signal) []models.AccountConfig {
	if len(signal.TargetAccounts) == 0 {
		return d.accounts
	}
	wanted := make(map[string]bool, len(signal.TargetAccounts))
	for _, id := range signal.TargetAccounts {
		wanted[id] = true
	}
	out := make([]models.AccountConfig, 0, len(d.accounts))
	for _, account := range d.accounts {
		if wanted[account.ID] {
			out = append(out, account)
		}
	}
	return out
}

func (d *Dispatcher) interAccountSleep(ctx context.Context) {
	d.mu.Lock()
	delay := d.cfg.MinDelayMs
	if d.cfg.MaxDelayMs > d.cfg.MinDelayMs {
		delay += d.rand.Intn(d.cfg.MaxDelayMs - d.cfg.MinDelayMs + 1)
	}
	d.mu.Unlock()

	select {
	case <-time.After(time.Duration(delay) * time.Millisecond):
	case <-ctx.Done():
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, account models.AccountConfig, signal models.Signal) AccountOutcome {
	br, err := d.brokers(account.ID)
	if err != nil {
		d.bus.Publish(events.Event{Kind: events.KindError, AccountID: account.ID, Symbol: signal.Symbol, Message: fmt.Sprintf("no broker session: %v", err)})
		return AccountOutcome{Outcome: models.OutcomeError, Message: err.Error()}
	}

	limits := filter.LimitsFor(account, d.cfg.DuplicatePrevention)
	check := filter.Check(ctx, d.catalog, br, signal, account.ID, limits)
	if !check.Passed {
		d.bus.Publish(events.Event{
			Kind:      events.KindFilterSkip,
			AccountID: account.ID,
			Symbol:    signal.Symbol,
			Message:   fmt.Sprintf("%s: %s", check.Reason, check.Message),
		})
		return AccountOutcome{Outcome: models.OutcomeFiltered, Reason: check.Reason, Message: check.Message}
	}

	spec, ok := d.catalog.Spec(signal.Symbol)
	if !ok {
		return AccountOutcome{Outcome: models.OutcomeError, Message: "instrument spec missing after filter passed"}
	}

	accountValue := check.Account.Value(account.UseEquity)
	if accountValue <= 0 {
		accountValue = safetyAccountValue
	}

	sized := sizer.Size(sizer.Input{
		AccountValue: accountValue,
		RiskPercent:  account.RiskPercent,
		EntryPrice:   signal.EntryPrice,
		StopLoss:     signal.StopLoss,
		Spec:         spec,
		CurrentPrice: signal.EntryPrice,
		LotStep:      account.LotStep,
		MinLot:       account.MinLot,
		MaxLot:       account.MaxLot,
	})
	if sized.Lots <= 0 {
		msg := sized.Detail
		if msg == "" {
			msg = "sized lot count is zero"
		}
		d.bus.Publish(events.Event{Kind: events.KindError, AccountID: account.ID, Symbol: signal.Symbol, Message: msg})
		return AccountOutcome{Outcome: models.OutcomeError, Message: msg}
	}

	expiryHintMs := time.Now().Add(time.Duration(signal.ValidityBars*signal.TimeframeMinutes) * time.Minute).UnixMilli()

	req := models.OrderRequest{
		ClientOrderID: uuid.New().String(),
		Symbol:        check.BrokerSymbol,
		Side:          signal.Side,
		OrderType:     signal.OrderType,
		Volume:        sized.Lots,
		EntryPrice:    signal.EntryPrice,
		StopLoss:      signal.StopLoss,
		TakeProfit:    signal.TakeProfit,
		ExpiryHintMs:  expiryHintMs,
	}

	result, err := br.PlaceOrder(ctx, req)
	if err != nil {
		d.bus.Publish(events.Event{Kind: events.KindError, AccountID: account.ID, Symbol: signal.Symbol, Message: err.Error()})
		return AccountOutcome{Outcome: models.OutcomeError, Message: err.Error(), Lots: sized.Lots}
	}
	if !result.Success {
		d.bus.Publish(events.Event{Kind: events.KindError, AccountID: account.ID, Symbol: signal.Symbol, Message: result.Message})
		return AccountOutcome{Outcome: models.OutcomeError, Message: result.Message, Lots: sized.Lots}
	}

	d.bus.Publish(events.Event{
		Kind:      events.KindOrderPlaced,
		AccountID: account.ID,
		Symbol:    signal.Symbol,
		Side:      string(signal.Side),
		OrderID:   result.BrokerOrder,
		Message:   sized.String(),
	})
	return AccountOutcome{Outcome: models.OutcomeSubmitted, OrderID: result.BrokerOrder, Lots: sized.Lots}
}
