// Package reaper periodically cancels pending orders that have sat unfilled
// past their configured bar-count timeout, using the candle package to
// align wall-clock elapsed time to the closed-bar count an external chart
// would display.
package reaper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/riverbend/signalbot/internal/broker"
	"github.com/riverbend/signalbot/internal/candle"
	"github.com/riverbend/signalbot/internal/catalog"
	"github.com/riverbend/signalbot/internal/events"
	"github.com/riverbend/signalbot/internal/models"
)

// BrokerProvider resolves the live Broker session for an account id. The
// reaper does not own the sessions it receives; cmd/signalbot hands it the
// same lookup the dispatcher uses, so both share one session per account.
type BrokerProvider func(accountID string) (broker.Broker, error)

// Config tunes one reaper cycle.
type Config struct {
	Interval         time.Duration
	OrderTimeoutBars int
	BarMinutes       int // the timeframe orders are counted against, e.g. 240
}

// AccountStats summarizes one account's cleanup cycle.
type AccountStats struct {
	AccountID       string
	OrdersChecked   int
	OrdersExpired   int
	OrdersCancelled int
	AgeUnknown      int
	Errors          []string
}

// Reaper runs the periodic expiry-cancellation loop described in spec §4.I.
type Reaper struct {
	accounts []models.AccountConfig
	catalog  *catalog.Catalog
	brokers  BrokerProvider
	cfg      Config
	bus      *events.Bus
	logger   *log.Logger

	lastMu    sync.Mutex
	lastAt    time.Time
	lastStats []AccountStats
}

// New builds a Reaper over the given enabled accounts.
func New(accounts []models.AccountConfig, cat *catalog.Catalog, brokers BrokerProvider, cfg Config, bus *events.Bus, logger *log.Logger) *Reaper {
	if cfg.OrderTimeoutBars <= 0 {
		cfg.OrderTimeoutBars = 4
	}
	if cfg.BarMinutes <= 0 {
		cfg.BarMinutes = 240
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 900 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reaper{accounts: accounts, catalog: cat, brokers: brokers, cfg: cfg, bus: bus, logger: logger}
}

// Run loops until ctx is canceled, completing the current cycle before
// stopping - a cycle in progress when the context is canceled still
// finishes its per-account work, since RunCycle itself does not observe
// ctx beyond passing it to the broker calls it makes.
func (r *Reaper) Run(ctx context.Context) {
	r.RunCycle(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle runs one full pass over every configured account and returns
// per-account statistics. Per-order and per-account errors never halt the
// cycle; they are recorded and the cycle proceeds to the next order or
// account.
func (r *Reaper) RunCycle(ctx context.Context) []AccountStats {
	stats := make([]AccountStats, 0, len(r.accounts))
	for _, account := range r.accounts {
		stats = append(stats, r.cleanupAccount(ctx, account))
	}

	r.lastMu.Lock()
	r.lastAt = time.Now().UTC()
	r.lastStats = stats
	r.lastMu.Unlock()

	return stats
}

// LastCycle returns when the most recent cycle ran and its per-account
// results, for status reporting. The zero time means no cycle has run yet.
func (r *Reaper) LastCycle() (time.Time, []AccountStats) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	stats := make([]AccountStats, len(r.lastStats))
	copy(stats, r.lastStats)
	return r.lastAt, stats
}

func (r *Reaper) cleanupAccount(ctx context.Context, account models.AccountConfig) AccountStats {
	st := AccountStats{AccountID: account.ID}

	br, err := r.brokers(account.ID)
	if err != nil {
		st.Errors = append(st.Errors, err.Error())
		return st
	}

	orders, err := br.PendingOrders(ctx)
	if err != nil {
		st.Errors = append(st.Errors, fmt.Sprintf("listing pending orders: %v", err))
		return st
	}
	st.OrdersChecked = len(orders)
	now := time.Now().UTC()

	for _, order := range orders {
		if !order.CreatedAtKnown {
			// Per spec §9's open question resolution: an order whose
			// creation time the broker never reported is age-unknown and
			// must never be cancelled by this loop.
			st.AgeUnknown++
			continue
		}

		phase, model := r.candleParams(order.Symbol)
		closed := candle.ClosedBars(order.CreatedAt, now, phase, r.cfg.BarMinutes, model)
		if closed < r.cfg.OrderTimeoutBars {
			continue
		}

		st.OrdersExpired++
		result, err := br.CancelOrder(ctx, order.ID)
		if err != nil {
			st.Errors = append(st.Errors, fmt.Sprintf("cancel %s: %v", order.ID, err))
			r.bus.Publish(events.Event{Kind: events.KindError, AccountID: account.ID, Symbol: order.Symbol, OrderID: order.ID, Message: err.Error()})
			continue
		}
		if !result.Success {
			st.Errors = append(st.Errors, fmt.Sprintf("cancel %s: %s", order.ID, result.Message))
			r.bus.Publish(events.Event{Kind: events.KindError, AccountID: account.ID, Symbol: order.Symbol, OrderID: order.ID, Message: result.Message})
			continue
		}

		st.OrdersCancelled++
		r.bus.Publish(events.Event{
			Kind:      events.KindOrderExpired,
			AccountID: account.ID,
			Symbol:    order.Symbol,
			OrderID:   order.ID,
			Message:   fmt.Sprintf("%d closed bars >= timeout %d", closed, r.cfg.OrderTimeoutBars),
		})
	}

	return st
}

// candleParams resolves the phase offset and session model a pending
// order's symbol should be counted against, falling back to the catalog's
// session-agnostic defaults when the symbol has no catalog entry at all
// (an order can outlive a catalog reload that dropped its symbol).
func (r *Reaper) candleParams(symbol string) (int, models.SessionModel) {
	spec, ok := r.catalog.Spec(symbol)
	if !ok {
		return models.DefaultPhaseMinutesFX, models.Session24x5
	}
	model := spec.SessionModel
	if model == "" {
		model = models.Session24x5
	}
	return candle.DefaultPhaseMinutes(spec), model
}
