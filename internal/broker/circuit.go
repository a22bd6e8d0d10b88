package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/riverbend/signalbot/internal/models"
)

// CircuitBreakerBroker wraps a Broker with a gobreaker circuit breaker.
// After a run of consecutive failures the breaker opens and calls fail
// fast with ErrCircuitOpen for a cooldown period, rather than attempting
// the network round trip; a half-open trial then decides whether to close
// again. The Dispatcher and Reaper hold a CircuitBreakerBroker exactly as
// they would a plain Broker - the wrapping is transparent.
type CircuitBreakerBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitConfig tunes the breaker's trip/reset behavior.
type CircuitConfig struct {
	Name                string
	MaxConsecutiveFails  uint32
	OpenTimeout          time.Duration
	HalfOpenMaxRequests  uint32
}

// DefaultCircuitConfig matches the spec's "a run of consecutive failures"
// language with a small, conservative window.
var DefaultCircuitConfig = CircuitConfig{
	MaxConsecutiveFails: 5,
	OpenTimeout:         30 * time.Second,
	HalfOpenMaxRequests: 1,
}

// NewCircuitBreakerBroker wraps inner with a circuit breaker using cfg, or
// DefaultCircuitConfig fields for anything left zero.
func NewCircuitBreakerBroker(inner Broker, cfg CircuitConfig) *CircuitBreakerBroker {
	if cfg.MaxConsecutiveFails == 0 {
		cfg.MaxConsecutiveFails = DefaultCircuitConfig.MaxConsecutiveFails
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultCircuitConfig.OpenTimeout
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = DefaultCircuitConfig.HalfOpenMaxRequests
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFails
		},
	}

	return &CircuitBreakerBroker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func wrapOpenState(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Connect implements Broker.
func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.inner.Connect(ctx)
	})
	return wrapOpenState(err)
}

// Disconnect implements Broker. It deliberately bypasses the breaker so a
// shutdown is never blocked by an open circuit.
func (c *CircuitBreakerBroker) Disconnect(ctx context.Context) error {
	return c.inner.Disconnect(ctx)
}

// AccountInfo implements Broker.
func (c *CircuitBreakerBroker) AccountInfo(ctx context.Context) (models.AccountState, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.AccountInfo(ctx)
	})
	if err != nil {
		return models.AccountState{}, wrapOpenState(err)
	}
	return res.(models.AccountState), nil
}

// ListSymbols implements Broker.
func (c *CircuitBreakerBroker) ListSymbols(ctx context.Context) ([]string, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.ListSymbols(ctx)
	})
	if err != nil {
		return nil, wrapOpenState(err)
	}
	return res.([]string), nil
}

// PlaceOrder implements Broker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.PlaceOrder(ctx, req)
	})
	if err != nil {
		return models.OrderResult{}, wrapOpenState(err)
	}
	return res.(models.OrderResult), nil
}

// CancelOrder implements Broker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return models.OrderResult{}, wrapOpenState(err)
	}
	return res.(models.OrderResult), nil
}

// PendingOrders implements Broker.
func (c *CircuitBreakerBroker) PendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.PendingOrders(ctx)
	})
	if err != nil {
		return nil, wrapOpenState(err)
	}
	return res.([]models.PendingOrder), nil
}

// OpenPositions implements Broker.
func (c *CircuitBreakerBroker) OpenPositions(ctx context.Context) ([]models.Position, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.OpenPositions(ctx)
	})
	if err != nil {
		return nil, wrapOpenState(err)
	}
	return res.([]models.Position), nil
}

var _ Broker = (*CircuitBreakerBroker)(nil)
