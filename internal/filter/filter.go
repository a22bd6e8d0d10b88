// Package filter runs the ordered, short-circuiting pre-trade checks that
// decide whether a signal is eligible to be sized and submitted on a given
// account.
package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/riverbend/signalbot/internal/broker"
	"github.com/riverbend/signalbot/internal/catalog"
	"github.com/riverbend/signalbot/internal/models"
)

// Default limits applied when an account/config override is unset.
const (
	DefaultMinFreeMarginRatio = 30.0
	DefaultMaxOpenPositions   = 5
	DefaultMaxPendingOrders   = 10
)

// Limits bundles the per-account view of the filter's configurable
// thresholds, after the account's overrides have been layered over the
// global defaults.
type Limits struct {
	MinFreeMarginRatio  float64
	MaxOpenPositions    int
	MaxPendingOrders    int
	DuplicatePrevention bool
	SymbolSuffix        string
}

// Result is the outcome of running the filter for one account against one
// signal. Account and BrokerSymbol are populated as a side effect even on
// failure, so the dispatcher never has to re-fetch either of them.
type Result struct {
	Passed       bool
	Reason       models.FilterReason
	Message      string
	Account      models.AccountState
	BrokerSymbol string
}

// Check runs the checks in the spec's mandated order, short-circuiting on
// the first failure:
//  1. instrument availability
//  2. account state reachable
//  3. free-margin ratio
//  4. open-position cap
//  5. pending-order cap
//  6. duplicate prevention
func Check(ctx context.Context, cat *catalog.Catalog, br broker.Broker, signal models.Signal, accountID string, limits Limits) Result {
	handle, err := cat.ResolveWithSuffix(signal.Symbol, accountID, limits.SymbolSuffix)
	if err != nil {
		return Result{Reason: models.ReasonInstrumentNotAvailable, Message: err.Error()}
	}

	account, err := br.AccountInfo(ctx)
	if err != nil {
		return Result{
			Reason:       models.ReasonConnectionError,
			Message:      fmt.Sprintf("account info unreachable: %v", err),
			BrokerSymbol: handle,
		}
	}

	minRatio := limits.MinFreeMarginRatio
	if minRatio <= 0 {
		minRatio = DefaultMinFreeMarginRatio
	}
	if account.Equity > 0 {
		ratio := account.FreeMarginRatio()
		if ratio < minRatio {
			return Result{
				Reason:       models.ReasonMarginInsufficient,
				Message:      fmt.Sprintf("free margin ratio %.1f%% below required %.1f%%", ratio, minRatio),
				Account:      account,
				BrokerSymbol: handle,
			}
		}
	}

	maxPositions := limits.MaxOpenPositions
	if maxPositions <= 0 {
		maxPositions = DefaultMaxOpenPositions
	}
	if positions, posErr := br.OpenPositions(ctx); posErr == nil {
		if len(positions) >= maxPositions {
			return Result{
				Reason:       models.ReasonMaxPositionsReached,
				Message:      fmt.Sprintf("open positions %d >= max %d", len(positions), maxPositions),
				Account:      account,
				BrokerSymbol: handle,
			}
		}
	}
	// On an adapter error listing positions, the spec says not to block -
	// fall through.

	maxPending := limits.MaxPendingOrders
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingOrders
	}
	pending, pendErr := br.PendingOrders(ctx)
	if pendErr != nil {
		// Same "don't block on adapter error" rule applies to both the cap
		// check and duplicate prevention, since both read from this list.
		return Result{Passed: true, Account: account, BrokerSymbol: handle}
	}
	if len(pending) >= maxPending {
		return Result{
			Reason:       models.ReasonMaxPendingOrders,
			Message:      fmt.Sprintf("pending orders %d >= max %d", len(pending), maxPending),
			Account:      account,
			BrokerSymbol: handle,
		}
	}

	if limits.DuplicatePrevention {
		for _, order := range pending {
			if order.Symbol != "" && strings.Contains(strings.ToUpper(order.Symbol), signal.Symbol) {
				return Result{
					Reason:       models.ReasonDuplicateOrder,
					Message:      fmt.Sprintf("pending order %s already exists for %s", order.ID, order.Symbol),
					Account:      account,
					BrokerSymbol: handle,
				}
			}
		}
	}

	return Result{Passed: true, Account: account, BrokerSymbol: handle}
}

// LimitsFor resolves an account's effective limits from its own overrides
// and the global config defaults.
func LimitsFor(account models.AccountConfig, duplicatePrevention bool) Limits {
	return Limits{
		MinFreeMarginRatio:  account.MinFreeMarginRatio,
		MaxOpenPositions:    account.MaxOpenPositions,
		MaxPendingOrders:    account.MaxPendingOrders,
		DuplicatePrevention: duplicatePrevention,
		SymbolSuffix:        account.SymbolSuffix,
	}
}
