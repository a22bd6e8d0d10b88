// Package catalog resolves canonical signal symbols to per-account broker
// handles and exposes each symbol's pricing/session metadata.
package catalog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/riverbend/signalbot/internal/config"
	"github.com/riverbend/signalbot/internal/models"
)

// Catalog is a read-only, config-derived instrument lookup. It is safe for
// concurrent use without locking once built, since it is never mutated
// after construction.
type Catalog struct {
	specs    map[string]models.InstrumentSpec
	accounts map[string]map[string]string // symbol -> accountID -> broker handle

	mu sync.RWMutex // guards nothing today, reserved for a future reload path
}

// New builds a Catalog from the configured instrument entries.
func New(entries map[string]config.InstrumentEntry) *Catalog {
	c := &Catalog{
		specs:    make(map[string]models.InstrumentSpec, len(entries)),
		accounts: make(map[string]map[string]string, len(entries)),
	}
	for symbol, entry := range entries {
		canonical := strings.ToUpper(symbol)
		c.specs[canonical] = entry.InstrumentSpec(canonical)
		if len(entry.AccountSymbols) > 0 {
			c.accounts[canonical] = entry.AccountSymbols
		}
	}
	return c
}

// Spec returns the InstrumentSpec for a canonical symbol.
func (c *Catalog) Spec(symbol string) (models.InstrumentSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[strings.ToUpper(symbol)]
	return spec, ok
}

// Resolve maps a canonical symbol to the broker-specific handle configured
// for the given account. Resolution order:
//  1. an explicit per-account mapping in the catalog entry;
//  2. the canonical symbol suffixed with ".<accountID>"-style broker
//     conventions is NOT guessed here — callers needing that fallback use
//     ResolveWithSuffix.
func (c *Catalog) Resolve(symbol, accountID string) (string, error) {
	canonical := strings.ToUpper(symbol)
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.specs[canonical]; !ok {
		return "", fmt.Errorf("%w: %s", ErrInstrumentNotAvailable, canonical)
	}
	if mapping, ok := c.accounts[canonical]; ok {
		if handle, ok := mapping[accountID]; ok && handle != "" {
			return handle, nil
		}
	}
	return canonical, nil
}

// ResolveWithSuffix behaves like Resolve, but when no explicit mapping
// exists it falls back to "<symbol>.<suffix>" before giving up — the
// convention used when a broker's own instrument names are the canonical
// symbol plus a family suffix (e.g. "EURUSD" -> "EURUSD.X").
func (c *Catalog) ResolveWithSuffix(symbol, accountID, suffix string) (string, error) {
	handle, err := c.Resolve(symbol, accountID)
	if err != nil {
		return "", err
	}
	if handle == strings.ToUpper(symbol) && suffix != "" {
		return handle + "." + suffix, nil
	}
	return handle, nil
}

// ReverseResolve maps a broker-specific handle back to the canonical symbol
// for a given account, falling back to the upper-cased handle when no
// mapping is configured.
func (c *Catalog) ReverseResolve(handle, accountID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for symbol, mapping := range c.accounts {
		if mapping[accountID] == handle {
			return symbol
		}
	}
	return strings.ToUpper(handle)
}
