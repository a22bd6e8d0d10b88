package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend/signalbot/internal/config"
)

func testEntries() map[string]config.InstrumentEntry {
	return map[string]config.InstrumentEntry{
		"EURUSD": {
			PipSize: 0.0001,
			AccountSymbols: map[string]string{
				"acct-1": "EURUSD.raw",
			},
		},
		"USDJPY": {PipSize: 0.01},
	}
}

func TestResolveUsesAccountMapping(t *testing.T) {
	c := New(testEntries())
	handle, err := c.Resolve("eurusd", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD.raw", handle)
}

func TestResolveFallsBackToCanonical(t *testing.T) {
	c := New(testEntries())
	handle, err := c.Resolve("EURUSD", "acct-2")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", handle)
}

func TestResolveWithSuffixFallback(t *testing.T) {
	c := New(testEntries())
	handle, err := c.ResolveWithSuffix("USDJPY", "acct-2", "X")
	require.NoError(t, err)
	assert.Equal(t, "USDJPY.X", handle)
}

func TestResolveUnmappedSymbol(t *testing.T) {
	c := New(testEntries())
	_, err := c.Resolve("GBPUSD", "acct-1")
	assert.ErrorIs(t, err, ErrInstrumentNotAvailable)
}

func TestReverseResolve(t *testing.T) {
	c := New(testEntries())
	symbol := c.ReverseResolve("EURUSD.raw", "acct-1")
	assert.Equal(t, "EURUSD", symbol)

	// unmapped handle passes through uppercased
	assert.Equal(t, "GBPUSD", c.ReverseResolve("gbpusd", "acct-1"))
}
