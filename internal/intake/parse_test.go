package intake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend/signalbot/internal/models"
)

func TestParseJSONAcceptsCanonicalFieldNames(t *testing.T) {
	body := []byte(`{"symbol":"EURUSD","side":"LONG","entry_price":1.1000,"stop_loss":1.0950,"take_profit":1.1100,"timeframe":"H4"}`)
	sig, err := parseJSON(body)
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", sig.Symbol)
	assert.Equal(t, models.SideLong, sig.Side)
	assert.Equal(t, 1.1000, sig.EntryPrice)
	assert.Equal(t, 1.0950, sig.StopLoss)
	assert.Equal(t, 1.1100, sig.TakeProfit)
	assert.Equal(t, 240, sig.TimeframeMinutes)
}

func TestParseJSONAcceptsAliasedFieldNames(t *testing.T) {
	body := []byte(`{"symbol":"GBPUSD","action":"sell","price":1.27,"sl":1.275,"tp":1.26,"timeframe":15}`)
	sig, err := parseJSON(body)
	require.NoError(t, err)
	assert.Equal(t, models.SideShort, sig.Side)
	assert.Equal(t, 1.27, sig.EntryPrice)
	assert.Equal(t, 1.275, sig.StopLoss)
	assert.Equal(t, 1.26, sig.TakeProfit)
	assert.Equal(t, 15, sig.TimeframeMinutes)
}

func TestParseJSONPrefersEntryOverEntryPriceOverPrice(t *testing.T) {
	body := []byte(`{"symbol":"EURUSD","side":"LONG","entry":1.5,"entry_price":1.6,"price":1.7}`)
	sig, err := parseJSON(body)
	require.NoError(t, err)
	assert.Equal(t, 1.5, sig.EntryPrice)
}

func TestParseJSONRejectsInvalidBody(t *testing.T) {
	_, err := parseJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseJSONCarriesBrokersAsTargetAccounts(t *testing.T) {
	body := []byte(`{"symbol":"EURUSD","side":"LONG","brokers":["acct1","acct2"]}`)
	sig, err := parseJSON(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct1", "acct2"}, sig.TargetAccounts)
}

func TestParseTimeframeCodeAcceptsNumericCode(t *testing.T) {
	assert.Equal(t, 240, parseTimeframeCode("H4"))
	assert.Equal(t, 240, parseTimeframeCode("240"))
	assert.Equal(t, 1440, parseTimeframeCode("1D"))
	assert.Equal(t, 0, parseTimeframeCode("not-a-timeframe"))
}

func TestParseFreeTextParsesLongWithKeyValueLines(t *testing.T) {
	body := "LONG EURUSD\nEntry: 1.1000\nSL: 1.0950\nTP: 1.1100\nValidity Bars: 2"
	sig, err := ParseFreeText(body)
	require.NoError(t, err)
	assert.Equal(t, models.SideLong, sig.Side)
	assert.Equal(t, "EURUSD", sig.Symbol)
	assert.Equal(t, 1.1000, sig.EntryPrice)
	assert.Equal(t, 1.0950, sig.StopLoss)
	assert.Equal(t, 1.1100, sig.TakeProfit)
	assert.Equal(t, 2, sig.ValidityBars)
}

func TestParseFreeTextRecognizesFrenchKeyAliases(t *testing.T) {
	body := "SHORT USDJPY\nEntrée: 150.00\nStop: 150.50\nObjectif: 148.00"
	sig, err := ParseFreeText(body)
	require.NoError(t, err)
	assert.Equal(t, models.SideShort, sig.Side)
	assert.Equal(t, 150.00, sig.EntryPrice)
	assert.Equal(t, 150.50, sig.StopLoss)
	assert.Equal(t, 148.00, sig.TakeProfit)
}

func TestParseFreeTextRecognizesColoredDotMarkers(t *testing.T) {
	body := "🟢 EURUSD\nEntry: 1.10"
	sig, err := ParseFreeText(body)
	require.NoError(t, err)
	assert.Equal(t, models.SideLong, sig.Side)
	assert.Equal(t, "EURUSD", sig.Symbol)
}

func TestParseFreeTextIgnoresUnknownKeys(t *testing.T) {
	body := "LONG EURUSD\nStrategy: breakout\nEntry: 1.1"
	sig, err := ParseFreeText(body)
	require.NoError(t, err)
	assert.Equal(t, 1.1, sig.EntryPrice)
}

func TestParseFreeTextErrorsWithoutSideMarker(t *testing.T) {
	_, err := ParseFreeText("Entry: 1.1\nSL: 1.0")
	assert.Error(t, err)
}
