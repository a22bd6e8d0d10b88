package intake

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/riverbend/signalbot/internal/models"
)

// webhookPayload is the JSON shape accepted at POST /webhook, per spec §6.
// Every numeric field that has more than one accepted key is a pointer so
// "the field was absent" can be distinguished from "the field was zero".
type webhookPayload struct {
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Action       string          `json:"action"`
	Entry        *float64        `json:"entry"`
	EntryPrice   *float64        `json:"entry_price"`
	Price        *float64        `json:"price"`
	SL           *float64        `json:"sl"`
	StopLoss     *float64        `json:"stop_loss"`
	TP           *float64        `json:"tp"`
	TakeProfit   *float64        `json:"take_profit"`
	OrderType    string          `json:"order_type"`
	ValidityBars *int            `json:"validity_bars"`
	ATR          *float64        `json:"atr"`
	Timeframe    json.RawMessage `json:"timeframe"`
	Brokers      []string        `json:"brokers"`
}

func firstFloat(ptrs ...*float64) (float64, bool) {
	for _, p := range ptrs {
		if p != nil {
			return *p, true
		}
	}
	return 0, false
}

// parseJSON decodes a §6 JSON webhook payload into a Signal. It does not
// call Normalize or Validate - callers do that uniformly after either
// parse path.
func parseJSON(body []byte) (models.Signal, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Signal{}, fmt.Errorf("invalid JSON body: %w", err)
	}

	var sig models.Signal
	sig.Source = "tradingview"
	sig.Symbol = p.Symbol

	side := p.Side
	if side == "" {
		side = p.Action
	}
	sig.Side = models.Side(strings.ToUpper(strings.TrimSpace(side)))
	switch sig.Side {
	case "BUY":
		sig.Side = models.SideLong
	case "SELL":
		sig.Side = models.SideShort
	}

	sig.OrderType = models.OrderType(strings.ToUpper(strings.TrimSpace(p.OrderType)))

	if entry, ok := firstFloat(p.Entry, p.EntryPrice, p.Price); ok {
		sig.EntryPrice = entry
	}
	if sl, ok := firstFloat(p.SL, p.StopLoss); ok {
		sig.StopLoss = sl
	}
	if tp, ok := firstFloat(p.TP, p.TakeProfit); ok {
		sig.TakeProfit = tp
	}
	if p.ATR != nil {
		sig.ATR = *p.ATR
	}
	if p.ValidityBars != nil {
		sig.ValidityBars = *p.ValidityBars
	}
	if minutes := parseTimeframeRaw(p.Timeframe); minutes > 0 {
		sig.TimeframeMinutes = minutes
	}
	if len(p.Brokers) > 0 {
		sig.TargetAccounts = p.Brokers
	}

	return sig, nil
}

// timeframeMinutesByCode maps the chart-style timeframe codes TradingView
// alerts commonly carry to a bar width in minutes.
var timeframeMinutesByCode = map[string]int{
	"M1": 1, "M5": 5, "M15": 15, "M30": 30,
	"H1": 60, "H4": 240, "D1": 1440, "W1": 10080,
	"1": 1, "5": 5, "15": 15, "30": 30, "60": 60, "240": 240, "1D": 1440, "1W": 10080,
}

func parseTimeframeCode(v string) int {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return 0
	}
	if m, ok := timeframeMinutesByCode[v]; ok {
		return m
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return 0
}

// parseTimeframeRaw accepts the JSON "timeframe" field as either a bare
// number of minutes or a chart-style code string ("H4").
func parseTimeframeRaw(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseTimeframeCode(s)
	}
	return 0
}

// sideTokens recognizes the LONG/SHORT marker a free-text alert line
// carries, either as a literal word or a colored-dot convention some
// chart templates use instead.
var sideTokens = map[string]models.Side{
	"LONG":  models.SideLong,
	"BUY":   models.SideLong,
	"SHORT": models.SideShort,
	"SELL":  models.SideShort,
	"🟢":     models.SideLong,
	"🔴":     models.SideShort,
}

// keyAliases normalizes the "key:" half of a free-text "key: value" line to
// a canonical field name, recognizing the French/English spellings the
// spec calls out explicitly.
var keyAliases = map[string]string{
	"entry":       "entry",
	"entry price": "entry",
	"entrée":      "entry",
	"entree":      "entry",
	"prix entrée": "entry",

	"sl":        "sl",
	"stop loss": "sl",
	"stop":      "sl",

	"tp":          "tp",
	"take profit": "tp",
	"objectif":    "tp",
	"take-profit": "tp",

	"atr": "atr",

	"validity":      "validity",
	"validity bars": "validity",
	"valid bars":    "validity",
	"validité":      "validity",
	"validite":      "validity",
	"bars":          "validity",
	"barres":        "validity",

	"timeframe": "timeframe",
	"tf":        "timeframe",
}

// ParseFreeText parses the deterministic line-oriented free-text alert
// shape described in spec §4.G: a LONG/SHORT marker followed by the
// symbol (optionally parenthesized), then a run of "key: value" lines.
// Unknown keys are ignored rather than rejected.
func ParseFreeText(body string) (models.Signal, error) {
	var sig models.Signal
	sig.Source = "tradingview-freetext"
	sideFound := false

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !sideFound {
			if side, symbol, ok := parseSideAndSymbol(trimmed); ok {
				sig.Side = side
				sig.Symbol = symbol
				sideFound = true
				continue
			}
		}
		if key, value, ok := splitKeyValue(trimmed); ok {
			applyKeyValue(&sig, key, value)
		}
	}

	if !sideFound {
		return models.Signal{}, fmt.Errorf("free-text alert did not contain a recognizable LONG/SHORT marker")
	}
	return sig, nil
}

func parseSideAndSymbol(line string) (models.Side, string, bool) {
	tokens := strings.Fields(line)
	for i, tok := range tokens {
		clean := strings.ToUpper(strings.Trim(tok, ":#*"))
		side, ok := sideTokens[clean]
		if !ok {
			side, ok = sideTokens[tok] // dot markers aren't uppercased meaningfully
		}
		if !ok {
			continue
		}
		if i+1 < len(tokens) {
			return side, cleanSymbolToken(tokens[i+1]), true
		}
		return side, "", true
	}
	return "", "", false
}

func cleanSymbolToken(tok string) string {
	tok = strings.Trim(tok, "()[]{}:,")
	return strings.ToUpper(tok)
}

func splitKeyValue(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(line[:idx]))
	value := strings.TrimSpace(line[idx+1:])
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}

func applyKeyValue(sig *models.Signal, key, value string) {
	canon, ok := keyAliases[key]
	if !ok {
		return // unknown keys are ignored, per spec
	}
	switch canon {
	case "entry":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			sig.EntryPrice = f
		}
	case "sl":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			sig.StopLoss = f
		}
	case "tp":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			sig.TakeProfit = f
		}
	case "atr":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			sig.ATR = f
		}
	case "validity":
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			sig.ValidityBars = n
		}
	case "timeframe":
		if minutes := parseTimeframeCode(value); minutes > 0 {
			sig.TimeframeMinutes = minutes
		}
	}
}
