// Package sizer computes risk-based position sizes for signal dispatch.
package sizer

import (
	"fmt"
	"math"

	"github.com/riverbend/signalbot/internal/models"
	"github.com/riverbend/signalbot/internal/util"
)

// Input bundles everything the sizer needs to compute a lot count for one
// account/signal pair.
type Input struct {
	AccountValue      float64
	RiskPercent       float64
	EntryPrice        float64
	StopLoss          float64
	Spec              models.InstrumentSpec
	CurrentPrice      float64 // 0 if unknown
	QuoteToAccountRate float64 // 0 if unknown
	LotStep           float64
	MinLot            float64
	MaxLot            float64
}

// Result is the sized output, including the pip value actually used so
// callers can log or test against it.
type Result struct {
	Lots           float64
	PipValuePerLot float64
	RealizedRisk   float64
	Clamped        bool   // true if lots was clamped to MinLot/MaxLot
	Detail         string // set on degenerate inputs (e.g. zero stop distance)
}

// conservativePipValueUSD is the sanity-gate default table, keyed by quote
// currency, for one standard lot (100,000 units) at that currency's normal
// pip size. A dynamically derived pip value that deviates from its
// currency's entry by more than sanityDeviation is replaced by the entry;
// the replacement can raise or lower the lot count compared with the
// derived value.
var conservativePipValueUSD = map[string]float64{
	"USD": 10.0,
	"EUR": 11.0,
	"GBP": 13.0,
	"JPY": 9.3, // per 0.01 pip, contract size 100000
	"CHF": 12.5,
	"AUD": 6.8,
	"NZD": 6.2,
	"CAD": 7.3,
	"ZAR": 0.55,
	"TRY": 0.30,
	"MXN": 0.50,
}

// sanityDeviation is the maximum fractional deviation a dynamically derived
// pip value is allowed from the conservative table default before it is
// discarded in favor of the table value.
const sanityDeviation = 0.5

// Size computes the lot count for one account against one signal.
func Size(in Input) Result {
	slPips := math.Abs(in.EntryPrice-in.StopLoss) / in.Spec.PipSize
	if slPips == 0 {
		return Result{Detail: "stop loss distance is zero; cannot size position"}
	}

	pipValue := pipValuePerLot(in)

	riskAmount := in.AccountValue * in.RiskPercent / 100
	rawLots := riskAmount / (slPips * pipValue)

	lotStep := in.LotStep
	if lotStep <= 0 {
		lotStep = 0.01
	}
	lots := util.RoundToTick(rawLots, lotStep)

	clamped := false
	if in.MinLot > 0 && lots < in.MinLot {
		lots = in.MinLot
		clamped = true
	}
	if in.MaxLot > 0 && lots > in.MaxLot {
		lots = in.MaxLot
		clamped = true
	}
	if lots <= 0 {
		return Result{Detail: "sized lot count is zero or negative"}
	}

	realizedRisk := lots * slPips * pipValue

	return Result{
		Lots:           lots,
		PipValuePerLot: pipValue,
		RealizedRisk:   realizedRisk,
		Clamped:        clamped,
	}
}

// pipValuePerLot derives the per-lot pip value in account currency,
// applying the exotic-currency sanity gate whenever the value is derived
// dynamically rather than taken from static configuration.
func pipValuePerLot(in Input) float64 {
	if in.Spec.PipValuePerLot > 0 {
		return in.Spec.PipValuePerLot
	}

	contractSize := in.Spec.ContractSize
	if contractSize <= 0 {
		contractSize = models.DefaultContractSize
	}
	base := contractSize * in.Spec.PipSize

	derived := base
	switch {
	case in.Spec.QuoteCurrency == "" || in.Spec.QuoteCurrency == "USD":
		derived = base
	case in.QuoteToAccountRate > 0:
		derived = base * in.QuoteToAccountRate
	case in.CurrentPrice > 1:
		derived = base / in.CurrentPrice
	}

	def, hasDefault := conservativePipValueUSD[in.Spec.QuoteCurrency]
	if !hasDefault {
		return derived
	}

	if def == 0 {
		return derived
	}
	deviation := math.Abs(derived-def) / def
	if deviation > sanityDeviation {
		return def
	}
	return derived
}

// String renders a Result for logging.
func (r Result) String() string {
	if r.Detail != "" {
		return fmt.Sprintf("sizer: %s", r.Detail)
	}
	return fmt.Sprintf("sizer: lots=%.2f pipValue=%.4f risk=%.2f clamped=%v",
		r.Lots, r.PipValuePerLot, r.RealizedRisk, r.Clamped)
}
