package models

// InstrumentSpec describes one canonical symbol's pricing and session
// characteristics. Loaded from the instrument catalog config section.
type InstrumentSpec struct {
	Symbol         string       `yaml:"symbol"`
	PipSize        float64      `yaml:"pip_size"`
	PipValuePerLot float64      `yaml:"pip_value_per_lot"` // 0 means "derive dynamically"
	ContractSize   float64      `yaml:"contract_size"`
	QuoteCurrency  string       `yaml:"quote_currency"`
	PhaseMinutes   int          `yaml:"phase_minutes"`
	SessionModel   SessionModel `yaml:"session_model"`
	HasPhase       bool         `yaml:"-"` // set true when PhaseMinutes was explicitly configured
}

// Default phase offsets, applied when a symbol's catalog entry does not set
// PhaseMinutes explicitly. These align with the bar boundaries the external
// charting platform uses for each asset class.
const (
	DefaultPhaseMinutesFX     = -120
	DefaultPhaseMinutesCrypto = 0
	DefaultPhaseMinutesEquity = 150
)

// DefaultContractSize is used for FX-style instruments absent an explicit
// contract size.
const DefaultContractSize = 100000.0
