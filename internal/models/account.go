package models

// AccountConfig describes one brokerage account the dispatcher can submit
// orders to.
type AccountConfig struct {
	ID                 string            `yaml:"id"`
	DisplayName        string            `yaml:"display_name"`
	Broker             string            `yaml:"broker"` // "rpc" | "rest"
	Enabled            bool              `yaml:"enabled"`
	Demo               bool              `yaml:"demo"`
	Credentials        map[string]string `yaml:"credentials"`
	SymbolMap          map[string]string `yaml:"symbol_map"`
	SymbolSuffix       string            `yaml:"symbol_suffix"` // ".<suffix>" fallback when no explicit mapping exists
	UseEquity          bool              `yaml:"use_equity"`
	RiskPercent        float64           `yaml:"risk_percent"`
	LotStep            float64           `yaml:"lot_step"`
	MinLot             float64           `yaml:"min_lot"`
	MaxLot             float64           `yaml:"max_lot"`
	MinFreeMarginRatio float64           `yaml:"min_free_margin_ratio"`
	MaxOpenPositions   int               `yaml:"max_open_positions"`
	MaxPendingOrders   int               `yaml:"max_pending_orders"`
}

// AccountState is a snapshot of an account's balance and margin, refreshed
// on demand from the broker.
type AccountState struct {
	Balance      float64
	Equity       float64
	UsedMargin   float64
	FreeMargin   float64
	BaseCurrency string
	Leverage     float64
}

// FreeMarginRatio returns the free margin as a percentage of equity. When
// FreeMargin is unknown (zero) while Equity is positive, the filter's
// convention is to treat the ratio as fully free (100%).
func (a AccountState) FreeMarginRatio() float64 {
	if a.Equity <= 0 {
		return 0
	}
	if a.FreeMargin <= 0 {
		return 100
	}
	return a.FreeMargin / a.Equity * 100
}

// Value returns the account value to size positions against: equity when
// useEquity is true and positive, otherwise balance, otherwise zero.
func (a AccountState) Value(useEquity bool) float64 {
	if useEquity && a.Equity > 0 {
		return a.Equity
	}
	if a.Balance > 0 {
		return a.Balance
	}
	return 0
}
