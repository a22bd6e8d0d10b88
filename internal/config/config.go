// Package config provides configuration management for the signal dispatch bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/riverbend/signalbot/internal/models"
)

// Defaults applied by Normalize when a field is left unset.
const (
	defaultMinDelayMs            = 500
	defaultMaxDelayMs            = 3000
	defaultOrderTimeoutBars      = 4
	defaultReaperIntervalSeconds = 900
	defaultMinFreeMarginRatio    = 30.0
	defaultMaxOpenPositions      = 5
	defaultMaxPendingOrders      = 10
	defaultTimeframeMinutes      = 240
	defaultWebhookPort           = 8080
)

// Config represents the complete application configuration.
type Config struct {
	General       GeneralConfig              `yaml:"general"`
	Execution     ExecutionConfig            `yaml:"execution"`
	Filters       FilterConfig               `yaml:"filters"`
	Webhook       WebhookConfig              `yaml:"webhook"`
	Brokers       []models.AccountConfig     `yaml:"brokers"`
	Instruments   map[string]InstrumentEntry `yaml:"instruments"`
	Notifications NotificationConfig         `yaml:"notifications"`

	// path is the file this config was loaded from; Store uses it to target
	// in-place token rotation rewrites.
	path string
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	Mode     string `yaml:"mode"` // demo | live
	LogLevel string `yaml:"log_level"`
}

// ExecutionConfig controls sequencing and dispatch pacing, and the reaper.
type ExecutionConfig struct {
	MinDelayMs            int `yaml:"min_delay_ms"`
	MaxDelayMs            int `yaml:"max_delay_ms"`
	OrderTimeoutBars      int `yaml:"order_timeout_bars"`
	ReaperIntervalSeconds int `yaml:"reaper_interval_seconds"`
	TimeframeMinutes      int `yaml:"timeframe_minutes"` // bar width the reaper counts expiry against
}

// FilterConfig holds the global defaults for the pre-trade filter; accounts
// may override individual fields via their own AccountConfig.
type FilterConfig struct {
	MinFreeMarginRatio      float64 `yaml:"min_free_margin_ratio"`
	MaxOpenPositions        int     `yaml:"max_open_positions"`
	MaxPendingOrders        int     `yaml:"max_pending_orders"`
	DuplicatePrevention     bool    `yaml:"duplicate_prevention"`
	MaxDailyLossPercent     float64 `yaml:"max_daily_loss_percent"`     // reserved, tracked outside the core
	MaxTotalDrawdownPercent float64 `yaml:"max_total_drawdown_percent"` // reserved, tracked outside the core
}

// WebhookConfig controls the HTTP intake surface.
type WebhookConfig struct {
	Port       int      `yaml:"port"`
	Secret     string   `yaml:"secret"`
	AllowedIPs []string `yaml:"allowed_ips"`
	PathPrefix string   `yaml:"path_prefix"`
}

// InstrumentEntry is the catalog's YAML representation of an instrument,
// including its per-account symbol mapping.
type InstrumentEntry struct {
	PipSize        float64           `yaml:"pip_size"`
	PipValuePerLot float64           `yaml:"pip_value_per_lot"`
	ContractSize   float64           `yaml:"contract_size"`
	QuoteCurrency  string            `yaml:"quote_currency"`
	PhaseMinutes   *int              `yaml:"phase_minutes"`
	SessionModel   string            `yaml:"session_model"`
	AccountSymbols map[string]string `yaml:"account_symbols"`
}

// NotificationConfig configures the structured-event sinks. The core never
// depends on these directly; they are wiring hints for whatever binds to
// internal/events.
type NotificationConfig struct {
	Enabled      bool     `yaml:"enabled"`
	SinkBufferSz int      `yaml:"sink_buffer_size"`
	Channels     []string `yaml:"channels"` // e.g. "email", "chat" - informational only
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	// Duplicate prevention is on unless the file turns it off explicitly.
	cfg := Config{Filters: FilterConfig{DuplicatePrevention: true}}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}
	cfg.path = configPath

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Normalize fills in default values for unset configuration fields.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.General.Mode) == "" {
		c.General.Mode = "demo"
	}
	if strings.TrimSpace(c.General.LogLevel) == "" {
		c.General.LogLevel = "info"
	}
	if c.Execution.MinDelayMs <= 0 {
		c.Execution.MinDelayMs = defaultMinDelayMs
	}
	if c.Execution.MaxDelayMs <= 0 {
		c.Execution.MaxDelayMs = defaultMaxDelayMs
	}
	if c.Execution.MaxDelayMs < c.Execution.MinDelayMs {
		c.Execution.MaxDelayMs = c.Execution.MinDelayMs
	}
	if c.Execution.OrderTimeoutBars <= 0 {
		c.Execution.OrderTimeoutBars = defaultOrderTimeoutBars
	}
	if c.Execution.ReaperIntervalSeconds <= 0 {
		c.Execution.ReaperIntervalSeconds = defaultReaperIntervalSeconds
	}
	if c.Execution.TimeframeMinutes <= 0 {
		c.Execution.TimeframeMinutes = defaultTimeframeMinutes
	}
	if c.Filters.MinFreeMarginRatio <= 0 {
		c.Filters.MinFreeMarginRatio = defaultMinFreeMarginRatio
	}
	if c.Filters.MaxOpenPositions <= 0 {
		c.Filters.MaxOpenPositions = defaultMaxOpenPositions
	}
	if c.Filters.MaxPendingOrders <= 0 {
		c.Filters.MaxPendingOrders = defaultMaxPendingOrders
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = defaultWebhookPort
	}
	if c.Notifications.SinkBufferSz <= 0 {
		c.Notifications.SinkBufferSz = 32
	}

	for i := range c.Brokers {
		b := &c.Brokers[i]
		if b.LotStep <= 0 {
			b.LotStep = 0.01
		}
		if b.MinLot <= 0 {
			b.MinLot = 0.01
		}
		if b.MaxLot <= 0 {
			b.MaxLot = 50
		}
		if b.MinFreeMarginRatio <= 0 {
			b.MinFreeMarginRatio = c.Filters.MinFreeMarginRatio
		}
		if b.MaxOpenPositions <= 0 {
			b.MaxOpenPositions = c.Filters.MaxOpenPositions
		}
		if b.MaxPendingOrders <= 0 {
			b.MaxPendingOrders = c.Filters.MaxPendingOrders
		}
		if b.RiskPercent <= 0 {
			b.RiskPercent = 1.0
		}
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch strings.ToLower(c.General.Mode) {
	case "demo", "live":
	default:
		return fmt.Errorf("general.mode must be 'demo' or 'live'")
	}

	switch strings.ToLower(c.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.log_level must be one of: debug, info, warn, error")
	}

	if c.Execution.MinDelayMs < 0 {
		return fmt.Errorf("execution.min_delay_ms must be >= 0")
	}
	if c.Execution.MaxDelayMs < c.Execution.MinDelayMs {
		return fmt.Errorf("execution.max_delay_ms must be >= min_delay_ms")
	}
	if c.Execution.OrderTimeoutBars <= 0 {
		return fmt.Errorf("execution.order_timeout_bars must be > 0")
	}
	if c.Execution.ReaperIntervalSeconds <= 0 {
		return fmt.Errorf("execution.reaper_interval_seconds must be > 0")
	}

	if c.Filters.MinFreeMarginRatio < 0 || c.Filters.MinFreeMarginRatio > 100 {
		return fmt.Errorf("filters.min_free_margin_ratio must be between 0 and 100")
	}
	if c.Filters.MaxOpenPositions <= 0 {
		return fmt.Errorf("filters.max_open_positions must be > 0")
	}
	if c.Filters.MaxPendingOrders <= 0 {
		return fmt.Errorf("filters.max_pending_orders must be > 0")
	}

	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return fmt.Errorf("webhook.secret is required")
	}

	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker account is required")
	}
	seen := make(map[string]bool, len(c.Brokers))
	for i, b := range c.Brokers {
		if strings.TrimSpace(b.ID) == "" {
			return fmt.Errorf("brokers[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("brokers[%d]: duplicate account id %q", i, b.ID)
		}
		seen[b.ID] = true
		switch b.Broker {
		case "rpc", "rest":
		default:
			return fmt.Errorf("brokers[%d].broker must be 'rpc' or 'rest'", i)
		}
		if b.RiskPercent <= 0 || b.RiskPercent > 100 {
			return fmt.Errorf("brokers[%d].risk_percent must be between 0 and 100", i)
		}
		if b.MinLot <= 0 || b.MaxLot < b.MinLot {
			return fmt.Errorf("brokers[%d]: min_lot/max_lot invalid", i)
		}
		if b.LotStep <= 0 {
			return fmt.Errorf("brokers[%d].lot_step must be > 0", i)
		}
	}

	for symbol, inst := range c.Instruments {
		if inst.PipSize <= 0 {
			return fmt.Errorf("instruments[%s].pip_size must be > 0", symbol)
		}
		if inst.SessionModel != "" {
			switch models.SessionModel(inst.SessionModel) {
			case models.Session24x7, models.Session24x5, models.SessionRTH:
			default:
				return fmt.Errorf("instruments[%s].session_model %q is not recognized", symbol, inst.SessionModel)
			}
		}
	}

	return nil
}

// IsLive returns true if the bot is configured to trade with real money.
func (c *Config) IsLive() bool {
	return strings.ToLower(c.General.Mode) == "live"
}

// ReaperInterval returns the configured reaper cycle interval as a Duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Execution.ReaperIntervalSeconds) * time.Second
}

// EnabledBrokers returns only the accounts with Enabled set, preserving
// configured order.
func (c *Config) EnabledBrokers() []models.AccountConfig {
	out := make([]models.AccountConfig, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// InstrumentSpec converts a catalog entry into the runtime InstrumentSpec,
// applying the default contract size and the 24x5 session model when
// unconfigured. An unconfigured phase is left unset (HasPhase false); the
// default offset is chosen later by candle.DefaultPhaseMinutes.
func (e InstrumentEntry) InstrumentSpec(symbol string) models.InstrumentSpec {
	spec := models.InstrumentSpec{
		Symbol:         symbol,
		PipSize:        e.PipSize,
		PipValuePerLot: e.PipValuePerLot,
		ContractSize:   e.ContractSize,
		QuoteCurrency:  e.QuoteCurrency,
		SessionModel:   models.SessionModel(e.SessionModel),
	}
	if spec.ContractSize <= 0 {
		spec.ContractSize = models.DefaultContractSize
	}
	if spec.SessionModel == "" {
		spec.SessionModel = models.Session24x5
	}
	if e.PhaseMinutes != nil {
		spec.PhaseMinutes = *e.PhaseMinutes
		spec.HasPhase = true
	}
	return spec
}
