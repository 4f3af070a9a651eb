// Package config loads and validates the bot's JSON configuration file and
// the environment-held credentials. Durations appear in the file in operator
// units (minutes, hours, days) and are converted here into the component
// configs the rest of the system consumes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ducminhle1904/multi-strategy-bot/internal/allocation"
	"github.com/ducminhle1904/multi-strategy-bot/internal/dataquality"
	"github.com/ducminhle1904/multi-strategy-bot/internal/ledger"
	"github.com/ducminhle1904/multi-strategy-bot/internal/reconcile"
	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/internal/risk"
	"github.com/ducminhle1904/multi-strategy-bot/internal/safety"
	"github.com/ducminhle1904/multi-strategy-bot/internal/strategy"
)

// BotConfig is the complete configuration for one bot process.
type BotConfig struct {
	// SystemID namespaces all durable state, so several bots can share a
	// store and a broker account family.
	SystemID string `json:"system_id"`

	// RunIntervalMinutes is the pause between scheduled runs.
	RunIntervalMinutes int `json:"run_interval_minutes"`

	// SnapshotFile is the market snapshot JSON the data collaborator
	// maintains; every run reads its current content.
	SnapshotFile string `json:"snapshot_file"`

	// Universe optionally restricts trading to these symbols. Empty means
	// every symbol in the snapshot.
	Universe []string `json:"universe,omitempty"`

	Coordinator    CoordinatorConfig       `json:"coordinator"`
	Costs          CostConfig              `json:"costs"`
	DataQuality    DataQualityConfig       `json:"data_quality"`
	Regime         regime.Config           `json:"regime"`
	Correlation    risk.FilterConfig       `json:"correlation"`
	Allocation     allocation.Config       `json:"allocation"`
	Ledger         ledger.Config           `json:"ledger"`
	Drawdown       DrawdownConfig          `json:"drawdown"`
	KillSwitch     safety.KillSwitchConfig `json:"kill_switch"`
	Breaker        BreakerConfig           `json:"breaker"`
	Reconciliation ReconcileConfig         `json:"reconciliation"`

	// IntentBucketMinutes is the idempotency window for order intents.
	IntentBucketMinutes int `json:"intent_bucket_minutes"`

	Strategies []strategy.Config `json:"strategies"`

	Broker        BrokerConfig       `json:"broker"`
	Store         StoreConfig        `json:"store"`
	Notifications NotificationConfig `json:"notifications"`
	Monitoring    MonitoringConfig   `json:"monitoring"`
	Logging       LoggingConfig      `json:"logging"`
}

// CoordinatorConfig holds the run coordinator's own knobs.
type CoordinatorConfig struct {
	TopNPerStrategy        int     `json:"top_n_per_strategy"`
	GenerationWorkers      int     `json:"generation_workers"`
	AllocationWindow       int     `json:"allocation_window"`
	MaxResumeDuplicateRate float64 `json:"max_resume_duplicate_rate"`
}

// CostConfig holds the execution cost assumptions as fractional
// percentages, e.g. 0.0005 for 0.05% slippage.
type CostConfig struct {
	SlippagePct   float64 `json:"slippage_pct"`
	CommissionPct float64 `json:"commission_pct"`
}

// DataQualityConfig mirrors the data quality gate thresholds with staleness
// in hours.
type DataQualityConfig struct {
	MaxStalenessHours     int      `json:"max_staleness_hours"`
	RequiredIndicators    []string `json:"required_indicators,omitempty"`
	MaxMissingFraction    float64  `json:"max_missing_fraction"`
	OutlierBandMultiplier float64  `json:"outlier_band_multiplier"`
	MinOutlierReturn      float64  `json:"min_outlier_return"`
}

// Build converts to the gate's config.
func (c DataQualityConfig) Build() dataquality.Config {
	return dataquality.Config{
		MaxStaleness:          time.Duration(c.MaxStalenessHours) * time.Hour,
		RequiredIndicators:    c.RequiredIndicators,
		MaxMissingFraction:    c.MaxMissingFraction,
		OutlierBandMultiplier: c.OutlierBandMultiplier,
		MinOutlierReturn:      c.MinOutlierReturn,
	}
}

// DrawdownConfig mirrors the drawdown stop thresholds with windows in days.
type DrawdownConfig struct {
	HaltThreshold    float64 `json:"halt_threshold"`
	PanicThreshold   float64 `json:"panic_threshold"`
	CooldownDays     int     `json:"cooldown_days"`
	RampupDays       int     `json:"rampup_days"`
	RampupMultiplier float64 `json:"rampup_multiplier"`
}

// Build converts to the drawdown stop's config.
func (c DrawdownConfig) Build(systemID string) safety.DrawdownConfig {
	return safety.DrawdownConfig{
		SystemID:         systemID,
		HaltThreshold:    c.HaltThreshold,
		PanicThreshold:   c.PanicThreshold,
		Cooldown:         time.Duration(c.CooldownDays) * 24 * time.Hour,
		RampupWindow:     time.Duration(c.RampupDays) * 24 * time.Hour,
		RampupMultiplier: c.RampupMultiplier,
	}
}

// BreakerConfig mirrors the per-strategy circuit breaker settings with the
// open timeout in minutes.
type BreakerConfig struct {
	FailureThreshold   int `json:"failure_threshold"`
	SuccessThreshold   int `json:"success_threshold"`
	OpenTimeoutMinutes int `json:"open_timeout_minutes"`
}

// Build converts to the breaker set's config.
func (c BreakerConfig) Build() safety.BreakerConfig {
	return safety.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		OpenTimeout:      time.Duration(c.OpenTimeoutMinutes) * time.Minute,
	}
}

// ReconcileConfig mirrors the reconciliation tolerances with the broker
// fetch timeout in seconds.
type ReconcileConfig struct {
	CashTolerance       float64 `json:"cash_tolerance"`
	QuantityTolerance   float64 `json:"quantity_tolerance"`
	RelativeTolerance   float64 `json:"relative_tolerance"`
	FetchTimeoutSeconds int     `json:"fetch_timeout_seconds"`
}

// Build converts to the reconciliation gate's config.
func (c ReconcileConfig) Build() reconcile.Config {
	return reconcile.Config{
		CashTolerance:     c.CashTolerance,
		QuantityTolerance: c.QuantityTolerance,
		RelativeTolerance: c.RelativeTolerance,
		FetchTimeout:      time.Duration(c.FetchTimeoutSeconds) * time.Second,
	}
}

// BrokerConfig selects and configures the broker gateway.
type BrokerConfig struct {
	// Name selects the gateway: "paper" or "bybit".
	Name string `json:"name"`
	// PaperCash is the paper broker's starting balance.
	PaperCash float64 `json:"paper_cash,omitempty"`
	// Category is the Bybit product category, e.g. "spot" or "linear".
	Category string `json:"category,omitempty"`
	// AccountType is the Bybit wallet account type, e.g. "UNIFIED".
	AccountType string `json:"account_type,omitempty"`
	// Testnet and Demo select Bybit's test environments. Demo wins when
	// both are set.
	Testnet bool `json:"testnet,omitempty"`
	Demo    bool `json:"demo,omitempty"`
	// RequestTimeoutSeconds bounds each Bybit API call.
	RequestTimeoutSeconds int `json:"request_timeout_seconds,omitempty"`
}

// StoreConfig locates the sqlite database.
type StoreConfig struct {
	Path string `json:"path"`
}

// NotificationConfig holds notification settings. Credentials come from the
// environment, never from the file.
type NotificationConfig struct {
	Enabled bool `json:"enabled"`
}

// MonitoringConfig holds the optional metrics and health listeners; an
// empty address disables the listener.
type MonitoringConfig struct {
	MetricsAddr string `json:"metrics_addr,omitempty"`
	HealthAddr  string `json:"health_addr,omitempty"`
}

// LoggingConfig controls log verbosity and output format.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

// RunInterval returns the pause between scheduled runs.
func (c *BotConfig) RunInterval() time.Duration {
	return time.Duration(c.RunIntervalMinutes) * time.Minute
}

// IntentBucket returns the intent idempotency window.
func (c *BotConfig) IntentBucket() time.Duration {
	return time.Duration(c.IntentBucketMinutes) * time.Minute
}

// BuildStrategies constructs the enabled strategy instances.
func (c *BotConfig) BuildStrategies() ([]strategy.SignalGenerator, error) {
	var out []strategy.SignalGenerator
	for _, sc := range c.Strategies {
		if !sc.Enabled {
			continue
		}
		gen, err := strategy.New(sc)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", sc.ID, err)
		}
		out = append(out, gen)
	}
	return out, nil
}

// Load reads, defaults and validates a bot configuration. A bare file name
// is resolved under configs/ and the .json extension is optional, so
// `-config default` finds configs/default.json.
func Load(configFile string) (*BotConfig, error) {
	if !strings.ContainsAny(configFile, "/\\") {
		configFile = filepath.Join("configs", configFile)
	}
	if !strings.HasSuffix(configFile, ".json") {
		configFile += ".json"
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var config BotConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// setDefaults fills the operator-facing defaults. Component-level thresholds
// default inside the components themselves; only the knobs that must be
// decided here get values.
func (c *BotConfig) setDefaults() {
	if c.SystemID == "" {
		c.SystemID = "multi-strategy-bot"
	}
	if c.RunIntervalMinutes <= 0 {
		c.RunIntervalMinutes = 60
	}
	if c.IntentBucketMinutes <= 0 {
		c.IntentBucketMinutes = 60
	}
	if c.Costs.SlippagePct == 0 {
		c.Costs.SlippagePct = 0.0005 // 0.05%
	}
	if c.Costs.CommissionPct == 0 {
		c.Costs.CommissionPct = 0.001 // 0.10%
	}
	if c.Broker.Name == "" {
		c.Broker.Name = "paper"
	}
	if c.Broker.PaperCash <= 0 {
		c.Broker.PaperCash = 10000
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join("data", "bot.db")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// validate rejects configurations that cannot possibly run. Strategy configs
// are validated by actually constructing them, the same check the bot does
// at startup.
func (c *BotConfig) validate() error {
	if c.SnapshotFile == "" {
		return fmt.Errorf("snapshot_file is required")
	}

	switch strings.ToLower(c.Broker.Name) {
	case "paper", "bybit":
	default:
		return fmt.Errorf("unknown broker %q (known: paper, bybit)", c.Broker.Name)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (known: text, json)", c.Logging.Format)
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	seen := make(map[string]bool, len(c.Strategies))
	enabled := 0
	for _, sc := range c.Strategies {
		if sc.ID == "" {
			return fmt.Errorf("strategy config missing id")
		}
		if seen[sc.ID] {
			return fmt.Errorf("duplicate strategy id %q", sc.ID)
		}
		seen[sc.ID] = true
		if !sc.Enabled {
			continue
		}
		enabled++
		if _, err := strategy.New(sc); err != nil {
			return fmt.Errorf("strategy %q: %w", sc.ID, err)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no strategy is enabled")
	}

	return nil
}
