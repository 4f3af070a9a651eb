package strategy

import (
	"fmt"
	"sort"

	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
)

// Config configures one strategy instance. The flat struct covers the whole
// closed set; each constructor reads the fields for its type and applies its
// own defaults to the rest.
type Config struct {
	// ID is the stable instance id; it owns positions and funnel rows.
	ID string `json:"id"`
	// Type selects the generator: "momentum", "mean_reversion", "breakout".
	Type string `json:"type"`
	// Enabled strategies participate in runs; disabled ones are skipped
	// before regime checks.
	Enabled bool `json:"enabled"`
	// Regimes overrides the generator's default eligible regimes.
	Regimes []string `json:"regimes,omitempty"`
	// RiskFraction is the slice of available capital one entry signal asks
	// for.
	RiskFraction float64 `json:"risk_fraction,omitempty"`
	// MaxSignals caps entry signals per run; exits are never capped.
	MaxSignals int `json:"max_signals,omitempty"`

	// Momentum settings.
	TrendIndicator string  `json:"trend_indicator,omitempty"`
	RSIIndicator   string  `json:"rsi_indicator,omitempty"`
	EntryRSI       float64 `json:"entry_rsi,omitempty"`
	ExitRSI        float64 `json:"exit_rsi,omitempty"`
	OverboughtRSI  float64 `json:"overbought_rsi,omitempty"`

	// Mean reversion settings.
	LowerBandIndicator  string  `json:"lower_band_indicator,omitempty"`
	MiddleBandIndicator string  `json:"middle_band_indicator,omitempty"`
	OversoldRSI         float64 `json:"oversold_rsi,omitempty"`

	// Breakout settings.
	UpperChannelIndicator string `json:"upper_channel_indicator,omitempty"`
	LowerChannelIndicator string `json:"lower_channel_indicator,omitempty"`

	// ATRIndicator, when set, attaches the symbol's ATR reading to signals
	// for stop sizing.
	ATRIndicator string `json:"atr_indicator,omitempty"`
}

type factory func(Config) (SignalGenerator, error)

var factories = map[string]factory{
	"momentum":       newMomentumFromConfig,
	"mean_reversion": newMeanReversionFromConfig,
	"breakout":       newBreakoutFromConfig,
}

// Types lists the registered strategy types in stable order.
func Types() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds a generator from config. Unknown types and malformed regime
// overrides are configuration errors.
func New(config Config) (SignalGenerator, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("strategy config missing id")
	}
	build, ok := factories[config.Type]
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q (known: %v)", config.Type, Types())
	}
	return build(config)
}

// regimesFromConfig parses a regime override list, falling back to the
// generator's defaults when the list is empty.
func regimesFromConfig(overrides []string, defaults []regime.RegimeType) ([]regime.RegimeType, error) {
	if len(overrides) == 0 {
		return defaults, nil
	}
	out := make([]regime.RegimeType, 0, len(overrides))
	for _, s := range overrides {
		r, err := regime.ParseRegime(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
