package regime

import (
	"fmt"
	"strings"
	"time"
)

// RegimeType classifies current market conditions. Strategies declare which
// regimes they are eligible to trade in; ineligible strategies sit out the
// run entirely.
type RegimeType int

const (
	RegimeBull RegimeType = iota
	RegimeBear
	RegimeSideways
	RegimeVolatile
)

func (r RegimeType) String() string {
	switch r {
	case RegimeBull:
		return "BULL"
	case RegimeBear:
		return "BEAR"
	case RegimeSideways:
		return "SIDEWAYS"
	case RegimeVolatile:
		return "VOLATILE"
	default:
		return "UNKNOWN"
	}
}

// ParseRegime converts a config string into a RegimeType.
func ParseRegime(s string) (RegimeType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BULL":
		return RegimeBull, nil
	case "BEAR":
		return RegimeBear, nil
	case "SIDEWAYS":
		return RegimeSideways, nil
	case "VOLATILE":
		return RegimeVolatile, nil
	}
	return RegimeSideways, fmt.Errorf("unknown regime %q", s)
}

// RegimeSignal is the output of one classification.
type RegimeSignal struct {
	Type       RegimeType `json:"type"`
	Confidence float64    `json:"confidence"` // 0.0 to 1.0
	TrendScore float64    `json:"trend_score"`
	Volatility float64    `json:"volatility"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Config holds the classifier thresholds and the names of the precomputed
// indicator series it reads from the snapshot.
type Config struct {
	// TrendIndicator is the moving-average series used for trend direction.
	TrendIndicator string `json:"trend_indicator"`
	// VolatilityIndicator is the range series (e.g. ATR) used for the
	// volatility score.
	VolatilityIndicator string `json:"volatility_indicator"`
	// TrendThreshold is the average close-vs-MA distance that separates
	// BULL/BEAR from SIDEWAYS.
	TrendThreshold float64 `json:"trend_threshold"`
	// VolatilityThreshold is the normalized volatility above which the
	// regime is VOLATILE regardless of trend.
	VolatilityThreshold float64 `json:"volatility_threshold"`
}

// DefaultConfig returns classifier defaults.
func DefaultConfig() Config {
	return Config{
		TrendIndicator:      "sma_50",
		VolatilityIndicator: "atr_14",
		TrendThreshold:      0.02,
		VolatilityThreshold: 0.04,
	}
}

func (c *Config) setDefaults() {
	if c.TrendIndicator == "" {
		c.TrendIndicator = "sma_50"
	}
	if c.VolatilityIndicator == "" {
		c.VolatilityIndicator = "atr_14"
	}
	if c.TrendThreshold <= 0 {
		c.TrendThreshold = 0.02
	}
	if c.VolatilityThreshold <= 0 {
		c.VolatilityThreshold = 0.04
	}
}
