// Package regime classifies the market snapshot into one of four regimes
// from precomputed indicator fields. The classification gates which
// strategies are allowed to generate signals in a run.
package regime

import (
	"math"

	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Classifier derives a market-wide regime from per-symbol trend and
// volatility readings. It computes nothing itself: both readings come from
// indicator series the market-data collaborator precomputed.
type Classifier struct {
	config Config
	log    *logger.Entry
}

// NewClassifier creates a regime classifier.
func NewClassifier(config Config) *Classifier {
	config.setDefaults()
	return &Classifier{
		config: config,
		log:    logger.WithField("component", "regime"),
	}
}

// Classify scores the snapshot and returns the market regime. Symbols
// missing the required indicator series are skipped; with no usable symbol
// at all the regime defaults to SIDEWAYS at zero confidence, which keeps
// conservative strategies eligible and aggressive ones out.
func (c *Classifier) Classify(snapshot *types.MarketSnapshot) RegimeSignal {
	signal := RegimeSignal{Type: RegimeSideways, Timestamp: snapshot.AsOf}

	var trendSum, volSum float64
	usable := 0
	for _, sym := range snapshot.SymbolList() {
		series := snapshot.Symbols[sym]
		latest, ok := series.Latest()
		if !ok || latest.Close <= 0 {
			continue
		}
		ma, okMA := series.Indicator(c.config.TrendIndicator)
		vol, okVol := series.Indicator(c.config.VolatilityIndicator)
		if !okMA || !okVol || ma <= 0 || math.IsNaN(ma) || math.IsNaN(vol) {
			continue
		}
		trendSum += latest.Close/ma - 1
		volSum += vol / latest.Close
		usable++
	}

	if usable == 0 {
		c.log.Warn("no symbol carries the regime indicators, defaulting to SIDEWAYS")
		return signal
	}

	signal.TrendScore = trendSum / float64(usable)
	signal.Volatility = volSum / float64(usable)

	switch {
	case signal.Volatility >= c.config.VolatilityThreshold:
		signal.Type = RegimeVolatile
		signal.Confidence = clamp01(signal.Volatility / (2 * c.config.VolatilityThreshold))
	case signal.TrendScore >= c.config.TrendThreshold:
		signal.Type = RegimeBull
		signal.Confidence = clamp01(signal.TrendScore / (2 * c.config.TrendThreshold))
	case signal.TrendScore <= -c.config.TrendThreshold:
		signal.Type = RegimeBear
		signal.Confidence = clamp01(-signal.TrendScore / (2 * c.config.TrendThreshold))
	default:
		signal.Type = RegimeSideways
		signal.Confidence = clamp01(1 - math.Abs(signal.TrendScore)/c.config.TrendThreshold)
	}

	c.log.WithFields(logger.Fields{
		"regime":     signal.Type.String(),
		"trend":      signal.TrendScore,
		"volatility": signal.Volatility,
		"confidence": signal.Confidence,
	}).Info("market regime classified")

	return signal
}

// Eligible reports whether a strategy declaring the given regimes may trade
// under the current signal. An empty declaration means always eligible.
func Eligible(current RegimeType, declared []RegimeType) bool {
	if len(declared) == 0 {
		return true
	}
	for _, r := range declared {
		if r == current {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
