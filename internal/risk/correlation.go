// Package risk implements the correlation and exposure admission filter:
// candidate signals that would over-concentrate the portfolio against
// already-held symbols are rejected outright or attenuated through a size
// multiplier.
package risk

import (
	"fmt"
	"math"

	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Filter modes.
const (
	ModeReject    = "reject"
	ModeAttenuate = "attenuate"
)

// FilterConfig holds the correlation filter thresholds.
type FilterConfig struct {
	// Window is the number of trailing sessions used for return
	// correlation. Default 60.
	Window int `json:"window"`
	// Threshold is the maximum tolerated pairwise correlation. Default 0.8.
	Threshold float64 `json:"threshold"`
	// Mode selects what happens above the threshold: "reject" drops the
	// signal, "attenuate" shrinks it via a size multiplier. Default
	// "attenuate".
	Mode string `json:"mode"`
	// RejectAbove is the correlation at which even attenuate mode rejects
	// outright. Default 0.95.
	RejectAbove float64 `json:"reject_above"`
	// MinOverlap is the minimum number of overlapping returns required to
	// trust a correlation estimate; thinner pairs are skipped. Default 10.
	MinOverlap int `json:"min_overlap"`
}

// DefaultFilterConfig returns the filter defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Window:      60,
		Threshold:   0.8,
		Mode:        ModeAttenuate,
		RejectAbove: 0.95,
		MinOverlap:  10,
	}
}

func (c *FilterConfig) setDefaults() {
	if c.Window <= 0 {
		c.Window = 60
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.8
	}
	if c.Mode == "" {
		c.Mode = ModeAttenuate
	}
	if c.RejectAbove <= 0 {
		c.RejectAbove = 0.95
	}
	if c.MinOverlap <= 0 {
		c.MinOverlap = 10
	}
}

// Validate rejects nonsensical threshold combinations.
func (c *FilterConfig) Validate() error {
	if c.Mode != ModeReject && c.Mode != ModeAttenuate {
		return fmt.Errorf("correlation mode must be %q or %q, got %q", ModeReject, ModeAttenuate, c.Mode)
	}
	if c.Threshold >= 1 || c.Threshold <= 0 {
		return fmt.Errorf("correlation threshold must be in (0,1), got %v", c.Threshold)
	}
	if c.RejectAbove < c.Threshold {
		return fmt.Errorf("reject_above %v must not be below threshold %v", c.RejectAbove, c.Threshold)
	}
	return nil
}

// RejectedSignal is a candidate dropped by the filter, with the offending
// correlation pair for the funnel's rejection record.
type RejectedSignal struct {
	Signal      types.Signal
	Correlation float64
	Peer        string
}

// Reason renders the machine-readable rejection detail.
func (r *RejectedSignal) Reason() string {
	return fmt.Sprintf("correlation %.2f with held %s exceeds limit", r.Correlation, r.Peer)
}

// Filter screens candidates against held positions.
type Filter struct {
	config FilterConfig
	log    *logger.Entry
}

// NewFilter creates a correlation filter.
func NewFilter(config FilterConfig) *Filter {
	config.setDefaults()
	return &Filter{
		config: config,
		log:    logger.WithField("component", "correlation"),
	}
}

// FilterResult splits candidates into kept (with size multipliers set) and
// rejected.
type FilterResult struct {
	Kept     []types.Signal
	Rejected []RejectedSignal
}

// Apply computes each BUY candidate's maximum return correlation against the
// strategy-union of held symbols and rejects or attenuates those above the
// threshold. SELL candidates reduce exposure and always pass. A candidate
// for a symbol that is itself held is not compared against that same
// position; same-symbol concentration is governed by the exposure checks
// downstream. Kept signals carry SizeMultiplier 1.0 unless attenuated.
func (f *Filter) Apply(candidates []types.Signal, held []types.Position, snapshot *types.MarketSnapshot) FilterResult {
	result := FilterResult{}

	heldSymbols := make([]string, 0, len(held))
	seen := make(map[string]bool)
	for _, pos := range held {
		if !seen[pos.Symbol] && pos.Quantity.Sign() > 0 {
			seen[pos.Symbol] = true
			heldSymbols = append(heldSymbols, pos.Symbol)
		}
	}

	for _, sig := range candidates {
		if sig.SizeMultiplier == 0 {
			sig.SizeMultiplier = 1.0
		}
		if sig.Side != types.SideBuy || len(heldSymbols) == 0 {
			result.Kept = append(result.Kept, sig)
			continue
		}

		maxCorr, peer := f.maxCorrelation(sig.Symbol, heldSymbols, snapshot)
		if maxCorr <= f.config.Threshold {
			result.Kept = append(result.Kept, sig)
			continue
		}

		if f.config.Mode == ModeReject || maxCorr >= f.config.RejectAbove {
			f.log.WithFields(logger.Fields{
				"strategy":    sig.StrategyID,
				"symbol":      sig.Symbol,
				"peer":        peer,
				"correlation": maxCorr,
			}).Info("signal rejected by correlation filter")
			result.Rejected = append(result.Rejected, RejectedSignal{Signal: sig, Correlation: maxCorr, Peer: peer})
			continue
		}

		// Attenuate: threshold/corr is in (threshold/rejectAbove, 1) and
		// strictly decreases as correlation rises.
		sig.SizeMultiplier = f.config.Threshold / maxCorr
		f.log.WithFields(logger.Fields{
			"strategy":    sig.StrategyID,
			"symbol":      sig.Symbol,
			"peer":        peer,
			"correlation": maxCorr,
			"multiplier":  sig.SizeMultiplier,
		}).Info("signal attenuated by correlation filter")
		result.Kept = append(result.Kept, sig)
	}

	return result
}

// maxCorrelation returns the highest pairwise correlation of the candidate
// symbol against the held set, and which holding produced it.
func (f *Filter) maxCorrelation(symbol string, held []string, snapshot *types.MarketSnapshot) (float64, string) {
	candSeries, ok := snapshot.Symbols[symbol]
	if !ok {
		return 0, ""
	}
	candReturns := returnsOf(candSeries.Closes(f.config.Window + 1))

	maxCorr, peer := 0.0, ""
	for _, heldSym := range held {
		if heldSym == symbol {
			continue
		}
		heldSeries, ok := snapshot.Symbols[heldSym]
		if !ok {
			continue
		}
		corr, ok := pearson(candReturns, returnsOf(heldSeries.Closes(f.config.Window+1)), f.config.MinOverlap)
		if !ok {
			continue
		}
		if corr > maxCorr {
			maxCorr, peer = corr, heldSym
		}
	}
	return maxCorr, peer
}

// returnsOf converts a close series into simple returns.
func returnsOf(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 || math.IsNaN(closes[i]) || math.IsNaN(closes[i-1]) {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	return returns
}

// pearson computes the correlation of the trailing overlap of two return
// series. It reports false when the overlap is below minOverlap or either
// series is degenerate.
func pearson(a, b []float64, minOverlap int) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minOverlap {
		return 0, false
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}
