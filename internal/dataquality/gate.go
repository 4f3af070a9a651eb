// Package dataquality validates a market-data snapshot before any signal
// generation may use it. Failing symbols are excluded from the current run's
// tradable universe only; exclusion is never persisted as a ban.
package dataquality

import (
	"fmt"
	"math"
	"sort"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Issue identifies one class of data-quality failure.
type Issue string

const (
	IssueEmptyDataset     Issue = "EMPTY_DATASET"
	IssueStaleData        Issue = "STALE_DATA"
	IssueMissingIndicator Issue = "MISSING_INDICATOR"
	IssueExcessiveMissing Issue = "EXCESSIVE_MISSING_VALUES"
	IssueOutlierJump      Issue = "OUTLIER_PRICE_JUMP"
)

// Config holds the gate's thresholds.
type Config struct {
	// MaxStaleness is the maximum age of the latest bar. Default 24h.
	MaxStaleness time.Duration `json:"max_staleness"`
	// RequiredIndicators are the indicator series every symbol must carry.
	RequiredIndicators []string `json:"required_indicators"`
	// MaxMissingFraction is the tolerated fraction of NaN values per symbol.
	// Default 0.10.
	MaxMissingFraction float64 `json:"max_missing_fraction"`
	// OutlierBandMultiplier scales the trailing return volatility into the
	// band a single-bar jump must stay inside. Default 5.0.
	OutlierBandMultiplier float64 `json:"outlier_band_multiplier"`
	// MinOutlierReturn is the smallest absolute single-bar return ever
	// treated as an outlier, so quiet series do not false-positive.
	// Default 0.05.
	MinOutlierReturn float64 `json:"min_outlier_return"`
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		MaxStaleness:          24 * time.Hour,
		MaxMissingFraction:    0.10,
		OutlierBandMultiplier: 5.0,
		MinOutlierReturn:      0.05,
	}
}

func (c *Config) setDefaults() {
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = 24 * time.Hour
	}
	if c.MaxMissingFraction <= 0 {
		c.MaxMissingFraction = 0.10
	}
	if c.OutlierBandMultiplier <= 0 {
		c.OutlierBandMultiplier = 5.0
	}
	if c.MinOutlierReturn <= 0 {
		c.MinOutlierReturn = 0.05
	}
}

// Report is the structured result of one gate evaluation, consumed by the
// run coordinator and by reporting.
type Report struct {
	CheckedAt       time.Time          `json:"checked_at"`
	SnapshotAsOf    time.Time          `json:"snapshot_as_of"`
	TotalSymbols    int                `json:"total_symbols"`
	PassedSymbols   []string           `json:"passed_symbols"`
	ExcludedSymbols []string           `json:"excluded_symbols"`
	Issues          map[Issue][]string `json:"issues"`
	BlockAll        bool               `json:"block_all"`
}

// Passed reports whether at least one symbol survived the gate.
func (r *Report) Passed() bool {
	return !r.BlockAll && len(r.PassedSymbols) > 0
}

// Summary renders a one-line operator summary of the report.
func (r *Report) Summary() string {
	if r.BlockAll {
		return "data quality: empty dataset, all trading blocked"
	}
	return fmt.Sprintf("data quality: %d/%d symbols passed, %d excluded",
		len(r.PassedSymbols), r.TotalSymbols, len(r.ExcludedSymbols))
}

// Gate validates snapshots against the configured thresholds.
type Gate struct {
	config Config
	log    *logger.Entry
}

// NewGate creates a data quality gate.
func NewGate(config Config) *Gate {
	config.setDefaults()
	return &Gate{
		config: config,
		log:    logger.WithField("component", "dataquality"),
	}
}

// MaxStaleness exposes the configured staleness bound so callers can reuse
// the same freshness judgement, e.g. the drawdown resume health check.
func (g *Gate) MaxStaleness() time.Duration {
	return g.config.MaxStaleness
}

// Check runs every quality check against the snapshot and returns the
// per-symbol verdicts. An empty dataset blocks everything; any other failure
// excludes only the affected symbols.
func (g *Gate) Check(snapshot *types.MarketSnapshot, now time.Time) *Report {
	report := &Report{
		CheckedAt: now,
		Issues:    make(map[Issue][]string),
	}
	if snapshot != nil {
		report.SnapshotAsOf = snapshot.AsOf
		report.TotalSymbols = len(snapshot.Symbols)
	}

	if snapshot == nil || len(snapshot.Symbols) == 0 {
		report.BlockAll = true
		report.Issues[IssueEmptyDataset] = []string{"*"}
		g.log.Warn("empty market snapshot, blocking all trading for this run")
		return report
	}

	excluded := make(map[string]bool)
	for _, sym := range snapshot.SymbolList() {
		series := snapshot.Symbols[sym]
		for _, issue := range g.checkSymbol(series, now) {
			report.Issues[issue] = append(report.Issues[issue], sym)
			excluded[sym] = true
		}
	}

	for _, sym := range snapshot.SymbolList() {
		if excluded[sym] {
			report.ExcludedSymbols = append(report.ExcludedSymbols, sym)
		} else {
			report.PassedSymbols = append(report.PassedSymbols, sym)
		}
	}
	sort.Strings(report.ExcludedSymbols)
	sort.Strings(report.PassedSymbols)

	if len(report.ExcludedSymbols) > 0 {
		g.log.WithFields(logger.Fields{
			"excluded": report.ExcludedSymbols,
			"passed":   len(report.PassedSymbols),
		}).Warn("symbols excluded from tradable universe")
	}

	return report
}

// checkSymbol returns every issue a single symbol's series fails.
func (g *Gate) checkSymbol(series *types.SymbolSeries, now time.Time) []Issue {
	var issues []Issue

	latest, ok := series.Latest()
	if !ok {
		return []Issue{IssueExcessiveMissing}
	}

	if now.Sub(latest.Timestamp) > g.config.MaxStaleness {
		issues = append(issues, IssueStaleData)
	}

	for _, name := range g.config.RequiredIndicators {
		vals, ok := series.Indicators[name]
		if !ok || len(vals) == 0 {
			issues = append(issues, IssueMissingIndicator)
			break
		}
	}

	if g.missingFraction(series) > g.config.MaxMissingFraction {
		issues = append(issues, IssueExcessiveMissing)
	}

	if g.hasOutlierJump(series) {
		issues = append(issues, IssueOutlierJump)
	}

	return issues
}

// missingFraction counts NaN values across closes and indicator series.
func (g *Gate) missingFraction(series *types.SymbolSeries) float64 {
	total, missing := 0, 0
	for _, bar := range series.Bars {
		total++
		if math.IsNaN(bar.Close) || math.IsInf(bar.Close, 0) {
			missing++
		}
	}
	for _, vals := range series.Indicators {
		for _, v := range vals {
			total++
			if math.IsNaN(v) || math.IsInf(v, 0) {
				missing++
			}
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(missing) / float64(total)
}

// hasOutlierJump flags a single-bar return outside the expected-volatility
// band. The band is the trailing return standard deviation scaled by the
// configured multiplier, floored at MinOutlierReturn.
func (g *Gate) hasOutlierJump(series *types.SymbolSeries) bool {
	closes := series.Closes(0)
	if len(closes) < 3 {
		return false
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 || math.IsNaN(closes[i]) || math.IsNaN(closes[i-1]) {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return false
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(len(returns)))

	band := g.config.OutlierBandMultiplier * stddev
	if band < g.config.MinOutlierReturn {
		band = g.config.MinOutlierReturn
	}

	for _, r := range returns {
		if math.Abs(r) > band {
			return true
		}
	}
	return false
}
