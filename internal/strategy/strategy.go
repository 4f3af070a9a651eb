// Package strategy holds the closed set of signal generators the bot can
// run. Strategies are pure readers: they consume the run's market snapshot
// and precomputed indicator series, and emit trade signals sized against the
// capital the allocator granted them. No strategy computes indicators and no
// strategy touches shared state, which is what makes parallel generation
// safe.
package strategy

import (
	"context"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Input is everything a strategy may read during one generation pass. The
// snapshot is shared and read-only; positions are the strategy's own open
// holdings only.
type Input struct {
	Snapshot         *types.MarketSnapshot
	AvailableCapital decimal.Decimal
	Positions        []types.Position
}

// HeldQuantity returns the strategy's open quantity in a symbol, zero when
// flat.
func (in *Input) HeldQuantity(symbol string) decimal.Decimal {
	for _, pos := range in.Positions {
		if pos.Symbol == symbol {
			return pos.Quantity
		}
	}
	return decimal.Zero
}

// SignalGenerator is one trading strategy. Name is the stable instance id
// used in signals, funnel rows and position ownership; EligibleRegimes
// limits which market regimes the strategy generates in.
type SignalGenerator interface {
	Name() string
	EligibleRegimes() []regime.RegimeType
	GenerateSignals(ctx context.Context, input Input) ([]types.Signal, error)
}

// EligibleIn reports whether a generator may trade in the given regime. An
// empty declaration means eligible everywhere.
func EligibleIn(gen SignalGenerator, current regime.RegimeType) bool {
	return regime.Eligible(current, gen.EligibleRegimes())
}

// sizeQuantity converts a slice of the strategy's capital into base units at
// the quoted price, truncated to 8 decimal places so a fill can never round
// above the budget.
func sizeQuantity(capital decimal.Decimal, fraction float64, price decimal.Decimal) decimal.Decimal {
	if fraction <= 0 || price.LessThanOrEqual(decimal.Zero) || capital.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	budget := capital.Mul(decimal.NewFromFloat(fraction))
	return budget.Div(price).Truncate(8)
}

// clampConfidence pins a raw score into (0, 1].
func clampConfidence(score float64) float64 {
	if math.IsNaN(score) || score <= 0 {
		return 0.01
	}
	if score > 1 {
		return 1
	}
	return score
}

// rankEntries orders entry candidates by confidence, symbol as tie-break,
// and truncates to the per-strategy cap. Exit signals are never truncated:
// a strategy must always be able to leave a position it holds.
func rankEntries(entries []types.Signal, maxSignals int) []types.Signal {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Confidence != entries[j].Confidence {
			return entries[i].Confidence > entries[j].Confidence
		}
		return entries[i].Symbol < entries[j].Symbol
	})
	if maxSignals > 0 && len(entries) > maxSignals {
		entries = entries[:maxSignals]
	}
	return entries
}

// indicatorAt fetches the latest value of a named indicator series, with ok
// false when the series is missing or empty. Symbols with missing series are
// skipped rather than errored: the data quality gate owns that judgement.
func indicatorAt(series *types.SymbolSeries, name string) (float64, bool) {
	if name == "" {
		return 0, false
	}
	return series.Indicator(name)
}

// atrPointer extracts the optional ATR reading attached to signals for
// downstream stop sizing.
func atrPointer(series *types.SymbolSeries, name string) *float64 {
	if name == "" {
		return nil
	}
	if v, ok := series.Indicator(name); ok && v > 0 {
		atr := v
		return &atr
	}
	return nil
}
