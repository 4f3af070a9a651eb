package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Breakout buys closes above the upper price channel and sells held
// positions when the close falls through the lower channel. Channel series
// arrive precomputed, typically Donchian bands over the trailing window.
type Breakout struct {
	id           string
	regimes      []regime.RegimeType
	upperName    string
	lowerName    string
	atrName      string
	riskFraction float64
	maxSignals   int
}

func newBreakoutFromConfig(config Config) (SignalGenerator, error) {
	regimes, err := regimesFromConfig(config.Regimes,
		[]regime.RegimeType{regime.RegimeBull, regime.RegimeBear, regime.RegimeVolatile})
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", config.ID, err)
	}

	b := &Breakout{
		id:           config.ID,
		regimes:      regimes,
		upperName:    config.UpperChannelIndicator,
		lowerName:    config.LowerChannelIndicator,
		atrName:      config.ATRIndicator,
		riskFraction: config.RiskFraction,
		maxSignals:   config.MaxSignals,
	}
	if b.upperName == "" {
		b.upperName = "donchian_upper_20"
	}
	if b.lowerName == "" {
		b.lowerName = "donchian_lower_20"
	}
	if b.riskFraction <= 0 {
		b.riskFraction = 0.25
	}
	if b.maxSignals <= 0 {
		b.maxSignals = 3
	}
	return b, nil
}

// Name returns the strategy instance id.
func (b *Breakout) Name() string { return b.id }

// EligibleRegimes lists the regimes this strategy trades in.
func (b *Breakout) EligibleRegimes() []regime.RegimeType { return b.regimes }

// GenerateSignals scans for channel breaks in both directions.
func (b *Breakout) GenerateSignals(ctx context.Context, input Input) ([]types.Signal, error) {
	var exits, entries []types.Signal

	for _, symbol := range input.Snapshot.SymbolList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		series := input.Snapshot.Symbols[symbol]
		bar, ok := series.Latest()
		if !ok || bar.Close <= 0 {
			continue
		}
		upper, ok := indicatorAt(series, b.upperName)
		if !ok || upper <= 0 {
			continue
		}
		lower, ok := indicatorAt(series, b.lowerName)
		if !ok || lower <= 0 {
			continue
		}

		price := decimal.NewFromFloat(bar.Close)
		held := input.HeldQuantity(symbol)

		if held.IsPositive() {
			if bar.Close < lower {
				exits = append(exits, types.Signal{
					StrategyID:  b.id,
					Symbol:      symbol,
					Side:        types.SideSell,
					Quantity:    held,
					QuotedPrice: price,
					Confidence:  clampConfidence((lower - bar.Close) / lower * 20),
					Reasoning:   fmt.Sprintf("channel breakdown: close %.4f under lower channel %.4f", bar.Close, lower),
					AsOf:        input.Snapshot.AsOf,
					ATR:         atrPointer(series, b.atrName),
				})
			}
			continue
		}

		if bar.Close <= upper {
			continue
		}
		qty := sizeQuantity(input.AvailableCapital, b.riskFraction, price)
		if qty.IsZero() {
			continue
		}
		// Margin above the channel, ATR-normalized when available, scores
		// the break's conviction.
		margin := (bar.Close - upper) / upper
		if atr, ok := indicatorAt(series, b.atrName); ok && atr > 0 {
			margin = (bar.Close - upper) / atr
		}
		entries = append(entries, types.Signal{
			StrategyID:  b.id,
			Symbol:      symbol,
			Side:        types.SideBuy,
			Quantity:    qty,
			QuotedPrice: price,
			Confidence:  clampConfidence(margin),
			Reasoning:   fmt.Sprintf("channel breakout: close %.4f above upper channel %.4f", bar.Close, upper),
			AsOf:        input.Snapshot.AsOf,
			ATR:         atrPointer(series, b.atrName),
		})
	}

	return append(exits, rankEntries(entries, b.maxSignals)...), nil
}
