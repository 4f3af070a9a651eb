package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// MeanReversion buys washed-out symbols: close under the lower band with RSI
// oversold, betting on a snap back toward the middle band, where held
// positions are sold.
type MeanReversion struct {
	id           string
	regimes      []regime.RegimeType
	lowerName    string
	middleName   string
	rsiName      string
	atrName      string
	oversold     float64
	riskFraction float64
	maxSignals   int
}

func newMeanReversionFromConfig(config Config) (SignalGenerator, error) {
	regimes, err := regimesFromConfig(config.Regimes, []regime.RegimeType{regime.RegimeSideways, regime.RegimeVolatile})
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", config.ID, err)
	}

	m := &MeanReversion{
		id:           config.ID,
		regimes:      regimes,
		lowerName:    config.LowerBandIndicator,
		middleName:   config.MiddleBandIndicator,
		rsiName:      config.RSIIndicator,
		atrName:      config.ATRIndicator,
		oversold:     config.OversoldRSI,
		riskFraction: config.RiskFraction,
		maxSignals:   config.MaxSignals,
	}
	if m.lowerName == "" {
		m.lowerName = "bb_lower_20"
	}
	if m.middleName == "" {
		m.middleName = "bb_middle_20"
	}
	if m.rsiName == "" {
		m.rsiName = "rsi_14"
	}
	if m.oversold <= 0 {
		m.oversold = 30
	}
	if m.riskFraction <= 0 {
		m.riskFraction = 0.20
	}
	if m.maxSignals <= 0 {
		m.maxSignals = 3
	}
	return m, nil
}

// Name returns the strategy instance id.
func (m *MeanReversion) Name() string { return m.id }

// EligibleRegimes lists the regimes this strategy trades in.
func (m *MeanReversion) EligibleRegimes() []regime.RegimeType { return m.regimes }

// GenerateSignals scans for band-deviation entries and reversion exits.
func (m *MeanReversion) GenerateSignals(ctx context.Context, input Input) ([]types.Signal, error) {
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
		lower, ok := indicatorAt(series, m.lowerName)
		if !ok || lower <= 0 {
			continue
		}
		middle, ok := indicatorAt(series, m.middleName)
		if !ok || middle <= 0 {
			continue
		}

		price := decimal.NewFromFloat(bar.Close)
		held := input.HeldQuantity(symbol)

		if held.IsPositive() {
			if bar.Close >= middle {
				exits = append(exits, types.Signal{
					StrategyID:  m.id,
					Symbol:      symbol,
					Side:        types.SideSell,
					Quantity:    held,
					QuotedPrice: price,
					Confidence:  clampConfidence((bar.Close - middle) / middle * 50),
					Reasoning:   fmt.Sprintf("reversion complete: close %.4f back above middle band %.4f", bar.Close, middle),
					AsOf:        input.Snapshot.AsOf,
					ATR:         atrPointer(series, m.atrName),
				})
			}
			continue
		}

		if bar.Close >= lower {
			continue
		}
		if rsi, ok := indicatorAt(series, m.rsiName); ok && rsi > m.oversold {
			continue
		}
		qty := sizeQuantity(input.AvailableCapital, m.riskFraction, price)
		if qty.IsZero() {
			continue
		}
		// Deeper stretches below the band score higher.
		confidence := clampConfidence((lower - bar.Close) / lower * 20)
		entries = append(entries, types.Signal{
			StrategyID:  m.id,
			Symbol:      symbol,
			Side:        types.SideBuy,
			Quantity:    qty,
			QuotedPrice: price,
			Confidence:  confidence,
			Reasoning:   fmt.Sprintf("band deviation: close %.4f under lower band %.4f", bar.Close, lower),
			AsOf:        input.Snapshot.AsOf,
			ATR:         atrPointer(series, m.atrName),
		})
	}

	return append(exits, rankEntries(entries, m.maxSignals)...), nil
}
