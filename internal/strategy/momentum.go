package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Momentum buys strength: price above its trend average with RSI confirming
// but not yet overstretched. Held positions are sold when either condition
// breaks down.
type Momentum struct {
	id           string
	regimes      []regime.RegimeType
	trendName    string
	rsiName      string
	atrName      string
	entryRSI     float64
	exitRSI      float64
	overbought   float64
	riskFraction float64
	maxSignals   int
}

func newMomentumFromConfig(config Config) (SignalGenerator, error) {
	regimes, err := regimesFromConfig(config.Regimes, []regime.RegimeType{regime.RegimeBull, regime.RegimeBear})
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", config.ID, err)
	}

	m := &Momentum{
		id:           config.ID,
		regimes:      regimes,
		trendName:    config.TrendIndicator,
		rsiName:      config.RSIIndicator,
		atrName:      config.ATRIndicator,
		entryRSI:     config.EntryRSI,
		exitRSI:      config.ExitRSI,
		overbought:   config.OverboughtRSI,
		riskFraction: config.RiskFraction,
		maxSignals:   config.MaxSignals,
	}
	if m.trendName == "" {
		m.trendName = "sma_50"
	}
	if m.rsiName == "" {
		m.rsiName = "rsi_14"
	}
	if m.entryRSI <= 0 {
		m.entryRSI = 55
	}
	if m.exitRSI <= 0 {
		m.exitRSI = 45
	}
	if m.overbought <= 0 {
		m.overbought = 75
	}
	if m.riskFraction <= 0 {
		m.riskFraction = 0.25
	}
	if m.maxSignals <= 0 {
		m.maxSignals = 3
	}
	if m.exitRSI >= m.entryRSI {
		return nil, fmt.Errorf("strategy %s: exit RSI %.1f must be below entry RSI %.1f", config.ID, m.exitRSI, m.entryRSI)
	}
	return m, nil
}

// Name returns the strategy instance id.
func (m *Momentum) Name() string { return m.id }

// EligibleRegimes lists the regimes this strategy trades in.
func (m *Momentum) EligibleRegimes() []regime.RegimeType { return m.regimes }

// GenerateSignals scans the snapshot for momentum entries and exits.
func (m *Momentum) GenerateSignals(ctx context.Context, input Input) ([]types.Signal, error) {
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
		rsi, ok := indicatorAt(series, m.rsiName)
		if !ok {
			continue
		}
		trend, ok := indicatorAt(series, m.trendName)
		if !ok || trend <= 0 {
			continue
		}

		price := decimal.NewFromFloat(bar.Close)
		held := input.HeldQuantity(symbol)

		if held.IsPositive() {
			if rsi < m.exitRSI || bar.Close < trend {
				exits = append(exits, types.Signal{
					StrategyID:  m.id,
					Symbol:      symbol,
					Side:        types.SideSell,
					Quantity:    held,
					QuotedPrice: price,
					Confidence:  clampConfidence((m.exitRSI - rsi) / m.exitRSI),
					Reasoning:   fmt.Sprintf("momentum faded: RSI %.1f, close %.4f vs trend %.4f", rsi, bar.Close, trend),
					AsOf:        input.Snapshot.AsOf,
					ATR:         atrPointer(series, m.atrName),
				})
			}
			continue
		}

		if rsi <= m.entryRSI || rsi >= m.overbought || bar.Close <= trend {
			continue
		}
		qty := sizeQuantity(input.AvailableCapital, m.riskFraction, price)
		if qty.IsZero() {
			continue
		}
		// Confidence climbs from the entry threshold and peaks before the
		// overbought cutoff.
		confidence := clampConfidence((rsi - m.entryRSI) / (m.overbought - m.entryRSI))
		entries = append(entries, types.Signal{
			StrategyID:  m.id,
			Symbol:      symbol,
			Side:        types.SideBuy,
			Quantity:    qty,
			QuotedPrice: price,
			Confidence:  confidence,
			Reasoning:   fmt.Sprintf("momentum entry: RSI %.1f above %.1f, close %.4f above trend %.4f", rsi, m.entryRSI, bar.Close, trend),
			AsOf:        input.Snapshot.AsOf,
			ATR:         atrPointer(series, m.atrName),
		})
	}

	return append(exits, rankEntries(entries, m.maxSignals)...), nil
}
