package types

import (
	"sort"
	"time"
)

// OHLCV is a single candlestick bar.
type OHLCV struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// SymbolSeries is the per-symbol slice of a market snapshot: the bar history
// plus precomputed indicator series aligned with the bars. Indicator values
// are supplied by the market-data collaborator; nothing in this repository
// computes them.
type SymbolSeries struct {
	Symbol     string               `json:"symbol"`
	Bars       []OHLCV              `json:"bars"`
	Indicators map[string][]float64 `json:"indicators,omitempty"`
}

// Latest returns the most recent bar, or false when the series is empty.
func (s *SymbolSeries) Latest() (OHLCV, bool) {
	if len(s.Bars) == 0 {
		return OHLCV{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// Indicator returns the latest value of a named indicator series.
func (s *SymbolSeries) Indicator(name string) (float64, bool) {
	vals, ok := s.Indicators[name]
	if !ok || len(vals) == 0 {
		return 0, false
	}
	return vals[len(vals)-1], true
}

// Closes returns the close prices of the most recent n bars, oldest first.
// When fewer than n bars exist it returns all of them.
func (s *SymbolSeries) Closes(n int) []float64 {
	bars := s.Bars
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// MarketSnapshot is the point-in-time view of market data a run operates on.
// It is read-only once handed to the run coordinator, which makes parallel
// signal generation safe without locking.
type MarketSnapshot struct {
	AsOf    time.Time                `json:"as_of"`
	Symbols map[string]*SymbolSeries `json:"symbols"`
}

// SymbolList returns the snapshot's symbols in deterministic order.
func (m *MarketSnapshot) SymbolList() []string {
	out := make([]string, 0, len(m.Symbols))
	for sym := range m.Symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Restrict returns a shallow copy of the snapshot containing only the given
// symbols. The coordinator uses it after the data quality gate excludes
// failing symbols from a run's tradable universe.
func (m *MarketSnapshot) Restrict(symbols []string) *MarketSnapshot {
	out := &MarketSnapshot{AsOf: m.AsOf, Symbols: make(map[string]*SymbolSeries, len(symbols))}
	for _, sym := range symbols {
		if series, ok := m.Symbols[sym]; ok {
			out.Symbols[sym] = series
		}
	}
	return out
}
