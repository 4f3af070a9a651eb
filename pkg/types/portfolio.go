package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one open holding, owned exclusively by the strategy that
// opened it. Fills mutate it; it is deleted when quantity reaches zero.
type Position struct {
	StrategyID   string          `json:"strategy_id"`
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	EntryTime    time.Time       `json:"entry_time"`
	StopPrice    decimal.Decimal `json:"stop_price"`
}

// MarketValue returns quantity times the current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// PortfolioState is the authoritative local view of capital for one run,
// recomputed from local records every run and never inferred from the broker
// alone.
type PortfolioState struct {
	Cash             decimal.Decimal            `json:"cash"`
	TotalValue       decimal.Decimal            `json:"total_value"`
	StrategyExposure map[string]decimal.Decimal `json:"strategy_exposure"`
	Heat             float64                    `json:"heat"`
	AsOf             time.Time                  `json:"as_of"`
}

// ComputeHeat recalculates total exposure as a fraction of total value.
func (ps *PortfolioState) ComputeHeat() float64 {
	if ps.TotalValue.IsZero() {
		return 0
	}
	total := decimal.Zero
	for _, exp := range ps.StrategyExposure {
		total = total.Add(exp)
	}
	heat, _ := total.Div(ps.TotalValue).Float64()
	ps.Heat = heat
	return heat
}
