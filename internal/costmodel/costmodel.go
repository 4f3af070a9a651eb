// Package costmodel converts quoted prices into realistic execution prices
// and cost breakdowns. It is a pure function of its configuration: the order
// intent hash and the reconciliation tolerance both depend on this
// arithmetic being reproducible, which is why everything here runs on
// decimals rather than floats.
package costmodel

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

var one = decimal.NewFromInt(1)

// Breakdown is the cost decomposition for one fill.
type Breakdown struct {
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	Notional       decimal.Decimal `json:"notional"`
	SlippageCost   decimal.Decimal `json:"slippage_cost"`
	Commission     decimal.Decimal `json:"commission"`
	TotalCost      decimal.Decimal `json:"total_cost"`
}

// CashImpact returns the signed cash movement of the fill: negative for a
// BUY (notional plus commission leaves the account), positive for a SELL
// (notional minus commission arrives).
func (b *Breakdown) CashImpact(side types.Side) decimal.Decimal {
	if side == types.SideBuy {
		return b.Notional.Add(b.Commission).Neg()
	}
	return b.Notional.Sub(b.Commission)
}

// Model prices fills under configured slippage and commission percentages.
type Model struct {
	slippagePct   decimal.Decimal
	commissionPct decimal.Decimal
}

// NewModel builds a cost model from fractional percentages, e.g. 0.0005 for
// 0.05% slippage and 0.001 for 0.10% commission.
func NewModel(slippagePct, commissionPct float64) *Model {
	return &Model{
		slippagePct:   decimal.NewFromFloat(slippagePct),
		commissionPct: decimal.NewFromFloat(commissionPct),
	}
}

// Quote computes the execution price and cost breakdown for a fill.
// BUY executes at quoted*(1+slippage), SELL at quoted*(1-slippage);
// commission is charged on the execution notional.
func (m *Model) Quote(side types.Side, quotedPrice, quantity decimal.Decimal) (*Breakdown, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("unknown side %q", side)
	}
	if quotedPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("quoted price must be positive, got %s", quotedPrice)
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("quantity must be positive, got %s", quantity)
	}

	var execPrice decimal.Decimal
	if side == types.SideBuy {
		execPrice = quotedPrice.Mul(one.Add(m.slippagePct))
	} else {
		execPrice = quotedPrice.Mul(one.Sub(m.slippagePct))
	}

	notional := execPrice.Mul(quantity)
	slippageCost := execPrice.Sub(quotedPrice).Abs().Mul(quantity)
	commission := notional.Mul(m.commissionPct)

	return &Breakdown{
		ExecutionPrice: execPrice,
		Notional:       notional,
		SlippageCost:   slippageCost,
		Commission:     commission,
		TotalCost:      slippageCost.Add(commission),
	}, nil
}
