package costmodel

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// TestModel_Quote_BuyDocumentedExample verifies the documented formula:
// quoted 150.00, slippage 0.05%, commission 0.10%, qty 100 on a BUY.
func TestModel_Quote_BuyDocumentedExample(t *testing.T) {
	model := NewModel(0.0005, 0.001)

	bd, err := model.Quote(types.SideBuy, decimal.NewFromFloat(150.00), decimal.NewFromInt(100))

	assert.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.075").Equal(bd.ExecutionPrice),
		"execution price %s", bd.ExecutionPrice)
	assert.True(t, decimal.RequireFromString("15007.5").Equal(bd.Notional),
		"notional %s", bd.Notional)
	assert.True(t, decimal.RequireFromString("15.0075").Equal(bd.Commission),
		"commission %s", bd.Commission)
	assert.True(t, decimal.RequireFromString("7.5").Equal(bd.SlippageCost),
		"slippage cost %s", bd.SlippageCost)
	assert.True(t, decimal.RequireFromString("22.5075").Equal(bd.TotalCost),
		"total cost %s", bd.TotalCost)
}

// TestModel_Quote_SellAppliesNegativeSlippage verifies SELL executes below quote
func TestModel_Quote_SellAppliesNegativeSlippage(t *testing.T) {
	model := NewModel(0.0005, 0.001)

	bd, err := model.Quote(types.SideSell, decimal.NewFromFloat(150.00), decimal.NewFromInt(100))

	assert.NoError(t, err)
	assert.True(t, decimal.RequireFromString("149.925").Equal(bd.ExecutionPrice),
		"execution price %s", bd.ExecutionPrice)
	assert.True(t, decimal.RequireFromString("7.5").Equal(bd.SlippageCost))
}

// TestModel_Quote_Deterministic verifies two identical quotes produce
// identical breakdowns
func TestModel_Quote_Deterministic(t *testing.T) {
	model := NewModel(0.0005, 0.001)
	price := decimal.NewFromFloat(87.31)
	qty := decimal.NewFromFloat(12.5)

	first, err1 := model.Quote(types.SideBuy, price, qty)
	second, err2 := model.Quote(types.SideBuy, price, qty)

	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.True(t, first.ExecutionPrice.Equal(second.ExecutionPrice))
	assert.True(t, first.Commission.Equal(second.Commission))
	assert.True(t, first.TotalCost.Equal(second.TotalCost))
}

// TestModel_Quote_CashImpact verifies the signed cash movement per side
func TestModel_Quote_CashImpact(t *testing.T) {
	model := NewModel(0.0005, 0.001)

	buy, _ := model.Quote(types.SideBuy, decimal.NewFromFloat(150.00), decimal.NewFromInt(100))
	sell, _ := model.Quote(types.SideSell, decimal.NewFromFloat(150.00), decimal.NewFromInt(100))

	// BUY: -(15007.5 + 15.0075)
	assert.True(t, decimal.RequireFromString("-15022.5075").Equal(buy.CashImpact(types.SideBuy)),
		"buy cash impact %s", buy.CashImpact(types.SideBuy))
	// SELL: 14992.5 - 14.9925
	assert.True(t, decimal.RequireFromString("14977.5075").Equal(sell.CashImpact(types.SideSell)),
		"sell cash impact %s", sell.CashImpact(types.SideSell))
}

// TestModel_Quote_RejectsInvalidInputs tests validation of side, price and quantity
func TestModel_Quote_RejectsInvalidInputs(t *testing.T) {
	model := NewModel(0.0005, 0.001)

	_, err := model.Quote("HOLD", decimal.NewFromInt(100), decimal.NewFromInt(1))
	assert.Error(t, err)

	_, err = model.Quote(types.SideBuy, decimal.Zero, decimal.NewFromInt(1))
	assert.Error(t, err)

	_, err = model.Quote(types.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(-5))
	assert.Error(t, err)
}

// TestModel_Quote_ZeroSlippage verifies execution at the quoted price when
// slippage is disabled
func TestModel_Quote_ZeroSlippage(t *testing.T) {
	model := NewModel(0, 0.001)

	bd, err := model.Quote(types.SideBuy, decimal.NewFromFloat(200.00), decimal.NewFromInt(10))

	assert.NoError(t, err)
	assert.True(t, decimal.NewFromInt(200).Equal(bd.ExecutionPrice))
	assert.True(t, bd.SlippageCost.IsZero())
	assert.True(t, decimal.NewFromInt(2).Equal(bd.Commission))
}
