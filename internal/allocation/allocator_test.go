package allocation

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steadyReturns generates n days of constant daily return
func steadyReturns(n int, daily float64) []float64 {
	rets := make([]float64, n)
	for i := range rets {
		rets[i] = daily
	}
	return rets
}

// choppyReturns generates n days oscillating around a mean
func choppyReturns(n int, mean, swing float64) []float64 {
	rets := make([]float64, n)
	for i := range rets {
		rets[i] = mean + swing*math.Sin(1.1*float64(i))
	}
	return rets
}

func weightSum(allocs map[string]*Allocation) float64 {
	sum := 0.0
	for _, a := range allocs {
		sum += a.Weight
	}
	return sum
}

// TestAllocator_Allocate_EqualWeightWithoutHistory tests that strategies
// with insufficient history split capital equally
func TestAllocator_Allocate_EqualWeightWithoutHistory(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())
	total := decimal.NewFromInt(100000)

	result, err := alloc.Allocate(total, map[string][]float64{
		"momentum": steadyReturns(5, 0.01),
		"meanrev":  steadyReturns(3, -0.01),
	}, nil, []string{"momentum", "meanrev"})

	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.True(t, result["momentum"].EqualWeighted)
	assert.True(t, result["meanrev"].EqualWeighted)
	assert.InDelta(t, 0.5, result["momentum"].Weight, 1e-9)
	assert.InDelta(t, 0.5, result["meanrev"].Weight, 1e-9)
	assert.True(t, decimal.NewFromInt(50000).Equal(result["momentum"].TargetCapital))
}

// TestAllocator_Allocate_PerformanceOrdering tests that a steadier, more
// profitable strategy receives more capital
func TestAllocator_Allocate_PerformanceOrdering(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())

	result, err := alloc.Allocate(decimal.NewFromInt(100000), map[string][]float64{
		"steady": choppyReturns(60, 0.001, 0.005),
		"mid":    choppyReturns(60, 0.002, 0.0141),
		"flat":   choppyReturns(60, 0.0015, 0.0141),
	}, nil, []string{"steady", "mid", "flat"})

	require.NoError(t, err)
	assert.Greater(t, result["steady"].Weight, result["mid"].Weight)
	assert.Greater(t, result["mid"].Weight, result["flat"].Weight)
	assert.InDelta(t, 1.0, weightSum(result), 1e-9)
}

// TestAllocator_Allocate_CeilingCapsDominantStrategy tests the 40% ceiling
func TestAllocator_Allocate_CeilingCapsDominantStrategy(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())

	result, err := alloc.Allocate(decimal.NewFromInt(100000), map[string][]float64{
		"star": choppyReturns(60, 0.01, 0.001),
		"ok1":  choppyReturns(60, 0.0002, 0.01),
		"ok2":  choppyReturns(60, 0.0002, 0.01),
		"ok3":  choppyReturns(60, 0.0002, 0.01),
	}, nil, []string{"star", "ok1", "ok2", "ok3"})

	require.NoError(t, err)
	assert.InDelta(t, 0.40, result["star"].Weight, 1e-9)
	assert.InDelta(t, 1.0, weightSum(result), 1e-9)
	for _, a := range result {
		assert.GreaterOrEqual(t, a.Weight, 0.05-1e-9)
	}
}

// TestAllocator_Allocate_FloorKeepsLoserAlive tests that a losing strategy
// is never driven to zero
func TestAllocator_Allocate_FloorKeepsLoserAlive(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())

	result, err := alloc.Allocate(decimal.NewFromInt(100000), map[string][]float64{
		"winner": choppyReturns(60, 0.005, 0.002),
		"loser":  choppyReturns(60, -0.01, 0.002),
		"mid":    choppyReturns(60, 0.001, 0.002),
	}, nil, []string{"winner", "loser", "mid"})

	require.NoError(t, err)
	assert.GreaterOrEqual(t, result["loser"].Weight, 0.05-1e-9)
	assert.True(t, result["loser"].TargetCapital.Sign() > 0)
}

// TestAllocator_Allocate_HeldExposureSubtracted tests available capital
// accounting, including the never-negative floor
func TestAllocator_Allocate_HeldExposureSubtracted(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())

	result, err := alloc.Allocate(decimal.NewFromInt(100000), map[string][]float64{},
		map[string]decimal.Decimal{
			"momentum": decimal.NewFromInt(30000),
			"meanrev":  decimal.NewFromInt(80000),
		}, []string{"momentum", "meanrev"})

	require.NoError(t, err)
	// Equal weight: 50k target each
	assert.True(t, decimal.NewFromInt(20000).Equal(result["momentum"].AvailableCapital),
		"momentum available %s", result["momentum"].AvailableCapital)
	assert.True(t, result["meanrev"].AvailableCapital.IsZero(),
		"meanrev available %s", result["meanrev"].AvailableCapital)
}

// TestAllocator_Allocate_InfeasibleCeilingRelaxed tests that two strategies
// under a 40% ceiling still receive a full allocation
func TestAllocator_Allocate_InfeasibleCeilingRelaxed(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())

	result, err := alloc.Allocate(decimal.NewFromInt(10000), map[string][]float64{
		"a": choppyReturns(60, 0.002, 0.002),
		"b": choppyReturns(60, 0.001, 0.002),
	}, nil, []string{"a", "b"})

	require.NoError(t, err)
	assert.InDelta(t, 1.0, weightSum(result), 1e-9)
}

// TestAllocator_Allocate_NoActiveStrategies tests the empty input edge case
func TestAllocator_Allocate_NoActiveStrategies(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())

	result, err := alloc.Allocate(decimal.NewFromInt(10000), nil, nil, nil)

	require.NoError(t, err)
	assert.Empty(t, result)
}

// TestConfig_Validate tests bound validation
func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.FloorWeight = 0.5
	assert.Error(t, cfg.Validate())
}
