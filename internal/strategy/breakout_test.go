package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

func newBreakout(t *testing.T, config Config) SignalGenerator {
	t.Helper()
	if config.ID == "" {
		config.ID = "breakout"
	}
	config.Type = "breakout"
	gen, err := New(config)
	require.NoError(t, err)
	return gen
}

// TestBreakout_BuysAboveUpperChannel verifies the channel-break entry.
func TestBreakout_BuysAboveUpperChannel(t *testing.T) {
	gen := newBreakout(t, Config{})
	snap := genSnapshot(
		seriesWith("SOLUSDT", 152, map[string]float64{
			"donchian_upper_20": 150, "donchian_lower_20": 130,
		}),
	)

	signals, err := gen.GenerateSignals(context.Background(), genInput(snap, "12000"))
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, types.SideBuy, sig.Side)
	assert.Contains(t, sig.Reasoning, "channel breakout")
	// 12000 * 0.25 / 152.
	assert.True(t, sig.Quantity.Equal(decimal.RequireFromString("19.73684210")),
		"quantity %s", sig.Quantity)
}

// TestBreakout_NoEntryInsideChannel verifies closes at or below the upper
// channel stay flat.
func TestBreakout_NoEntryInsideChannel(t *testing.T) {
	gen := newBreakout(t, Config{})
	snap := genSnapshot(
		seriesWith("SOLUSDT", 150, map[string]float64{
			"donchian_upper_20": 150, "donchian_lower_20": 130,
		}),
	)

	signals, err := gen.GenerateSignals(context.Background(), genInput(snap, "12000"))
	require.NoError(t, err)
	assert.Empty(t, signals)
}

// TestBreakout_ExitsOnChannelBreakdown verifies a held symbol sells when the
// close falls through the lower channel.
func TestBreakout_ExitsOnChannelBreakdown(t *testing.T) {
	gen := newBreakout(t, Config{})
	snap := genSnapshot(
		seriesWith("SOLUSDT", 128, map[string]float64{
			"donchian_upper_20": 150, "donchian_lower_20": 130,
		}),
	)
	held := types.Position{
		StrategyID: "breakout",
		Symbol:     "SOLUSDT",
		Quantity:   decimal.NewFromInt(10),
	}

	signals, err := gen.GenerateSignals(context.Background(), genInput(snap, "12000", held))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.SideSell, signals[0].Side)
	assert.True(t, signals[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.Contains(t, signals[0].Reasoning, "channel breakdown")
}

// TestBreakout_ATRNormalizesConfidence verifies a tight ATR makes the same
// absolute break score higher.
func TestBreakout_ATRNormalizesConfidence(t *testing.T) {
	gen := newBreakout(t, Config{ATRIndicator: "atr_14"})
	tightATR := genSnapshot(
		seriesWith("SOLUSDT", 152, map[string]float64{
			"donchian_upper_20": 150, "donchian_lower_20": 130, "atr_14": 4,
		}),
	)
	wideATR := genSnapshot(
		seriesWith("SOLUSDT", 152, map[string]float64{
			"donchian_upper_20": 150, "donchian_lower_20": 130, "atr_14": 40,
		}),
	)

	tight, err := gen.GenerateSignals(context.Background(), genInput(tightATR, "12000"))
	require.NoError(t, err)
	wide, err := gen.GenerateSignals(context.Background(), genInput(wideATR, "12000"))
	require.NoError(t, err)
	require.Len(t, tight, 1)
	require.Len(t, wide, 1)
	assert.Greater(t, tight[0].Confidence, wide[0].Confidence)
}

// TestRegistry_UnknownTypeAndMissingID verifies construction errors.
func TestRegistry_UnknownTypeAndMissingID(t *testing.T) {
	_, err := New(Config{ID: "x", Type: "martingale"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy type")

	_, err = New(Config{Type: "momentum"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

// TestRegistry_RegimeOverridesParse verifies regime overrides replace the
// defaults and bad names fail construction.
func TestRegistry_RegimeOverridesParse(t *testing.T) {
	gen, err := New(Config{ID: "m1", Type: "momentum", Regimes: []string{"sideways"}})
	require.NoError(t, err)
	assert.Equal(t, []regime.RegimeType{regime.RegimeSideways}, gen.EligibleRegimes())
	assert.True(t, EligibleIn(gen, regime.RegimeSideways))
	assert.False(t, EligibleIn(gen, regime.RegimeBull))

	_, err = New(Config{ID: "m2", Type: "momentum", Regimes: []string{"lunar"}})
	assert.Error(t, err)
}

// TestRegistry_TypesStable verifies the registry lists the closed set.
func TestRegistry_TypesStable(t *testing.T) {
	assert.Equal(t, []string{"breakout", "mean_reversion", "momentum"}, Types())
}
