package funnel

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

func funnelSignal(id, strategyID, symbol string) types.Signal {
	return types.Signal{
		ID:          id,
		StrategyID:  strategyID,
		Symbol:      symbol,
		Side:        types.SideBuy,
		Quantity:    decimal.NewFromInt(10),
		QuotedPrice: decimal.NewFromInt(100),
		Confidence:  0.7,
	}
}

// TestTracker_StageCounts verifies that recorded stage counts come back in
// pipeline order and satisfy the monotonicity check.
func TestTracker_StageCounts(t *testing.T) {
	tr := NewTracker("run-1")

	tr.RecordRaw("momentum", 10)
	tr.RecordAfterCorrelation("momentum", 7)
	tr.RecordAfterRisk("momentum", 5)
	tr.RecordExecuted("momentum", 3)

	assert.NoError(t, tr.VerifyMonotone())

	records := tr.Records()
	assert.Len(t, records, 1)
	assert.Equal(t, "run-1", records[0].RunID)
	assert.Equal(t, []int{10, 10, 7, 5, 3}, records[0].Counts())
}

// TestTracker_NonMonotoneCountsDetected verifies that a downstream stage
// reporting more survivors than its upstream stage is flagged as a defect.
func TestTracker_NonMonotoneCountsDetected(t *testing.T) {
	tr := NewTracker("run-1")

	tr.RecordRaw("momentum", 3)
	tr.RecordAfterCorrelation("momentum", 5)
	tr.RecordAfterRisk("momentum", 2)
	tr.RecordExecuted("momentum", 0)

	err := tr.VerifyMonotone()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "momentum")
}

// TestTracker_BijectionHolds verifies the happy path: every logged signal
// gets exactly one terminal state and the bijection check passes.
func TestTracker_BijectionHolds(t *testing.T) {
	tr := NewTracker("run-1")

	assert.NoError(t, tr.LogSignal(funnelSignal("sig-1", "momentum", "BTCUSDT")))
	assert.NoError(t, tr.LogSignal(funnelSignal("sig-2", "momentum", "ETHUSDT")))
	assert.NoError(t, tr.LogSignal(funnelSignal("sig-3", "meanrev", "SOLUSDT")))

	assert.NoError(t, tr.SetTerminal("sig-1", types.TerminalExecuted, ""))
	assert.NoError(t, tr.SetTerminal("sig-2", types.TerminalRejectedByCorrelation, "corr 0.91 with BTCUSDT"))
	assert.NoError(t, tr.SetTerminal("sig-3", types.TerminalRejectedBySizing, "below min notional"))

	assert.NoError(t, tr.VerifyBijection())
	assert.Len(t, tr.Outcomes(), 3)
}

// TestTracker_BijectionDetectsMissingTerminalState verifies that a logged
// signal left without a terminal state fails the run-end bijection check and
// is named in the error.
func TestTracker_BijectionDetectsMissingTerminalState(t *testing.T) {
	tr := NewTracker("run-1")

	assert.NoError(t, tr.LogSignal(funnelSignal("sig-1", "momentum", "BTCUSDT")))
	assert.NoError(t, tr.LogSignal(funnelSignal("sig-2", "momentum", "ETHUSDT")))
	assert.NoError(t, tr.SetTerminal("sig-1", types.TerminalExecuted, ""))

	err := tr.VerifyBijection()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sig-2")
}

// TestTracker_DoubleTerminalStateRejected verifies a signal cannot receive a
// second terminal state once one is assigned.
func TestTracker_DoubleTerminalStateRejected(t *testing.T) {
	tr := NewTracker("run-1")

	assert.NoError(t, tr.LogSignal(funnelSignal("sig-1", "momentum", "BTCUSDT")))
	assert.NoError(t, tr.SetTerminal("sig-1", types.TerminalFiltered, "throttled"))

	err := tr.SetTerminal("sig-1", types.TerminalExecuted, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "FILTERED")
}

// TestTracker_TerminalStateRequiresLoggedSignal verifies that terminal states
// cannot be attached to signals that were never logged.
func TestTracker_TerminalStateRequiresLoggedSignal(t *testing.T) {
	tr := NewTracker("run-1")

	err := tr.SetTerminal("ghost", types.TerminalExecuted, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unlogged")
}

// TestTracker_DuplicateSignalLogRejected verifies that logging the same
// signal id twice is rejected.
func TestTracker_DuplicateSignalLogRejected(t *testing.T) {
	tr := NewTracker("run-1")

	assert.NoError(t, tr.LogSignal(funnelSignal("sig-1", "momentum", "BTCUSDT")))
	assert.Error(t, tr.LogSignal(funnelSignal("sig-1", "momentum", "BTCUSDT")))
}

// TestTracker_PrimaryBlockerLargestDrop verifies the blocker diagnosis picks
// the stage that dropped the most signals and surfaces example symbols from
// its rejection entries.
func TestTracker_PrimaryBlockerLargestDrop(t *testing.T) {
	tr := NewTracker("run-1")

	tr.RecordRaw("meanrev", 10)
	tr.RecordAfterCorrelation("meanrev", 4)
	tr.RecordAfterRisk("meanrev", 2)
	tr.RecordExecuted("meanrev", 0)

	for _, symbol := range []string{"ETHUSDT", "SOLUSDT", "ADAUSDT", "DOTUSDT"} {
		tr.AddRejection("meanrev", types.RejectionEntry{
			Symbol: symbol,
			Stage:  types.StageCorrelation,
			Reason: ReasonCorrelation,
		})
	}

	blocker := tr.PrimaryBlocker("meanrev")
	assert.NotNil(t, blocker)
	assert.Equal(t, types.StageCorrelation, blocker.Stage)
	assert.Equal(t, 6, blocker.Dropped)
	assert.Len(t, blocker.ExampleSymbols, 3)
	assert.Contains(t, blocker.Explanation, "correlation")
}

// TestTracker_PrimaryBlockerRegimeSkip verifies that a strategy skipped for
// regime ineligibility is diagnosed at the regime stage.
func TestTracker_PrimaryBlockerRegimeSkip(t *testing.T) {
	tr := NewTracker("run-1")

	tr.RecordRegimeSkip("breakout", "BEAR")

	blocker := tr.PrimaryBlocker("breakout")
	assert.NotNil(t, blocker)
	assert.Equal(t, types.StageRegime, blocker.Stage)
	assert.Contains(t, blocker.Explanation, "BEAR")
}

// TestTracker_PrimaryBlockerNilWhenTraded verifies that strategies that
// executed at least one trade get no blocker diagnosis.
func TestTracker_PrimaryBlockerNilWhenTraded(t *testing.T) {
	tr := NewTracker("run-1")

	tr.RecordRaw("momentum", 5)
	tr.RecordAfterCorrelation("momentum", 4)
	tr.RecordAfterRisk("momentum", 2)
	tr.RecordExecuted("momentum", 2)

	assert.Nil(t, tr.PrimaryBlocker("momentum"))
	assert.Nil(t, tr.PrimaryBlocker("unknown"))
}

// TestTracker_PrimaryBlockerNoSignals verifies that an eligible strategy
// that simply produced nothing is diagnosed at the raw stage.
func TestTracker_PrimaryBlockerNoSignals(t *testing.T) {
	tr := NewTracker("run-1")

	tr.RecordRaw("momentum", 0)

	blocker := tr.PrimaryBlocker("momentum")
	assert.NotNil(t, blocker)
	assert.Equal(t, types.StageRaw, blocker.Stage)
	assert.Contains(t, blocker.Explanation, "no signals")
}
