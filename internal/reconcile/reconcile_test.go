package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// stubBroker serves canned account and position answers.
type stubBroker struct {
	account      *broker.Account
	positions    []broker.Position
	accountErr   error
	positionsErr error
}

func (s *stubBroker) GetAccount(ctx context.Context) (*broker.Account, error) {
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	return s.account, nil
}

func (s *stubBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if s.positionsErr != nil {
		return nil, s.positionsErr
	}
	return s.positions, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestGate(stub *stubBroker) *Gate {
	return NewGate(stub, Config{})
}

// TestGate_MatchingBooksPass verifies identical local and broker state
// reconciles PASS with no discrepancies.
func TestGate_MatchingBooksPass(t *testing.T) {
	stub := &stubBroker{
		account: &broker.Account{Cash: dec("50000"), FetchedAt: time.Now()},
		positions: []broker.Position{
			{Symbol: "BTCUSDT", Quantity: dec("0.5")},
		},
	}
	local := types.LocalView{
		Cash:      dec("50000"),
		Positions: map[string]decimal.Decimal{"BTCUSDT": dec("0.5")},
	}

	result, err := newTestGate(stub).Check(context.Background(), "run-1", local)
	require.NoError(t, err)
	assert.Equal(t, types.ReconcilePass, result.Status)
	assert.Empty(t, result.Discrepancies)
}

// TestGate_CashMismatchFails verifies a 50,000 vs 49,000 cash divergence
// fails with a non-empty discrepancy list naming the delta.
func TestGate_CashMismatchFails(t *testing.T) {
	stub := &stubBroker{
		account: &broker.Account{Cash: dec("49000"), FetchedAt: time.Now()},
	}
	local := types.LocalView{Cash: dec("50000"), Positions: map[string]decimal.Decimal{}}

	result, err := newTestGate(stub).Check(context.Background(), "run-1", local)
	require.NoError(t, err)
	assert.Equal(t, types.ReconcileFail, result.Status)
	require.Len(t, result.Discrepancies, 1)
	d := result.Discrepancies[0]
	assert.Equal(t, "cash", d.Field)
	assert.True(t, d.Delta.Equal(dec("1000")), "delta %s", d.Delta)
}

// TestGate_DriftWithinToleranceStillPasses verifies sub-tolerance drift in
// cash and quantity does not fail the gate.
func TestGate_DriftWithinToleranceStillPasses(t *testing.T) {
	stub := &stubBroker{
		account: &broker.Account{Cash: dec("49999.50"), FetchedAt: time.Now()},
		positions: []broker.Position{
			{Symbol: "BTCUSDT", Quantity: dec("0.50004")},
		},
	}
	local := types.LocalView{
		Cash:      dec("50000"),
		Positions: map[string]decimal.Decimal{"BTCUSDT": dec("0.5")},
	}

	result, err := newTestGate(stub).Check(context.Background(), "run-1", local)
	require.NoError(t, err)
	assert.Equal(t, types.ReconcilePass, result.Status)
}

// TestGate_RelativeToleranceCoversLargeBooks verifies a delta over the
// absolute tolerance still passes when it is a tiny fraction of the book.
func TestGate_RelativeToleranceCoversLargeBooks(t *testing.T) {
	// 400 over on a 1,000,000 book: 0.04%, inside the 0.1% relative band.
	stub := &stubBroker{
		account: &broker.Account{Cash: dec("999600"), FetchedAt: time.Now()},
	}
	local := types.LocalView{Cash: dec("1000000"), Positions: map[string]decimal.Decimal{}}

	result, err := newTestGate(stub).Check(context.Background(), "run-1", local)
	require.NoError(t, err)
	assert.Equal(t, types.ReconcilePass, result.Status)
}

// TestGate_PositionOnlyOnOneSideFails verifies one-sided positions are
// reported from either direction.
func TestGate_PositionOnlyOnOneSideFails(t *testing.T) {
	stub := &stubBroker{
		account: &broker.Account{Cash: dec("50000"), FetchedAt: time.Now()},
		positions: []broker.Position{
			{Symbol: "SOLUSDT", Quantity: dec("10")},
		},
	}
	local := types.LocalView{
		Cash:      dec("50000"),
		Positions: map[string]decimal.Decimal{"ETHUSDT": dec("2")},
	}

	result, err := newTestGate(stub).Check(context.Background(), "run-1", local)
	require.NoError(t, err)
	assert.Equal(t, types.ReconcileFail, result.Status)
	require.Len(t, result.Discrepancies, 2)

	bySymbol := map[string]types.Discrepancy{}
	for _, d := range result.Discrepancies {
		bySymbol[d.Symbol] = d
	}
	assert.Contains(t, bySymbol["ETHUSDT"].Detail, "broker does not report")
	assert.Contains(t, bySymbol["SOLUSDT"].Detail, "no local record")
}

// TestGate_BrokerFetchErrorPropagates verifies a failed parallel fetch
// surfaces as an error rather than a fabricated result.
func TestGate_BrokerFetchErrorPropagates(t *testing.T) {
	stub := &stubBroker{
		accountErr: errors.New("connection reset"),
		positions:  []broker.Position{},
	}
	local := types.LocalView{Cash: dec("50000"), Positions: map[string]decimal.Decimal{}}

	_, err := newTestGate(stub).Check(context.Background(), "run-1", local)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch broker account")
}

// TestBuildLocalView_AggregatesAcrossStrategies verifies per-symbol
// aggregation, since the broker has no notion of strategy ownership.
func TestBuildLocalView_AggregatesAcrossStrategies(t *testing.T) {
	positions := []types.Position{
		{StrategyID: "momentum", Symbol: "BTCUSDT", Quantity: dec("0.3")},
		{StrategyID: "breakout", Symbol: "BTCUSDT", Quantity: dec("0.2")},
		{StrategyID: "meanrev", Symbol: "ETHUSDT", Quantity: dec("2")},
	}

	view := BuildLocalView(dec("10000"), positions)
	assert.True(t, view.Positions["BTCUSDT"].Equal(dec("0.5")))
	assert.True(t, view.Positions["ETHUSDT"].Equal(dec("2")))
	assert.True(t, view.Cash.Equal(dec("10000")))
}

// TestFailedSnapshot_RecordsLocalSide verifies the degraded snapshot taken
// when the broker is unreachable still carries the local view and FAIL.
func TestFailedSnapshot_RecordsLocalSide(t *testing.T) {
	local := types.LocalView{
		Cash:      dec("50000"),
		Positions: map[string]decimal.Decimal{"BTCUSDT": dec("0.5")},
	}
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	snap := FailedSnapshot("run-1", types.PhaseEnd, local, errors.New("dial timeout"), at)
	assert.Equal(t, types.ReconcileFail, snap.Status)
	assert.Equal(t, types.PhaseEnd, snap.Phase)
	assert.True(t, snap.Local.Cash.Equal(dec("50000")))
	require.Len(t, snap.Discrepancies, 1)
	assert.Contains(t, snap.Discrepancies[0].Detail, "broker unreachable")
	assert.Equal(t, at, snap.TakenAt)
}

// TestResult_SnapshotCarriesAllFields verifies result-to-snapshot conversion
// for the three run phases.
func TestResult_SnapshotCarriesAllFields(t *testing.T) {
	result := &Result{
		Status: types.ReconcileFail,
		Local:  types.LocalView{Cash: dec("50000")},
		Broker: types.BrokerView{Cash: dec("49000")},
		Discrepancies: []types.Discrepancy{
			{Field: "cash", Local: dec("50000"), Broker: dec("49000"), Delta: dec("1000")},
		},
	}
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	snap := result.Snapshot("run-1", types.PhaseReconciliation, at)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, types.PhaseReconciliation, snap.Phase)
	assert.Equal(t, types.ReconcileFail, snap.Status)
	require.Len(t, snap.Discrepancies, 1)
	assert.Equal(t, at, snap.TakenAt)
}
