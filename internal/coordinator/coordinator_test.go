package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/multi-strategy-bot/internal/allocation"
	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
	"github.com/ducminhle1904/multi-strategy-bot/internal/costmodel"
	"github.com/ducminhle1904/multi-strategy-bot/internal/dataquality"
	boterrors "github.com/ducminhle1904/multi-strategy-bot/internal/errors"
	"github.com/ducminhle1904/multi-strategy-bot/internal/intent"
	"github.com/ducminhle1904/multi-strategy-bot/internal/ledger"
	"github.com/ducminhle1904/multi-strategy-bot/internal/reconcile"
	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/internal/risk"
	"github.com/ducminhle1904/multi-strategy-bot/internal/safety"
	"github.com/ducminhle1904/multi-strategy-bot/internal/store"
	"github.com/ducminhle1904/multi-strategy-bot/internal/strategy"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

var testNow = time.Date(2025, 6, 2, 14, 37, 12, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeStore is the in-memory stand-in for the sqlite store. It implements
// the coordinator's Store surface plus the intent and drawdown store
// interfaces so one fake backs the whole dependency graph.
type fakeStore struct {
	mu        sync.Mutex
	runs      map[string]store.RunRecord
	runOrder  []string
	positions []types.Position
	signals   map[string][]types.Signal
	outcomes  map[string][]types.SignalOutcome
	funnel    []types.FunnelRecord
	snapshots []types.ReconciliationSnapshot
	system    map[string]*store.SystemStateRecord
	returns   []store.StrategyReturn
	intents   map[string]*types.OrderIntent
	drawdowns map[string]*safety.DrawdownRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:      make(map[string]store.RunRecord),
		signals:   make(map[string][]types.Signal),
		outcomes:  make(map[string][]types.SignalOutcome),
		system:    make(map[string]*store.SystemStateRecord),
		intents:   make(map[string]*types.OrderIntent),
		drawdowns: make(map[string]*safety.DrawdownRecord),
	}
}

func (f *fakeStore) CreateRun(ctx context.Context, rec store.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[rec.RunID] = rec
	f.runOrder = append(f.runOrder, rec.RunID)
	return nil
}

func (f *fakeStore) FinishRun(ctx context.Context, runID string, status store.RunStatus, blockedBy, notes string, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.runs[runID]
	rec.Status = status
	rec.BlockedBy = blockedBy
	rec.Notes = notes
	rec.FinishedAt = finishedAt
	f.runs[runID] = rec
	return nil
}

func (f *fakeStore) LoadPositions(ctx context.Context) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Position(nil), f.positions...), nil
}

func (f *fakeStore) ReplacePositions(ctx context.Context, positions []types.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append([]types.Position(nil), positions...)
	return nil
}

func (f *fakeStore) SaveSignals(ctx context.Context, runID string, signals []types.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[runID] = append([]types.Signal(nil), signals...)
	return nil
}

func (f *fakeStore) SaveOutcomes(ctx context.Context, runID string, outcomes []types.SignalOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[runID] = append([]types.SignalOutcome(nil), outcomes...)
	return nil
}

func (f *fakeStore) SaveFunnelRecords(ctx context.Context, records []types.FunnelRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funnel = append(f.funnel, records...)
	return nil
}

func (f *fakeStore) SaveSnapshot(ctx context.Context, snap types.ReconciliationSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) LastReconciliationStatus(ctx context.Context) (types.ReconcileStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.snapshots) - 1; i >= 0; i-- {
		if f.snapshots[i].Phase == types.PhaseReconciliation {
			return f.snapshots[i].Status, nil
		}
	}
	return "", nil
}

func (f *fakeStore) LoadSystemState(ctx context.Context, systemID string) (*store.SystemStateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.system[systemID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) SaveSystemState(ctx context.Context, rec *store.SystemStateRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.system[rec.SystemID] = &cp
	return nil
}

func (f *fakeStore) SaveStrategyReturns(ctx context.Context, returns []store.StrategyReturn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, returns...)
	return nil
}

func (f *fakeStore) StrategyDailyReturns(ctx context.Context, systemID string, window int) (map[string][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := append([]store.StrategyReturn(nil), f.returns...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	out := make(map[string][]float64)
	for _, r := range rows {
		if r.SystemID == systemID {
			out[r.StrategyID] = append(out[r.StrategyID], r.Return)
		}
	}
	return out, nil
}

func (f *fakeStore) GetIntent(ctx context.Context, id string) (*types.OrderIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.intents[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) SaveIntent(ctx context.Context, rec *types.OrderIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.intents[rec.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateIntent(ctx context.Context, rec *types.OrderIntent) error {
	return f.SaveIntent(ctx, rec)
}

func (f *fakeStore) LoadDrawdownState(systemID string) (*safety.DrawdownRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.drawdowns[systemID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) SaveDrawdownState(record *safety.DrawdownRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *record
	f.drawdowns[record.SystemID] = &cp
	return nil
}

func (f *fakeStore) snapshotPhases(runID string) []types.SnapshotPhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	var phases []types.SnapshotPhase
	for _, snap := range f.snapshots {
		if snap.RunID == runID {
			phases = append(phases, snap.Phase)
		}
	}
	return phases
}

func (f *fakeStore) intentStatuses() []types.IntentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.IntentStatus
	for _, rec := range f.intents {
		out = append(out, rec.Status)
	}
	return out
}

// fakeGateway mirrors fills into its own cash and position book so the
// reconciliation of a following run still passes.
type fakeGateway struct {
	mu           sync.Mutex
	cash         decimal.Decimal
	positions    map[string]decimal.Decimal
	submitted    []broker.OrderRequest
	rejectReason string
	submitErr    error
	accountErr   error
}

func newFakeGateway(cash string) *fakeGateway {
	return &fakeGateway{cash: dec(cash), positions: make(map[string]decimal.Decimal)}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) GetAccount(ctx context.Context) (*broker.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.accountErr != nil {
		return nil, g.accountErr
	}
	return &broker.Account{Cash: g.cash, TotalValue: g.cash, FetchedAt: testNow}, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.accountErr != nil {
		return nil, g.accountErr
	}
	var out []broker.Position
	for sym, qty := range g.positions {
		out = append(out, broker.Position{Symbol: sym, Quantity: qty})
	}
	return out, nil
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, req)
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	if g.rejectReason != "" {
		return &broker.OrderResult{State: broker.OrderRejected, Reason: g.rejectReason}, nil
	}
	notional := req.QuotedPrice.Mul(req.Quantity)
	if req.Side == types.SideBuy {
		g.cash = g.cash.Sub(notional)
		g.positions[req.Symbol] = g.positions[req.Symbol].Add(req.Quantity)
	} else {
		g.cash = g.cash.Add(notional)
		g.positions[req.Symbol] = g.positions[req.Symbol].Sub(req.Quantity)
	}
	return &broker.OrderResult{
		BrokerOrderID: fmt.Sprintf("ord-%d", len(g.submitted)),
		State:         broker.OrderFilled,
		FillPrice:     req.QuotedPrice,
		FilledQty:     req.Quantity,
	}, nil
}

func (g *fakeGateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderResult, error) {
	return &broker.OrderResult{BrokerOrderID: brokerOrderID, State: broker.OrderFilled}, nil
}

func (g *fakeGateway) submittedSymbols() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, req := range g.submitted {
		out = append(out, req.Symbol)
	}
	return out
}

// stubStrategy returns canned signals.
type stubStrategy struct {
	name    string
	regimes []regime.RegimeType
	signals []types.Signal
	err     error
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) EligibleRegimes() []regime.RegimeType { return s.regimes }

func (s *stubStrategy) GenerateSignals(ctx context.Context, input strategy.Input) ([]types.Signal, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]types.Signal(nil), s.signals...), nil
}

func buySignal(strategyID, symbol, qty, price string, confidence float64) types.Signal {
	return types.Signal{
		StrategyID:  strategyID,
		Symbol:      symbol,
		Side:        types.SideBuy,
		Quantity:    dec(qty),
		QuotedPrice: dec(price),
		Confidence:  confidence,
		Reasoning:   "test signal",
		AsOf:        testNow,
	}
}

// testSeries builds a fresh 8-bar hourly series with sub-percent moves so
// every data quality check passes.
func testSeries(symbol string, base float64, asOf time.Time) *types.SymbolSeries {
	bars := make([]types.OHLCV, 8)
	price := base
	for i := range bars {
		price *= 1 + 0.002*float64(i%3-1)
		bars[i] = types.OHLCV{
			Open:      price,
			High:      price * 1.001,
			Low:       price * 0.999,
			Close:     price,
			Volume:    1000,
			Timestamp: asOf.Add(-time.Duration(len(bars)-1-i) * time.Hour),
		}
	}
	return &types.SymbolSeries{Symbol: symbol, Bars: bars}
}

func testSnapshot(symbols ...string) *types.MarketSnapshot {
	asOf := testNow.Add(-5 * time.Minute)
	bases := map[string]float64{
		"BTCUSDT": 30000, "ETHUSDT": 2000, "SOLUSDT": 150, "XRPUSDT": 0.5, "ADAUSDT": 0.4,
	}
	snap := &types.MarketSnapshot{AsOf: asOf, Symbols: make(map[string]*types.SymbolSeries)}
	for _, sym := range symbols {
		base, ok := bases[sym]
		if !ok {
			base = 100
		}
		snap.Symbols[sym] = testSeries(sym, base, asOf)
	}
	return snap
}

type fixture struct {
	store      *fakeStore
	broker     *fakeGateway
	killSwitch *safety.KillSwitch
	drawdown   *safety.DrawdownStop
	intents    *intent.Manager
	coord      *Coordinator
}

type fixtureConfig struct {
	config     Config
	strategies []strategy.SignalGenerator
	store      *fakeStore
	broker     *fakeGateway
}

// The fixture wires real components around the fakes with a zero-slippage,
// zero-commission cost model, so local cash after a fill lands exactly on
// the gateway's mirrored cash and follow-up reconciliations pass.
func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()

	fs := fc.store
	if fs == nil {
		fs = newFakeStore()
	}
	gw := fc.broker
	if gw == nil {
		gw = newFakeGateway("50000")
	}
	if fc.config.SystemID == "" {
		fc.config.SystemID = "test-bot"
	}

	killSwitch, err := safety.NewKillSwitch(safety.KillSwitchConfig{})
	require.NoError(t, err)
	drawdown, err := safety.NewDrawdownStop(safety.DrawdownConfig{SystemID: fc.config.SystemID}, fs)
	require.NoError(t, err)
	intents := intent.NewManager(fs, time.Hour)

	coord, err := New(fc.config, Deps{
		Store:       fs,
		Broker:      gw,
		Costs:       costmodel.NewModel(0, 0),
		Ledger:      ledger.Config{},
		DataGate:    dataquality.NewGate(dataquality.Config{}),
		Regimes:     regime.NewClassifier(regime.Config{}),
		Reconciler:  reconcile.NewGate(gw, reconcile.Config{}),
		Allocator:   allocation.NewAllocator(allocation.Config{}),
		Correlation: risk.NewFilter(risk.FilterConfig{}),
		Drawdown:    drawdown,
		KillSwitch:  killSwitch,
		Breakers:    safety.NewBreakerSet(safety.BreakerConfig{}),
		Intents:     intents,
		Strategies:  fc.strategies,
	})
	require.NoError(t, err)
	coord.now = func() time.Time { return testNow }

	return &fixture{store: fs, broker: gw, killSwitch: killSwitch, drawdown: drawdown, intents: intents, coord: coord}
}

func seedSystemState(fs *fakeStore, cash string) {
	fs.system["test-bot"] = &store.SystemStateRecord{
		SystemID:      "test-bot",
		Cash:          dec(cash),
		DayStartValue: dec(cash),
		DayStartDate:  testNow.Format("2006-01-02"),
		UpdatedAt:     testNow.Add(-time.Hour),
	}
}

func funnelRow(t *testing.T, records []types.FunnelRecord, strategyID string) types.FunnelRecord {
	t.Helper()
	for _, rec := range records {
		if rec.StrategyID == strategyID {
			return rec
		}
	}
	t.Fatalf("no funnel record for %s", strategyID)
	return types.FunnelRecord{}
}

func outcomeStates(outcomes []types.SignalOutcome) map[types.TerminalState]int {
	out := make(map[types.TerminalState]int)
	for _, o := range outcomes {
		out[o.State]++
	}
	return out
}

// TestCoordinator_HappyPathExecutesSignals drives two strategies through a
// clean run: both signals reach the broker, every artifact is persisted, the
// funnel stays monotone and the failure streak resets.
func TestCoordinator_HappyPathExecutesSignals(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")
	fs.system["test-bot"].ConsecutiveFailures = 3

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
			&stubStrategy{name: "meanrev-1", signals: []types.Signal{buySignal("meanrev-1", "ETHUSDT", "0.1", "2000", 0.6)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT", "ETHUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, summary.Status)
	assert.False(t, summary.Halted())
	assert.Equal(t, 2, summary.OrdersSubmitted)
	assert.Equal(t, 0, summary.OrdersRejected)
	assert.Len(t, fx.broker.submitted, 2)

	states := outcomeStates(summary.Outcomes)
	assert.Equal(t, 2, states[types.TerminalExecuted])
	assert.Len(t, summary.Signals, 2)

	for _, id := range []string{"momentum-1", "meanrev-1"} {
		row := funnelRow(t, summary.Funnel, id)
		assert.True(t, row.Monotone())
		assert.Equal(t, 1, row.Raw)
		assert.Equal(t, 1, row.Executed)
	}

	// Snapshots at START, RECONCILIATION and END, all passing.
	phases := fs.snapshotPhases(summary.RunID)
	assert.Equal(t, []types.SnapshotPhase{types.PhaseStart, types.PhaseReconciliation, types.PhaseEnd}, phases)
	for _, snap := range fs.snapshots {
		assert.Equal(t, types.ReconcilePass, snap.Status)
	}

	// Portfolio write-back: two positions and the cash spent on them.
	assert.Len(t, fs.positions, 2)
	sys := fs.system["test-bot"]
	assert.True(t, sys.Cash.Equal(dec("49500")), "cash %s", sys.Cash) // 300 + 200 notional
	assert.Equal(t, 0, sys.ConsecutiveFailures)
	assert.Equal(t, 2, sys.OrdersSubmitted)
	assert.Equal(t, summary.RunID, sys.LastRunID)

	rec := fs.runs[summary.RunID]
	assert.Equal(t, store.RunCompleted, rec.Status)
	assert.Empty(t, rec.BlockedBy)

	for _, status := range fs.intentStatuses() {
		assert.Equal(t, types.IntentFilled, status)
	}
}

// TestCoordinator_ReconcileMismatchHaltsBeforeOrders seeds local cash that
// disagrees with the broker by far more than tolerance. The run must halt at
// the reconciliation gate with zero submissions, persist the failing
// snapshots and count the divergence as a failure.
func TestCoordinator_ReconcileMismatchHaltsBeforeOrders(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")
	gw := newFakeGateway("48000")

	fx := newFixture(t, fixtureConfig{
		store:  fs,
		broker: gw,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunAborted, summary.Status)
	assert.Equal(t, "RECONCILIATION", summary.BlockedBy)
	require.NotEmpty(t, summary.HaltReasons)
	assert.Contains(t, summary.HaltReasons[0], "cash")
	assert.Empty(t, gw.submitted, "no order may reach the broker after a reconcile failure")

	phases := fs.snapshotPhases(summary.RunID)
	assert.Equal(t, []types.SnapshotPhase{types.PhaseStart, types.PhaseReconciliation, types.PhaseEnd}, phases)
	require.NotNil(t, summary.Reconciliation)
	assert.Equal(t, types.ReconcileFail, summary.Reconciliation.Status)

	assert.Equal(t, 1, fs.system["test-bot"].ConsecutiveFailures)
}

// TestCoordinator_BrokerFetchFailureFailsClosed verifies an unreachable
// broker halts the run with the local side still recorded in the START and
// END snapshots.
func TestCoordinator_BrokerFetchFailureFailsClosed(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")
	gw := newFakeGateway("50000")
	gw.accountErr = errors.New("gateway timeout")

	fx := newFixture(t, fixtureConfig{
		store:  fs,
		broker: gw,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunAborted, summary.Status)
	assert.Equal(t, "RECONCILIATION", summary.BlockedBy)
	assert.Contains(t, summary.HaltReasons[0], "broker state fetch failed")
	assert.Empty(t, gw.submitted)

	phases := fs.snapshotPhases(summary.RunID)
	assert.Equal(t, []types.SnapshotPhase{types.PhaseStart, types.PhaseEnd}, phases)
	for _, snap := range fs.snapshots {
		assert.Equal(t, types.ReconcileFail, snap.Status)
		assert.True(t, snap.Local.Cash.Equal(dec("50000")))
	}
}

// TestCoordinator_KillSwitchTripsOnFailureStreak seeds a failure streak at
// the kill-switch maximum and expects the run to halt before any broker
// contact, without deepening the streak.
func TestCoordinator_KillSwitchTripsOnFailureStreak(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")
	fs.system["test-bot"].ConsecutiveFailures = 5

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunAborted, summary.Status)
	assert.Equal(t, "KILL_SWITCH", summary.BlockedBy)
	require.NotEmpty(t, summary.HaltReasons)
	assert.Contains(t, summary.HaltReasons[0], "consecutive")
	assert.Empty(t, fx.broker.submitted)

	// A controlled halt is the system working, not another failure.
	assert.Equal(t, 5, fs.system["test-bot"].ConsecutiveFailures)
}

// TestCoordinator_KillSwitchReportsAllReasons seeds a daily loss breach and
// a failure streak together and expects both in the verdict.
func TestCoordinator_KillSwitchReportsAllReasons(t *testing.T) {
	fs := newFakeStore()
	fs.system["test-bot"] = &store.SystemStateRecord{
		SystemID:            "test-bot",
		Cash:                dec("46000"),
		DayStartValue:       dec("50000"), // 8% daily loss
		DayStartDate:        testNow.Format("2006-01-02"),
		ConsecutiveFailures: 7,
		UpdatedAt:           testNow.Add(-time.Hour),
	}

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, "KILL_SWITCH", summary.BlockedBy)
	require.Len(t, summary.HaltReasons, 2)
	assert.Contains(t, summary.HaltReasons[0], "daily loss")
	assert.Contains(t, summary.HaltReasons[1], "consecutive")
}

// TestCoordinator_EmptySnapshotBlocksAll verifies a nil snapshot trips the
// data quality gate before the broker is consulted, and the END snapshot is
// still taken.
func TestCoordinator_EmptySnapshotBlocksAll(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, store.RunAborted, summary.Status)
	assert.Equal(t, "DATA_QUALITY", summary.BlockedBy)
	require.NotNil(t, summary.DataReport)
	assert.True(t, summary.DataReport.BlockAll)
	assert.Empty(t, fx.broker.submitted)

	phases := fs.snapshotPhases(summary.RunID)
	assert.Equal(t, []types.SnapshotPhase{types.PhaseEnd}, phases)
}

// TestCoordinator_TopNThrottleCapsSubmissions admits five signals and
// expects only the two highest-confidence ones at the broker; the rest end
// FILTERED with their reservations released.
func TestCoordinator_TopNThrottleCapsSubmissions(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")

	signals := []types.Signal{
		buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.9),
		buySignal("momentum-1", "ETHUSDT", "0.1", "2000", 0.8),
		buySignal("momentum-1", "SOLUSDT", "2", "150", 0.7),
		buySignal("momentum-1", "XRPUSDT", "400", "0.5", 0.6),
		buySignal("momentum-1", "ADAUSDT", "500", "0.4", 0.5),
	}
	fx := newFixture(t, fixtureConfig{
		config: Config{TopNPerStrategy: 2},
		store:  fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: signals},
		},
	})

	snapshot := testSnapshot("BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT")
	summary, err := fx.coord.RunOnce(context.Background(), snapshot)
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, summary.Status)
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, fx.broker.submittedSymbols())

	row := funnelRow(t, summary.Funnel, "momentum-1")
	assert.Equal(t, 5, row.Raw)
	assert.Equal(t, 5, row.AfterRisk)
	assert.Equal(t, 2, row.Executed)
	assert.True(t, row.Monotone())

	states := outcomeStates(summary.Outcomes)
	assert.Equal(t, 2, states[types.TerminalExecuted])
	assert.Equal(t, 3, states[types.TerminalFiltered])

	// Throttled reservations must be fully released: only the two fills may
	// move cash.
	assert.True(t, fs.system["test-bot"].Cash.Equal(dec("49500")), "cash %s", fs.system["test-bot"].Cash)
}

// TestCoordinator_DuplicateIntentSkippedOnSecondRun runs the same signal
// twice inside one intent bucket. The second run must skip the broker and
// finish the signal as FILTERED.
func TestCoordinator_DuplicateIntentSkippedOnSecondRun(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})
	snapshot := testSnapshot("BTCUSDT")

	first, err := fx.coord.RunOnce(context.Background(), snapshot)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, first.Status)
	require.Len(t, fx.broker.submitted, 1)

	second, err := fx.coord.RunOnce(context.Background(), snapshot)
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, second.Status)
	assert.Len(t, fx.broker.submitted, 1, "duplicate must not reach the broker")
	assert.Equal(t, 1, fx.intents.DuplicateSkips())

	states := outcomeStates(second.Outcomes)
	assert.Equal(t, 1, states[types.TerminalFiltered])
	require.Len(t, second.Outcomes, 1)
	assert.Contains(t, second.Outcomes[0].Reason, "duplicate")

	row := funnelRow(t, second.Funnel, "momentum-1")
	assert.Equal(t, 1, row.AfterRisk)
	assert.Equal(t, 0, row.Executed)
}

// TestCoordinator_BrokerRejectionReleasesReservation verifies a broker
// rejection ends the signal REJECTED_BY_BROKER, counts against the rejection
// stats and leaves cash untouched.
func TestCoordinator_BrokerRejectionReleasesReservation(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")
	gw := newFakeGateway("50000")
	gw.rejectReason = "insufficient balance"

	fx := newFixture(t, fixtureConfig{
		store:  fs,
		broker: gw,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, summary.Status)
	assert.Equal(t, 1, summary.OrdersSubmitted)
	assert.Equal(t, 1, summary.OrdersRejected)

	states := outcomeStates(summary.Outcomes)
	assert.Equal(t, 1, states[types.TerminalRejectedByBroker])

	row := funnelRow(t, summary.Funnel, "momentum-1")
	assert.Equal(t, 0, row.Executed)
	require.NotEmpty(t, row.Rejections)
	assert.Equal(t, "BROKER_REJECTED", row.Rejections[len(row.Rejections)-1].Reason)

	// Reservation released: no cash left the book, no position appeared.
	assert.True(t, fs.system["test-bot"].Cash.Equal(dec("50000")))
	assert.Empty(t, fs.positions)
	assert.Equal(t, []types.IntentStatus{types.IntentRejected}, fs.intentStatuses())
}

// TestCoordinator_FatalBrokerErrorStopsSubmissions fails the first submission
// with a credentials error. The remaining admitted signal must never reach
// the broker, every signal still gets a terminal state and the run finishes
// aborted with the failure counted.
func TestCoordinator_FatalBrokerErrorStopsSubmissions(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")
	gw := newFakeGateway("50000")
	gw.submitErr = boterrors.WrapError(errors.New("bybit API error 10003: invalid api key"),
		boterrors.ErrorCategoryCredentials, "bybit", "submit_order")

	fx := newFixture(t, fixtureConfig{
		store:  fs,
		broker: gw,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{
				buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8),
				buySignal("momentum-1", "ETHUSDT", "0.1", "2000", 0.6),
			}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT", "ETHUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunAborted, summary.Status)
	assert.False(t, summary.Halted(), "a mid-run broker failure is not a gate halt")
	require.NotEmpty(t, summary.HaltReasons)
	assert.Contains(t, summary.HaltReasons[0], "CREDENTIALS")

	// Only the first order may reach the broker; the latch stops the rest.
	assert.Len(t, gw.submitted, 1)
	assert.Equal(t, "BTCUSDT", gw.submitted[0].Symbol)

	states := outcomeStates(summary.Outcomes)
	assert.Equal(t, 1, states[types.TerminalRejectedByBroker])
	assert.Equal(t, 1, states[types.TerminalFiltered])
	row := funnelRow(t, summary.Funnel, "momentum-1")
	assert.Equal(t, 2, row.AfterRisk)
	assert.Equal(t, 0, row.Executed)
	assert.True(t, row.Monotone())

	// Both reservations released, the aborted run deepens the failure streak.
	assert.True(t, fs.system["test-bot"].Cash.Equal(dec("50000")))
	assert.Equal(t, 1, fs.system["test-bot"].ConsecutiveFailures)
}

// TestCoordinator_RampupHalvesOrderSize restores a RAMPUP drawdown state and
// expects submitted quantities scaled by the rampup multiplier.
func TestCoordinator_RampupHalvesOrderSize(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")
	fs.drawdowns["test-bot"] = &safety.DrawdownRecord{
		SystemID:    "test-bot",
		State:       safety.DrawdownRampup,
		PeakValue:   dec("50000"),
		EnteredAt:   testNow.Add(-24 * time.Hour),
		RampupUntil: testNow.Add(48 * time.Hour),
	}

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.02", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, summary.Status)
	assert.Equal(t, safety.DrawdownRampup, summary.DrawdownState)
	assert.Equal(t, 0.5, summary.SizingMultiplier)
	require.Len(t, fx.broker.submitted, 1)
	assert.True(t, fx.broker.submitted[0].Quantity.Equal(dec("0.01")),
		"quantity %s", fx.broker.submitted[0].Quantity)
}

// TestCoordinator_HaltedDrawdownBlocksRun verifies a HALT state inside its
// cooldown window stops the run at the drawdown gate.
func TestCoordinator_HaltedDrawdownBlocksRun(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")
	fs.drawdowns["test-bot"] = &safety.DrawdownRecord{
		SystemID:      "test-bot",
		State:         safety.DrawdownHalt,
		PeakValue:     dec("56000"),
		EnteredAt:     testNow.Add(-24 * time.Hour),
		CooldownUntil: testNow.Add(9 * 24 * time.Hour),
	}

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunAborted, summary.Status)
	assert.Equal(t, "DRAWDOWN", summary.BlockedBy)
	assert.Empty(t, fx.broker.submitted)
	assert.Equal(t, safety.DrawdownHalt, summary.DrawdownState)
}

// TestCoordinator_RegimeIneligibleStrategyGetsZeroRow verifies a strategy
// outside the classified regime is skipped with a zero-count funnel row
// while an always-eligible one proceeds.
func TestCoordinator_RegimeIneligibleStrategyGetsZeroRow(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			// No regime indicators in the snapshot classifies SIDEWAYS, so a
			// bull-only strategy must sit out.
			&stubStrategy{name: "bull-only", regimes: []regime.RegimeType{regime.RegimeBull},
				signals: []types.Signal{buySignal("bull-only", "ETHUSDT", "0.1", "2000", 0.9)}},
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT", "ETHUSDT"))
	require.NoError(t, err)

	assert.Equal(t, regime.RegimeSideways, summary.Regime.Type)

	skipped := funnelRow(t, summary.Funnel, "bull-only")
	assert.Equal(t, 0, skipped.Raw)
	assert.Equal(t, 0, skipped.Executed)
	require.NotEmpty(t, skipped.Rejections)
	assert.Equal(t, "REGIME_INELIGIBLE", skipped.Rejections[0].Reason)

	executed := funnelRow(t, summary.Funnel, "momentum-1")
	assert.Equal(t, 1, executed.Executed)
	assert.Equal(t, []string{"BTCUSDT"}, fx.broker.submittedSymbols())
}

// TestCoordinator_QuarantinedStrategySitsOut disables one strategy through
// the kill switch and expects it absent from the run entirely.
func TestCoordinator_QuarantinedStrategySitsOut(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
			&stubStrategy{name: "meanrev-1", signals: []types.Signal{buySignal("meanrev-1", "ETHUSDT", "0.1", "2000", 0.6)}},
		},
	})
	fx.killSwitch.DisableStrategy("meanrev-1", "manual quarantine")

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT", "ETHUSDT"))
	require.NoError(t, err)

	assert.Equal(t, []string{"meanrev-1"}, summary.Quarantined)
	assert.Equal(t, []string{"BTCUSDT"}, fx.broker.submittedSymbols())
	for _, rec := range summary.Funnel {
		assert.NotEqual(t, "meanrev-1", rec.StrategyID)
	}
}

// TestCoordinator_GenerationFailureDegradesRun verifies one strategy's error
// zeroes only its own funnel row; the run itself completes and notes the
// degradation.
func TestCoordinator_GenerationFailureDegradesRun(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "broken-1", err: errors.New("indicator series missing")},
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, summary.Status)
	assert.Contains(t, summary.Notes, "broken-1")

	broken := funnelRow(t, summary.Funnel, "broken-1")
	assert.Equal(t, 0, broken.Raw)
	require.NotEmpty(t, broken.Rejections)
	assert.Equal(t, "GENERATION_FAILURE", broken.Rejections[0].Reason)

	assert.Equal(t, 1, funnelRow(t, summary.Funnel, "momentum-1").Executed)
}

// TestCoordinator_TradingDayRollsOnDateChange seeds yesterday's day anchor
// and expects the counters rebased before the kill switch sees them.
func TestCoordinator_TradingDayRollsOnDateChange(t *testing.T) {
	fs := newFakeStore()
	fs.system["test-bot"] = &store.SystemStateRecord{
		SystemID:        "test-bot",
		Cash:            dec("50000"),
		DayStartValue:   dec("90000"), // stale anchor would read as a huge loss
		DayStartDate:    testNow.AddDate(0, 0, -1).Format("2006-01-02"),
		OrdersSubmitted: 99,
		OrdersRejected:  60,
		UpdatedAt:       testNow.Add(-25 * time.Hour),
	}

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, summary.Status, "stale day anchor must not trip the kill switch")
	sys := fs.system["test-bot"]
	assert.Equal(t, testNow.Format("2006-01-02"), sys.DayStartDate)
	assert.True(t, sys.DayStartValue.Equal(dec("50000")))
	assert.Equal(t, 1, sys.OrdersSubmitted)
	assert.Equal(t, 0, sys.OrdersRejected)
}

// TestCoordinator_FirstContactSeedsFromBroker starts with no local system
// state at all and expects it seeded from the broker account.
func TestCoordinator_FirstContactSeedsFromBroker(t *testing.T) {
	fx := newFixture(t, fixtureConfig{
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	summary, err := fx.coord.RunOnce(context.Background(), testSnapshot("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, summary.Status)
	sys := fx.store.system["test-bot"]
	require.NotNil(t, sys)
	assert.Equal(t, testNow.Format("2006-01-02"), sys.DayStartDate)
	assert.True(t, sys.DayStartValue.Equal(dec("50000")))
}

// TestCoordinator_StrategyReturnsRecordedAtRunEnd verifies a run that leaves
// open positions writes one per-strategy daily return row.
func TestCoordinator_StrategyReturnsRecordedAtRunEnd(t *testing.T) {
	fs := newFakeStore()
	seedSystemState(fs, "50000")

	fx := newFixture(t, fixtureConfig{
		store: fs,
		strategies: []strategy.SignalGenerator{
			&stubStrategy{name: "momentum-1", signals: []types.Signal{buySignal("momentum-1", "BTCUSDT", "0.01", "30000", 0.8)}},
		},
	})

	snapshot := testSnapshot("BTCUSDT")
	_, err := fx.coord.RunOnce(context.Background(), snapshot)
	require.NoError(t, err)

	require.Len(t, fs.returns, 1)
	ret := fs.returns[0]
	assert.Equal(t, "test-bot", ret.SystemID)
	assert.Equal(t, "momentum-1", ret.StrategyID)
	assert.Equal(t, snapshot.AsOf.UTC().Format("2006-01-02"), ret.Date)
}

// TestNew_RejectsIncompleteDeps verifies construction fails fast on a
// missing collaborator and on duplicate strategy ids.
func TestNew_RejectsIncompleteDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing dependency")

	fx := newFixture(t, fixtureConfig{
		strategies: []strategy.SignalGenerator{&stubStrategy{name: "momentum-1"}},
	})
	deps := fx.coord.deps
	deps.Strategies = []strategy.SignalGenerator{
		&stubStrategy{name: "momentum-1"},
		&stubStrategy{name: "momentum-1"},
	}
	_, err = New(Config{}, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate strategy id")
}
