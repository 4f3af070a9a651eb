// Package coordinator drives one complete trading run: the systemic gates in
// strict order, capital allocation, bounded-parallel signal generation, the
// single-writer execution stage and the closing accounting pass. Components
// stay ignorant of each other; they meet only here. The coordinator owns run
// ids, the funnel tracker and every store write a run produces.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/internal/allocation"
	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
	"github.com/ducminhle1904/multi-strategy-bot/internal/costmodel"
	"github.com/ducminhle1904/multi-strategy-bot/internal/dataquality"
	boterrors "github.com/ducminhle1904/multi-strategy-bot/internal/errors"
	"github.com/ducminhle1904/multi-strategy-bot/internal/funnel"
	"github.com/ducminhle1904/multi-strategy-bot/internal/intent"
	"github.com/ducminhle1904/multi-strategy-bot/internal/ledger"
	"github.com/ducminhle1904/multi-strategy-bot/internal/monitoring"
	"github.com/ducminhle1904/multi-strategy-bot/internal/notifications"
	"github.com/ducminhle1904/multi-strategy-bot/internal/reconcile"
	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/internal/risk"
	"github.com/ducminhle1904/multi-strategy-bot/internal/safety"
	"github.com/ducminhle1904/multi-strategy-bot/internal/store"
	"github.com/ducminhle1904/multi-strategy-bot/internal/strategy"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Config holds the coordinator's own knobs; component thresholds live in the
// component configs.
type Config struct {
	// SystemID namespaces durable state so several bots can share a store.
	SystemID string `json:"system_id"`
	// TopNPerStrategy caps broker submissions per strategy per run; admitted
	// signals beyond the cut are throttled. Default 3.
	TopNPerStrategy int `json:"top_n_per_strategy"`
	// GenerationWorkers bounds the parallel signal-generation fan-out.
	// Default 4.
	GenerationWorkers int `json:"generation_workers"`
	// AllocationWindow is the trailing daily-return window handed to the
	// allocator. Default 60.
	AllocationWindow int `json:"allocation_window"`
	// MaxResumeDuplicateRate is the intent duplicate rate above which a
	// halted system fails the resume health check. Default 0.20.
	MaxResumeDuplicateRate float64 `json:"max_resume_duplicate_rate"`
}

func (c *Config) setDefaults() {
	if c.SystemID == "" {
		c.SystemID = "multi-strategy-bot"
	}
	if c.TopNPerStrategy <= 0 {
		c.TopNPerStrategy = 3
	}
	if c.GenerationWorkers <= 0 {
		c.GenerationWorkers = 4
	}
	if c.AllocationWindow <= 0 {
		c.AllocationWindow = 60
	}
	if c.MaxResumeDuplicateRate <= 0 {
		c.MaxResumeDuplicateRate = 0.20
	}
}

// Store is the persistence surface the coordinator writes through. The
// sqlite store implements it; tests substitute an in-memory fake.
type Store interface {
	CreateRun(ctx context.Context, rec store.RunRecord) error
	FinishRun(ctx context.Context, runID string, status store.RunStatus, blockedBy, notes string, finishedAt time.Time) error
	LoadPositions(ctx context.Context) ([]types.Position, error)
	ReplacePositions(ctx context.Context, positions []types.Position) error
	SaveSignals(ctx context.Context, runID string, signals []types.Signal) error
	SaveOutcomes(ctx context.Context, runID string, outcomes []types.SignalOutcome) error
	SaveFunnelRecords(ctx context.Context, records []types.FunnelRecord) error
	SaveSnapshot(ctx context.Context, snap types.ReconciliationSnapshot) error
	LastReconciliationStatus(ctx context.Context) (types.ReconcileStatus, error)
	LoadSystemState(ctx context.Context, systemID string) (*store.SystemStateRecord, error)
	SaveSystemState(ctx context.Context, rec *store.SystemStateRecord) error
	SaveStrategyReturns(ctx context.Context, returns []store.StrategyReturn) error
	StrategyDailyReturns(ctx context.Context, systemID string, window int) (map[string][]float64, error)
}

// Deps bundles the collaborators one coordinator wires together. Notifier
// and Health default to no-ops when nil; everything else is required.
type Deps struct {
	Store       Store
	Broker      broker.Gateway
	Costs       *costmodel.Model
	Ledger      ledger.Config
	DataGate    *dataquality.Gate
	Regimes     *regime.Classifier
	Reconciler  *reconcile.Gate
	Allocator   *allocation.Allocator
	Correlation *risk.Filter
	Drawdown    *safety.DrawdownStop
	KillSwitch  *safety.KillSwitch
	Breakers    *safety.BreakerSet
	Intents     *intent.Manager
	Strategies  []strategy.SignalGenerator
	Notifier    notifications.Notifier
	Health      *monitoring.HealthChecker
}

func (d *Deps) validate() error {
	missing := func(name string) error {
		return boterrors.NewConfigurationError("coordinator", "new", fmt.Sprintf("missing dependency: %s", name))
	}
	switch {
	case d.Store == nil:
		return missing("store")
	case d.Broker == nil:
		return missing("broker gateway")
	case d.Costs == nil:
		return missing("cost model")
	case d.DataGate == nil:
		return missing("data quality gate")
	case d.Regimes == nil:
		return missing("regime classifier")
	case d.Reconciler == nil:
		return missing("reconciliation gate")
	case d.Allocator == nil:
		return missing("allocator")
	case d.Correlation == nil:
		return missing("correlation filter")
	case d.Drawdown == nil:
		return missing("drawdown stop")
	case d.KillSwitch == nil:
		return missing("kill switch")
	case d.Breakers == nil:
		return missing("breaker set")
	case d.Intents == nil:
		return missing("intent manager")
	}
	if len(d.Strategies) == 0 {
		return missing("strategies")
	}
	return nil
}

// Coordinator runs the per-run state machine. One instance lives for the
// whole bot process; each RunOnce call is an independent run.
type Coordinator struct {
	config Config
	deps   Deps
	now    func() time.Time
	log    *logger.Entry
}

// New validates the dependency set and returns a ready coordinator.
// Strategies are ordered by name so runs are deterministic regardless of
// configuration order.
func New(config Config, deps Deps) (*Coordinator, error) {
	config.setDefaults()
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Notifier == nil {
		deps.Notifier = notifications.NewNoop()
	}
	if deps.Health == nil {
		deps.Health = monitoring.NewHealthChecker(config.SystemID)
	}

	sorted := make([]strategy.SignalGenerator, len(deps.Strategies))
	copy(sorted, deps.Strategies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	seen := make(map[string]bool, len(sorted))
	for _, gen := range sorted {
		if seen[gen.Name()] {
			return nil, boterrors.NewConfigurationError("coordinator", "new",
				fmt.Sprintf("duplicate strategy id %q", gen.Name()))
		}
		seen[gen.Name()] = true
	}
	deps.Strategies = sorted

	return &Coordinator{
		config: config,
		deps:   deps,
		now:    time.Now,
		log:    logger.WithField("component", "coordinator"),
	}, nil
}

// RunSummary is the in-memory result of one run, consumed by the console
// report and the alert dispatcher. Everything in it is also persisted.
type RunSummary struct {
	RunID       string
	SystemID    string
	Status      store.RunStatus
	BlockedBy   string
	HaltReasons []string
	StartedAt   time.Time
	FinishedAt  time.Time

	Regime           regime.RegimeSignal
	DataReport       *dataquality.Report
	Reconciliation   *reconcile.Result
	Allocations      map[string]*allocation.Allocation
	Quarantined      []string
	Signals          []types.Signal
	Outcomes         []types.SignalOutcome
	Funnel           []types.FunnelRecord
	Blockers         map[string]*types.PrimaryBlocker
	Portfolio        types.PortfolioState
	DrawdownState    safety.DrawdownState
	SizingMultiplier float64
	OrdersSubmitted  int
	OrdersRejected   int
	Notes            string
}

// Halted reports whether a hard gate stopped the run.
func (s *RunSummary) Halted() bool { return s.BlockedBy != "" }

// runState carries everything one run accumulates. It never outlives the
// RunOnce call that created it.
type runState struct {
	id        string
	startedAt time.Time
	snapshot  *types.MarketSnapshot
	system    *store.SystemStateRecord
	book      *ledger.Ledger
	tracker   *funnel.Tracker
	summary   *RunSummary
	log       *logger.Entry
	submitted int
	rejected  int
	degraded  []string

	// brokerFatal latches the first fatal submission error, such as bad
	// credentials. Remaining admitted signals release and terminal-state as
	// FILTERED instead of hitting a broker that will refuse them the same
	// way, and the run finishes aborted.
	brokerFatal error
}

func (r *runState) degrade(format string, args ...interface{}) {
	r.degraded = append(r.degraded, fmt.Sprintf(format, args...))
}

// RunOnce executes one full trading run against the given market snapshot.
// Gate halts are reported through the summary, not the error: the run did
// its job by stopping. The error covers only infrastructure failures that
// prevented the run from being recorded at all.
func (c *Coordinator) RunOnce(ctx context.Context, snapshot *types.MarketSnapshot) (*RunSummary, error) {
	if snapshot == nil {
		snapshot = &types.MarketSnapshot{}
	}
	now := c.now().UTC()
	run := &runState{
		id:        uuid.NewString(),
		startedAt: now,
		snapshot:  snapshot,
	}
	run.tracker = funnel.NewTracker(run.id)
	run.log = c.log.WithField("run_id", run.id)
	run.summary = &RunSummary{
		RunID:            run.id,
		SystemID:         c.config.SystemID,
		Status:           store.RunRunning,
		StartedAt:        now,
		SizingMultiplier: 1.0,
	}

	if err := c.deps.Store.CreateRun(ctx, store.RunRecord{
		RunID:     run.id,
		SystemID:  c.config.SystemID,
		Status:    store.RunRunning,
		StartedAt: now,
	}); err != nil {
		return nil, boterrors.NewPersistenceError("coordinator", "create_run", err)
	}
	run.log.WithField("symbols", len(snapshot.Symbols)).Info("Run started")

	err := c.execute(ctx, run)
	c.finish(ctx, run, err)
	return run.summary, nil
}

// execute walks the gates in their fixed order and, when all pass, hands off
// to generation and the execution stage. A returned *RunHalt means a gate
// stopped the run; any other error is a defect.
func (c *Coordinator) execute(ctx context.Context, run *runState) error {
	now := run.startedAt

	// Authoritative local state first: open positions and the cross-run
	// counters. The broker is consulted later, and only to verify.
	positions, err := c.deps.Store.LoadPositions(ctx)
	if err != nil {
		return boterrors.NewPersistenceError("coordinator", "load_positions", err)
	}
	system, err := c.loadSystemState(ctx)
	if err != nil {
		return err
	}
	run.system = system

	run.book = ledger.NewLedger(c.deps.Ledger, c.deps.Costs, system.Cash, positions)
	run.book.UpdatePrices(run.snapshot)
	totalValue := run.book.State().TotalValue

	c.rollTradingDay(run, totalValue, now)

	// Gate 1: kill switch. All tripped reasons are reported together.
	lastRecon, err := c.deps.Store.LastReconciliationStatus(ctx)
	if err != nil {
		return boterrors.NewPersistenceError("coordinator", "load_reconciliation_status", err)
	}
	verdict := c.deps.KillSwitch.Evaluate(safety.KillSwitchInput{
		LastReconciliation:  lastRecon,
		DayStartValue:       run.system.DayStartValue,
		CurrentValue:        totalValue,
		ConsecutiveFailures: run.system.ConsecutiveFailures,
		OrdersSubmitted:     run.system.OrdersSubmitted,
		OrdersRejected:      run.system.OrdersRejected,
	})
	if verdict.Tripped {
		return boterrors.NewRunHalt(boterrors.GateKillSwitch, verdict.Reasons...)
	}

	// Gate 2: drawdown stop. A halted machine may only resume through the
	// cooldown-plus-health path; a fresh breach halts immediately.
	if !c.deps.Drawdown.IsTradingAllowed() {
		resumed, err := c.deps.Drawdown.TryResume(totalValue, now, c.healthReport(lastRecon, run.snapshot, now))
		if err != nil {
			return boterrors.NewPersistenceError("coordinator", "drawdown_resume", err)
		}
		if !resumed {
			return boterrors.NewRunHalt(boterrors.GateDrawdown,
				fmt.Sprintf("drawdown stop in %s, trading halted", c.deps.Drawdown.State()))
		}
	}
	ddState, err := c.deps.Drawdown.Evaluate(totalValue, now)
	if err != nil {
		return boterrors.NewPersistenceError("coordinator", "drawdown_evaluate", err)
	}
	run.summary.DrawdownState = ddState
	if !ddState.TradingAllowed() {
		return boterrors.NewRunHalt(boterrors.GateDrawdown,
			fmt.Sprintf("drawdown %.1f%% from peak entered %s", c.deps.Drawdown.Drawdown(totalValue)*100, ddState))
	}
	sizing := c.deps.Drawdown.SizingMultiplier()
	run.summary.SizingMultiplier = sizing

	// Gate 3: data quality. Failing symbols are excluded for this run only;
	// an empty dataset blocks everything.
	report := c.deps.DataGate.Check(run.snapshot, now)
	run.summary.DataReport = report
	if !report.Passed() {
		return boterrors.NewRunHalt(boterrors.GateDataQuality, report.Summary())
	}
	run.snapshot = run.snapshot.Restrict(report.PassedSymbols)

	// Gate 4: reconciliation. The START and RECONCILIATION snapshots are
	// persisted whatever the comparison says; an unreachable broker fails
	// closed with the local side still recorded.
	local := reconcile.BuildLocalView(run.book.Cash(), run.book.Positions())
	result, err := c.deps.Reconciler.Check(ctx, run.id, local)
	if err != nil {
		c.saveSnapshot(ctx, run, reconcile.FailedSnapshot(run.id, types.PhaseStart, local, err, now))
		c.deps.Health.SetConnectivity(true, false)
		return boterrors.NewRunHalt(boterrors.GateReconciliation,
			fmt.Sprintf("broker state fetch failed: %v", err))
	}
	c.deps.Health.SetConnectivity(true, true)
	run.summary.Reconciliation = result
	c.saveSnapshot(ctx, run, result.Snapshot(run.id, types.PhaseStart, now))
	c.saveSnapshot(ctx, run, result.Snapshot(run.id, types.PhaseReconciliation, now))
	if result.Status != types.ReconcilePass {
		monitoring.RecordReconciliationFailure()
		reasons := make([]string, 0, len(result.Discrepancies))
		for _, d := range result.Discrepancies {
			reasons = append(reasons, d.Detail)
		}
		if len(reasons) == 0 {
			reasons = []string{"local and broker state diverged"}
		}
		return boterrors.NewRunHalt(boterrors.GateReconciliation, reasons...)
	}

	// Gates passed: classify the regime, pick the participating strategies
	// and hand each its capital budget.
	run.summary.Regime = c.deps.Regimes.Classify(run.snapshot)
	active := c.activeStrategies(run)
	if len(active) == 0 {
		run.log.WithField("regime", run.summary.Regime.Type.String()).Info("No strategy eligible this run")
		return nil
	}
	if err := c.allocate(ctx, run, active); err != nil {
		return err
	}

	results := c.generate(ctx, run, active)
	c.executeSignals(ctx, run, results, sizing)
	if run.brokerFatal != nil {
		return run.brokerFatal
	}
	return nil
}

// loadSystemState returns the cross-run counters, seeding them from the
// broker on very first contact. After the seed, local records are
// authoritative and the broker is only consulted for verification.
func (c *Coordinator) loadSystemState(ctx context.Context) (*store.SystemStateRecord, error) {
	rec, err := c.deps.Store.LoadSystemState(ctx, c.config.SystemID)
	if err != nil {
		return nil, boterrors.NewPersistenceError("coordinator", "load_system_state", err)
	}
	if rec != nil {
		return rec, nil
	}

	account, err := c.deps.Broker.GetAccount(ctx)
	if err != nil {
		return nil, boterrors.NewBrokerError("coordinator", "seed_system_state", err)
	}
	now := c.now().UTC()
	rec = &store.SystemStateRecord{
		SystemID:      c.config.SystemID,
		Cash:          account.Cash,
		DayStartValue: account.TotalValue,
		DayStartDate:  now.Format("2006-01-02"),
		UpdatedAt:     now,
	}
	if err := c.deps.Store.SaveSystemState(ctx, rec); err != nil {
		return nil, boterrors.NewPersistenceError("coordinator", "seed_system_state", err)
	}
	c.log.WithFields(logger.Fields{
		"cash":        account.Cash.String(),
		"total_value": account.TotalValue.String(),
	}).Warn("No local system state found, seeded from broker")
	return rec, nil
}

// rollTradingDay resets the day-scoped counters when the UTC date changes.
// DayStartValue anchors the kill switch's daily-loss check.
func (c *Coordinator) rollTradingDay(run *runState, totalValue decimal.Decimal, now time.Time) {
	today := now.Format("2006-01-02")
	if run.system.DayStartDate == today {
		return
	}
	run.log.WithFields(logger.Fields{"from": run.system.DayStartDate, "to": today}).Info("Trading day rolled")
	run.system.DayStartDate = today
	run.system.DayStartValue = totalValue
	run.system.OrdersSubmitted = 0
	run.system.OrdersRejected = 0
}

// healthReport assembles the drawdown resume checklist from the freshest
// facts available: the last reconciliation outcome, the snapshot's age and
// the intent duplicate rate.
func (c *Coordinator) healthReport(lastRecon types.ReconcileStatus, snapshot *types.MarketSnapshot, now time.Time) safety.HealthReport {
	rep := safety.HealthReport{
		ReconciliationPass: lastRecon == types.ReconcilePass,
		DuplicateRateOK:    true,
	}
	if !rep.ReconciliationPass {
		rep.Details = append(rep.Details, fmt.Sprintf("last reconciliation: %s", statusOrNever(lastRecon)))
	}
	if !snapshot.AsOf.IsZero() && now.Sub(snapshot.AsOf) <= c.deps.DataGate.MaxStaleness() {
		rep.DataFresh = true
	} else {
		rep.Details = append(rep.Details, "market data stale or missing")
	}
	if rate := c.deps.Intents.DuplicateRate(); rate > c.config.MaxResumeDuplicateRate {
		rep.DuplicateRateOK = false
		rep.Details = append(rep.Details,
			fmt.Sprintf("duplicate intent rate %.2f above %.2f", rate, c.config.MaxResumeDuplicateRate))
	}
	return rep
}

func statusOrNever(status types.ReconcileStatus) string {
	if status == "" {
		return "never run"
	}
	return string(status)
}

// activeStrategies narrows the configured strategies to this run's
// participants. Quarantined strategies are skipped outright; regime-
// ineligible ones get a zero-count funnel row so the report still accounts
// for them.
func (c *Coordinator) activeStrategies(run *runState) []strategy.SignalGenerator {
	current := run.summary.Regime.Type
	var active []strategy.SignalGenerator
	for _, gen := range c.deps.Strategies {
		if !c.deps.KillSwitch.IsStrategyEnabled(gen.Name()) {
			run.summary.Quarantined = append(run.summary.Quarantined, gen.Name())
			run.log.WithField("strategy", gen.Name()).Warn("Strategy quarantined, sitting run out")
			continue
		}
		if !strategy.EligibleIn(gen, current) {
			run.tracker.RecordRegimeSkip(gen.Name(), current.String())
			continue
		}
		active = append(active, gen)
	}
	return active
}

// allocate scores the active strategies from their trailing daily returns
// and installs the resulting budgets in the ledger.
func (c *Coordinator) allocate(ctx context.Context, run *runState, active []strategy.SignalGenerator) error {
	ids := make([]string, 0, len(active))
	for _, gen := range active {
		ids = append(ids, gen.Name())
	}

	returns, err := c.deps.Store.StrategyDailyReturns(ctx, c.config.SystemID, c.config.AllocationWindow)
	if err != nil {
		return boterrors.NewPersistenceError("coordinator", "load_strategy_returns", err)
	}
	allocs, err := c.deps.Allocator.Allocate(run.book.State().TotalValue, returns, run.book.ExposureByStrategy(), ids)
	if err != nil {
		return fmt.Errorf("allocate capital: %w", err)
	}

	budgets := make(map[string]decimal.Decimal, len(allocs))
	for id, alloc := range allocs {
		budgets[id] = alloc.AvailableCapital
		monitoring.SetAllocation(id, alloc.Weight)
	}
	run.book.SetBudgets(budgets)
	run.summary.Allocations = allocs
	return nil
}
