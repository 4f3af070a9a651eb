package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ducminhle1904/multi-strategy-bot/internal/allocation"
	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
	boterrors "github.com/ducminhle1904/multi-strategy-bot/internal/errors"
	"github.com/ducminhle1904/multi-strategy-bot/internal/funnel"
	"github.com/ducminhle1904/multi-strategy-bot/internal/ledger"
	"github.com/ducminhle1904/multi-strategy-bot/internal/monitoring"
	"github.com/ducminhle1904/multi-strategy-bot/internal/notifications"
	"github.com/ducminhle1904/multi-strategy-bot/internal/reconcile"
	"github.com/ducminhle1904/multi-strategy-bot/internal/safety"
	"github.com/ducminhle1904/multi-strategy-bot/internal/store"
	"github.com/ducminhle1904/multi-strategy-bot/internal/strategy"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// generation is one strategy's raw output from the fan-out stage.
type generation struct {
	id      string
	signals []types.Signal
	err     error
}

// admission pairs an admitted signal with the ledger reservation it holds
// until fill or release.
type admission struct {
	signal      types.Signal
	reservation *ledger.Reservation
}

// generate fans signal generation out across a bounded worker group. Every
// strategy reads the same frozen snapshot and only its own positions, so the
// fan-out needs no locks; all state mutation waits for the single-writer
// stage. A gate failure or shutdown cancels in-flight generation through the
// group context.
func (c *Coordinator) generate(ctx context.Context, run *runState, active []strategy.SignalGenerator) []generation {
	results := make([]generation, len(active))
	positions := run.book.Positions()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.GenerationWorkers)
	for i, gen := range active {
		i, gen := i, gen
		g.Go(func() error {
			input := strategy.Input{
				Snapshot:         run.snapshot,
				AvailableCapital: availableFor(run.summary.Allocations, gen.Name()),
				Positions:        positionsOf(positions, gen.Name()),
			}
			signals, err := gen.GenerateSignals(gctx, input)
			for j := range signals {
				signals[j].ID = uuid.NewString()
				if signals[j].SizeMultiplier == 0 {
					signals[j].SizeMultiplier = 1.0
				}
			}
			results[i] = generation{id: gen.Name(), signals: signals, err: err}
			return nil // a strategy failure only zeroes its own funnel row
		})
	}
	_ = g.Wait()
	return results
}

func availableFor(allocs map[string]*allocation.Allocation, id string) decimal.Decimal {
	if alloc, ok := allocs[id]; ok {
		return alloc.AvailableCapital
	}
	return decimal.Zero
}

func positionsOf(all []types.Position, strategyID string) []types.Position {
	var out []types.Position
	for _, pos := range all {
		if pos.StrategyID == strategyID {
			out = append(out, pos)
		}
	}
	return out
}

// executeSignals is the single-writer stage: one strategy at a time in name
// order, each signal logged, screened for correlation, admitted against the
// ledger and at most TopNPerStrategy submitted. Every logged signal leaves
// this stage with exactly one terminal state.
func (c *Coordinator) executeSignals(ctx context.Context, run *runState, results []generation, sizing float64) {
	for _, res := range results {
		if res.err != nil {
			run.tracker.RecordRaw(res.id, 0)
			run.tracker.AddRejection(res.id, types.RejectionEntry{
				Symbol:  "*",
				Stage:   types.StageRaw,
				Reason:  funnel.ReasonGenerationFailure,
				Details: res.err.Error(),
			})
			run.log.WithError(res.err).WithField("strategy", res.id).Error("Signal generation failed")
			run.degrade("%s generation failed: %v", res.id, res.err)
			continue
		}

		run.tracker.RecordRaw(res.id, len(res.signals))
		for _, sig := range res.signals {
			if err := run.tracker.LogSignal(sig); err != nil {
				run.degrade("log signal: %v", err)
			}
		}

		filtered := c.deps.Correlation.Apply(res.signals, run.book.Positions(), run.snapshot)
		run.tracker.RecordAfterCorrelation(res.id, len(filtered.Kept))
		for i := range filtered.Rejected {
			rej := &filtered.Rejected[i]
			c.setTerminal(run, rej.Signal, types.TerminalRejectedByCorrelation, rej.Reason())
			run.tracker.AddRejection(res.id, types.RejectionEntry{
				Symbol:  rej.Signal.Symbol,
				Stage:   types.StageCorrelation,
				Reason:  funnel.ReasonCorrelation,
				Details: rej.Reason(),
			})
		}

		admitted := make([]admission, 0, len(filtered.Kept))
		for _, sig := range filtered.Kept {
			decision := run.book.Reserve(sig, sizing)
			if !decision.OK {
				c.setTerminal(run, sig, decision.Terminal, decision.Reason)
				run.tracker.AddRejection(res.id, types.RejectionEntry{
					Symbol:  sig.Symbol,
					Stage:   types.StageRisk,
					Reason:  riskReason(decision.Terminal),
					Details: decision.Reason,
				})
				continue
			}
			admitted = append(admitted, admission{signal: sig, reservation: decision.Reservation})
		}
		run.tracker.RecordAfterRisk(res.id, len(admitted))

		// Throttle: only the top N by confidence go to the broker. The
		// remainder release their reservations and end as FILTERED, so the
		// bijection still holds.
		sort.SliceStable(admitted, func(i, j int) bool {
			a, b := admitted[i].signal, admitted[j].signal
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			return a.Symbol < b.Symbol
		})
		queue := admitted
		if n := c.config.TopNPerStrategy; len(queue) > n {
			for _, adm := range queue[n:] {
				run.book.Release(adm.reservation)
				c.setTerminal(run, adm.signal, types.TerminalFiltered,
					fmt.Sprintf("throttled below top-%d cut", n))
				run.tracker.AddRejection(res.id, types.RejectionEntry{
					Symbol:  adm.signal.Symbol,
					Stage:   types.StageExecution,
					Reason:  funnel.ReasonThrottled,
					Details: fmt.Sprintf("confidence rank below top %d", n),
				})
			}
			queue = queue[:n]
		}

		executed := 0
		for _, adm := range queue {
			if ctx.Err() != nil {
				run.book.Release(adm.reservation)
				c.setTerminal(run, adm.signal, types.TerminalFiltered, "run cancelled before submission")
				continue
			}
			if run.brokerFatal != nil {
				run.book.Release(adm.reservation)
				c.setTerminal(run, adm.signal, types.TerminalFiltered, "submissions stopped after fatal broker error")
				continue
			}
			if c.submit(ctx, run, adm) {
				executed++
			}
		}
		run.tracker.RecordExecuted(res.id, executed)
	}
}

// riskReason maps a ledger rejection to its funnel reason code.
func riskReason(state types.TerminalState) string {
	if state == types.TerminalRejectedByHeat {
		return funnel.ReasonHeat
	}
	return funnel.ReasonSizing
}

// submit drives one admitted signal through the circuit breaker, intent
// creation and the broker call. Returns true only when the order reached the
// broker and was not rejected.
func (c *Coordinator) submit(ctx context.Context, run *runState, adm admission) bool {
	sig := adm.signal
	res := adm.reservation
	now := c.now().UTC()

	breaker := c.deps.Breakers.For(sig.StrategyID)
	if !breaker.Allow(now) {
		run.book.Release(res)
		c.setTerminal(run, sig, types.TerminalRejectedByCircuitBreaker, "strategy circuit breaker open")
		run.tracker.AddRejection(sig.StrategyID, types.RejectionEntry{
			Symbol:  sig.Symbol,
			Stage:   types.StageExecution,
			Reason:  funnel.ReasonCircuitBreaker,
			Details: "circuit breaker open",
		})
		return false
	}

	intentRec, proceed, err := c.deps.Intents.CreateIntent(ctx, run.id, sig.StrategyID, sig.Symbol, sig.Side, res.Quantity, now)
	if err != nil {
		run.book.Release(res)
		c.setTerminal(run, sig, types.TerminalFiltered, fmt.Sprintf("intent persistence failed: %v", err))
		run.tracker.AddRejection(sig.StrategyID, types.RejectionEntry{
			Symbol:  sig.Symbol,
			Stage:   types.StageExecution,
			Reason:  funnel.ReasonPersistence,
			Details: err.Error(),
		})
		run.degrade("create intent for %s: %v", sig.Symbol, err)
		return false
	}
	if !proceed {
		monitoring.RecordDuplicateIntent()
		run.book.Release(res)
		c.setTerminal(run, sig, types.TerminalFiltered,
			fmt.Sprintf("duplicate of intent %s in current bucket", shortID(intentRec.ID)))
		run.tracker.AddRejection(sig.StrategyID, types.RejectionEntry{
			Symbol:  sig.Symbol,
			Stage:   types.StageExecution,
			Reason:  funnel.ReasonDuplicateIntent,
			Details: fmt.Sprintf("intent %s already %s", shortID(intentRec.ID), intentRec.Status),
		})
		return false
	}

	if err := c.deps.Intents.BindSignal(ctx, intentRec, sig.ID); err != nil {
		run.log.WithError(err).WithField("intent", shortID(intentRec.ID)).Warn("Failed to bind signal to intent")
	}
	if err := c.deps.Intents.MarkSubmitted(ctx, intentRec); err != nil {
		// If the submission cannot be recorded, submitting anyway could
		// place an untracked order. The signal fails instead.
		run.book.Release(res)
		c.setTerminal(run, sig, types.TerminalFiltered, fmt.Sprintf("intent transition failed: %v", err))
		run.tracker.AddRejection(sig.StrategyID, types.RejectionEntry{
			Symbol:  sig.Symbol,
			Stage:   types.StageExecution,
			Reason:  funnel.ReasonPersistence,
			Details: err.Error(),
		})
		run.degrade("mark intent submitted for %s: %v", sig.Symbol, err)
		return false
	}

	req := broker.OrderRequest{
		IntentID:    intentRec.ID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Quantity:    res.Quantity,
		QuotedPrice: sig.QuotedPrice,
	}
	started := time.Now()
	result, err := c.deps.Broker.SubmitOrder(ctx, req)
	monitoring.ObserveBrokerCall("submit_order", time.Since(started).Seconds())
	run.submitted++
	monitoring.RecordOrderSubmitted()

	if err != nil {
		c.failSubmission(ctx, run, adm, intentRec, breaker, fmt.Sprintf("broker submission failed: %v", err))
		if boterrors.IsFatal(err) && run.brokerFatal == nil {
			run.brokerFatal = err
		}
		return false
	}
	if result.Rejected() {
		c.failSubmission(ctx, run, adm, intentRec, breaker, fmt.Sprintf("broker rejected order: %s", result.Reason))
		return false
	}

	if err := c.deps.Intents.MarkAcked(ctx, intentRec, result.BrokerOrderID); err != nil {
		run.degrade("mark intent acked for %s: %v", sig.Symbol, err)
	}
	if result.State == broker.OrderFilled {
		if err := c.deps.Intents.MarkFilled(ctx, intentRec, result.BrokerOrderID); err != nil {
			run.degrade("mark intent filled for %s: %v", sig.Symbol, err)
		}
	}

	// Fills settle at the cost model's effective price; the next run's
	// reconciliation trues the books against the broker.
	run.book.ApplyFill(res, now)
	breaker.RecordSuccess()
	c.setTerminal(run, sig, types.TerminalExecuted,
		fmt.Sprintf("intent %s %s", shortID(intentRec.ID), result.State))
	run.log.WithFields(logger.Fields{
		"strategy": sig.StrategyID,
		"symbol":   sig.Symbol,
		"side":     sig.Side,
		"qty":      res.Quantity.String(),
	}).Info("Order executed")
	return true
}

// failSubmission unwinds one failed broker submission: the reservation is
// released, the intent jumps to REJECTED, the breaker records the failure
// and the signal is terminal-stated.
func (c *Coordinator) failSubmission(ctx context.Context, run *runState, adm admission, intentRec *types.OrderIntent, breaker *safety.StrategyBreaker, detail string) {
	if err := c.deps.Intents.MarkRejected(ctx, intentRec); err != nil {
		run.degrade("mark intent rejected for %s: %v", adm.signal.Symbol, err)
	}
	run.book.Release(adm.reservation)
	breaker.RecordFailure(c.now().UTC())
	run.rejected++
	monitoring.RecordOrderRejected()
	c.setTerminal(run, adm.signal, types.TerminalRejectedByBroker, detail)
	run.tracker.AddRejection(adm.signal.StrategyID, types.RejectionEntry{
		Symbol:  adm.signal.Symbol,
		Stage:   types.StageExecution,
		Reason:  funnel.ReasonBroker,
		Details: detail,
	})
	run.log.WithFields(logger.Fields{
		"strategy": adm.signal.StrategyID,
		"symbol":   adm.signal.Symbol,
	}).Warn(detail)
}

// setTerminal records a signal's terminal state in the tracker and metrics.
// Tracker refusals are bookkeeping defects; they degrade the run rather than
// abort it.
func (c *Coordinator) setTerminal(run *runState, sig types.Signal, state types.TerminalState, reason string) {
	if err := run.tracker.SetTerminal(sig.ID, state, reason); err != nil {
		run.log.WithError(err).WithField("signal", sig.ID).Error("Terminal state bookkeeping failed")
		run.degrade("terminal state: %v", err)
		return
	}
	monitoring.RecordSignalOutcome(sig.StrategyID, string(state))
}

// finish is the closing pass every run takes regardless of outcome: verify
// the funnel accounting, persist all artifacts, roll the system counters,
// take the END snapshot, stamp the run record and dispatch alerts.
func (c *Coordinator) finish(ctx context.Context, run *runState, execErr error) {
	now := c.now().UTC()
	sum := run.summary

	status := store.RunCompleted
	blockedBy := ""
	countsAsFailure := false
	if execErr != nil {
		status = store.RunAborted
		if halt := boterrors.AsRunHalt(execErr); halt != nil {
			blockedBy = string(halt.Gate)
			sum.HaltReasons = halt.Reasons
			monitoring.RecordGateHalt(string(halt.Gate))
			// A reconciliation halt means the books are genuinely wrong;
			// the other gates stopping the run is the system working.
			countsAsFailure = halt.Gate == boterrors.GateReconciliation
			run.log.WithField("gate", halt.Gate).Warn(halt.Error())
		} else {
			sum.HaltReasons = []string{execErr.Error()}
			countsAsFailure = true
			run.log.WithError(execErr).Error("Run aborted")
		}
	}

	if err := run.tracker.VerifyBijection(); err != nil {
		run.degrade("%v", err)
	}
	if err := run.tracker.VerifyMonotone(); err != nil {
		run.degrade("%v", err)
	}
	sum.Signals = run.tracker.Signals()
	sum.Outcomes = run.tracker.Outcomes()
	sum.Funnel = run.tracker.Records()
	sum.Blockers = make(map[string]*types.PrimaryBlocker)
	for _, rec := range sum.Funnel {
		if b := funnel.BlockerFor(rec); b != nil {
			sum.Blockers[rec.StrategyID] = b
		}
	}
	c.persistArtifacts(ctx, run)

	if run.book != nil {
		c.persistPortfolio(ctx, run, status, countsAsFailure, now)
		sum.Portfolio = run.book.State()
	}

	c.saveEndSnapshot(ctx, run, now)

	if len(run.degraded) > 0 {
		sum.Notes = strings.Join(run.degraded, "; ")
	}
	sum.Status = status
	sum.BlockedBy = blockedBy
	sum.FinishedAt = now
	sum.OrdersSubmitted = run.submitted
	sum.OrdersRejected = run.rejected
	sum.DrawdownState = c.deps.Drawdown.State()

	if err := c.deps.Store.FinishRun(ctx, run.id, status, blockedBy, sum.Notes, now); err != nil {
		run.log.WithError(err).Error("Failed to stamp run record")
	}

	monitoring.RecordRun(string(status), now.Sub(run.startedAt).Seconds())
	c.deps.Health.SetRunOutcome(run.id, string(status), blockedBy, now)
	c.deps.Health.SetDrawdownState(string(c.deps.Drawdown.State()))
	c.deps.Health.SetOpenBreakers(c.deps.Breakers.OpenStrategies())

	c.dispatchAlerts(run)
	run.log.WithFields(logger.Fields{
		"status":    status,
		"submitted": run.submitted,
		"rejected":  run.rejected,
		"duration":  now.Sub(run.startedAt).Round(time.Millisecond).String(),
	}).Info("Run finished")
}

// persistArtifacts writes the run's signals, outcomes and funnel records.
// Failures degrade the run but never stop the remaining writes.
func (c *Coordinator) persistArtifacts(ctx context.Context, run *runState) {
	if err := c.deps.Store.SaveSignals(ctx, run.id, run.summary.Signals); err != nil {
		run.degrade("persist signals: %v", err)
	}
	if err := c.deps.Store.SaveOutcomes(ctx, run.id, run.summary.Outcomes); err != nil {
		run.degrade("persist outcomes: %v", err)
	}
	if err := c.deps.Store.SaveFunnelRecords(ctx, run.summary.Funnel); err != nil {
		run.degrade("persist funnel records: %v", err)
	}
}

// persistPortfolio writes back the post-run positions, the day's
// per-strategy returns and the cross-run counters.
func (c *Coordinator) persistPortfolio(ctx context.Context, run *runState, status store.RunStatus, countsAsFailure bool, now time.Time) {
	if err := c.deps.Store.ReplacePositions(ctx, run.book.Positions()); err != nil {
		run.degrade("persist positions: %v", err)
	}
	if returns := c.dailyReturns(run, now); len(returns) > 0 {
		if err := c.deps.Store.SaveStrategyReturns(ctx, returns); err != nil {
			run.degrade("persist strategy returns: %v", err)
		}
	}

	sys := run.system
	sys.Cash = run.book.Cash()
	sys.OrdersSubmitted += run.submitted
	sys.OrdersRejected += run.rejected
	if status == store.RunCompleted {
		sys.ConsecutiveFailures = 0
	} else if countsAsFailure {
		sys.ConsecutiveFailures++
	}
	sys.LastRunID = run.id
	sys.UpdatedAt = now
	if err := c.deps.Store.SaveSystemState(ctx, sys); err != nil {
		run.degrade("persist system state: %v", err)
	}

	state := run.book.State()
	cash, _ := state.Cash.Float64()
	total, _ := state.TotalValue.Float64()
	monitoring.SetPortfolio(cash, total, state.Heat, c.deps.Drawdown.Drawdown(state.TotalValue))
}

// dailyReturns marks each strategy's open book to market as a notional-
// weighted one-bar return. Flat strategies record nothing; the allocator
// treats missing days as insufficient history.
func (c *Coordinator) dailyReturns(run *runState, now time.Time) []store.StrategyReturn {
	type acc struct{ weighted, notional float64 }
	byStrategy := make(map[string]*acc)

	for _, pos := range run.book.Positions() {
		series, ok := run.snapshot.Symbols[pos.Symbol]
		if !ok {
			continue
		}
		closes := series.Closes(2)
		if len(closes) < 2 || closes[0] <= 0 {
			continue
		}
		notional, _ := pos.MarketValue().Float64()
		if notional <= 0 {
			continue
		}
		a := byStrategy[pos.StrategyID]
		if a == nil {
			a = &acc{}
			byStrategy[pos.StrategyID] = a
		}
		a.weighted += (closes[1]/closes[0] - 1) * notional
		a.notional += notional
	}

	date := now.Format("2006-01-02")
	if !run.snapshot.AsOf.IsZero() {
		date = run.snapshot.AsOf.UTC().Format("2006-01-02")
	}
	out := make([]store.StrategyReturn, 0, len(byStrategy))
	for id, a := range byStrategy {
		if a.notional == 0 {
			continue
		}
		out = append(out, store.StrategyReturn{
			SystemID:   c.config.SystemID,
			StrategyID: id,
			Date:       date,
			Return:     a.weighted / a.notional,
			RecordedAt: now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// saveEndSnapshot takes the end-of-run snapshot on every path. When the
// broker is unreachable the local side is still recorded with the fetch
// error noted, so the run stays auditable.
func (c *Coordinator) saveEndSnapshot(ctx context.Context, run *runState, now time.Time) {
	if run.book == nil {
		// The run died before local state was even loaded; there is no
		// local view to record.
		return
	}
	local := reconcile.BuildLocalView(run.book.Cash(), run.book.Positions())

	opCtx := ctx
	if ctx.Err() != nil {
		// Shutdown mid-run: give the closing snapshot its own brief window.
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	brokerView, err := c.deps.Reconciler.FetchBrokerView(opCtx)
	if err != nil {
		c.saveSnapshot(opCtx, run, reconcile.FailedSnapshot(run.id, types.PhaseEnd, local, err, now))
		return
	}
	status, discrepancies := c.deps.Reconciler.Compare(local, brokerView)
	c.saveSnapshot(opCtx, run, types.ReconciliationSnapshot{
		RunID:         run.id,
		Phase:         types.PhaseEnd,
		Status:        status,
		Local:         local,
		Broker:        brokerView,
		Discrepancies: discrepancies,
		TakenAt:       now,
	})
}

func (c *Coordinator) saveSnapshot(ctx context.Context, run *runState, snap types.ReconciliationSnapshot) {
	if err := c.deps.Store.SaveSnapshot(ctx, snap); err != nil {
		run.log.WithError(err).WithField("phase", snap.Phase).Error("Failed to persist reconciliation snapshot")
		run.degrade("%s snapshot persist failed: %v", snap.Phase, err)
	}
}

// dispatchAlerts notifies operators about outcomes that need a human: gate
// halts always, plus a digest when orders went out.
func (c *Coordinator) dispatchAlerts(run *runState) {
	sum := run.summary
	switch {
	case sum.Halted():
		level := notifications.LevelCritical
		if sum.BlockedBy == string(boterrors.GateDataQuality) {
			level = notifications.LevelWarning
		}
		c.notify(run, level, fmt.Sprintf("Run %s halted by %s\n%s",
			shortID(run.id), sum.BlockedBy, strings.Join(sum.HaltReasons, "\n")))
	case sum.Status == store.RunAborted:
		c.notify(run, notifications.LevelError,
			fmt.Sprintf("Run %s aborted: %s", shortID(run.id), strings.Join(sum.HaltReasons, "; ")))
	case run.submitted > 0:
		c.notify(run, notifications.LevelInfo,
			fmt.Sprintf("Run %s executed %d order(s), %d rejected", shortID(run.id), run.submitted, run.rejected))
	}
}

func (c *Coordinator) notify(run *runState, level, message string) {
	if err := c.deps.Notifier.SendAlert(level, message); err != nil {
		run.log.WithError(err).Warn("Alert delivery failed")
	}
}

// shortID abbreviates a run or intent id for logs and alerts.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
