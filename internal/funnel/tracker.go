// Package funnel records each signal's journey through the run's filtering
// stages and enforces the two accounting invariants of a run: stage counts
// never increase downstream, and logged signals are in exact bijection with
// terminal-state records.
package funnel

import (
	"fmt"
	"sort"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Rejection reason codes.
const (
	ReasonRegimeIneligible  = "REGIME_INELIGIBLE"
	ReasonCorrelation       = "CORRELATION_LIMIT"
	ReasonHeat              = "HEAT_LIMIT"
	ReasonSizing            = "SIZING"
	ReasonCircuitBreaker    = "CIRCUIT_BREAKER"
	ReasonBroker            = "BROKER_REJECTED"
	ReasonThrottled         = "THROTTLED"
	ReasonDuplicateIntent   = "DUPLICATE_INTENT"
	ReasonPersistence       = "PERSISTENCE_FAILURE"
	ReasonGenerationFailure = "GENERATION_FAILURE"
)

// Tracker accumulates funnel records, logged signals and terminal states for
// one run.
type Tracker struct {
	mu       sync.Mutex
	runID    string
	records  map[string]*types.FunnelRecord
	signals  map[string]types.Signal
	outcomes map[string]types.SignalOutcome
	order    []string
	log      *logger.Entry
}

// NewTracker creates a tracker for the given run.
func NewTracker(runID string) *Tracker {
	return &Tracker{
		runID:    runID,
		records:  make(map[string]*types.FunnelRecord),
		signals:  make(map[string]types.Signal),
		outcomes: make(map[string]types.SignalOutcome),
		log:      logger.WithFields(logger.Fields{"component": "funnel", "run_id": runID}),
	}
}

func (t *Tracker) record(strategyID string) *types.FunnelRecord {
	rec, ok := t.records[strategyID]
	if !ok {
		rec = &types.FunnelRecord{RunID: t.runID, StrategyID: strategyID, RecordedAt: time.Now().UTC()}
		t.records[strategyID] = rec
		t.order = append(t.order, strategyID)
	}
	return rec
}

// RecordRaw sets the raw generation count for a strategy.
func (t *Tracker) RecordRaw(strategyID string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(strategyID)
	rec.Raw = count
	rec.AfterRegime = count
}

// RecordAfterCorrelation sets the post-correlation survivor count.
func (t *Tracker) RecordAfterCorrelation(strategyID string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(strategyID).AfterCorrelation = count
}

// RecordAfterRisk sets the post-risk survivor count.
func (t *Tracker) RecordAfterRisk(strategyID string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(strategyID).AfterRisk = count
}

// RecordExecuted sets the executed count.
func (t *Tracker) RecordExecuted(strategyID string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(strategyID).Executed = count
}

// RecordRegimeSkip records a strategy that sat the run out because the
// current regime makes it ineligible: all counts zero plus one regime-stage
// rejection entry spanning the whole universe.
func (t *Tracker) RecordRegimeSkip(strategyID, regime string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(strategyID)
	rec.Rejections = append(rec.Rejections, types.RejectionEntry{
		Symbol:  "*",
		Stage:   types.StageRegime,
		Reason:  ReasonRegimeIneligible,
		Details: fmt.Sprintf("strategy not eligible in %s regime", regime),
	})
	t.log.WithFields(logger.Fields{"strategy": strategyID, "regime": regime}).Info("Strategy skipped for regime")
}

// AddRejection appends one per-signal rejection entry.
func (t *Tracker) AddRejection(strategyID string, entry types.RejectionEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(strategyID)
	rec.Rejections = append(rec.Rejections, entry)
}

// LogSignal registers a generated signal. Signals are immutable once logged
// and must later receive exactly one terminal state.
func (t *Tracker) LogSignal(sig types.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sig.ID == "" {
		return fmt.Errorf("signal for %s/%s has no id", sig.StrategyID, sig.Symbol)
	}
	if _, exists := t.signals[sig.ID]; exists {
		return fmt.Errorf("signal %s already logged", sig.ID)
	}
	t.signals[sig.ID] = sig
	return nil
}

// SetTerminal assigns a signal's terminal state. Assigning twice, assigning
// to an unlogged signal, or assigning an unknown state is a defect and is
// rejected.
func (t *Tracker) SetTerminal(signalID string, state types.TerminalState, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !state.Valid() {
		return fmt.Errorf("unknown terminal state %q", state)
	}
	if _, logged := t.signals[signalID]; !logged {
		return fmt.Errorf("terminal state for unlogged signal %s", signalID)
	}
	if prev, exists := t.outcomes[signalID]; exists {
		return fmt.Errorf("signal %s already terminal-stated as %s", signalID, prev.State)
	}
	t.outcomes[signalID] = types.SignalOutcome{
		SignalID: signalID,
		State:    state,
		Reason:   reason,
		At:       time.Now().UTC(),
	}
	return nil
}

// VerifyBijection checks that every logged signal has exactly one terminal
// state and no terminal state points at an unlogged signal. Run this at run
// end; any violation is a bookkeeping defect.
func (t *Tracker) VerifyBijection() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var missing []string
	for id := range t.signals {
		if _, ok := t.outcomes[id]; !ok {
			missing = append(missing, id)
		}
	}
	var orphaned []string
	for id := range t.outcomes {
		if _, ok := t.signals[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	if len(missing) == 0 && len(orphaned) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(orphaned)
	return fmt.Errorf("signal/terminal-state bijection violated: %d without terminal state %v, %d orphaned %v",
		len(missing), missing, len(orphaned), orphaned)
}

// VerifyMonotone checks every strategy's stage counts are non-increasing.
func (t *Tracker) VerifyMonotone() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		if rec := t.records[id]; !rec.Monotone() {
			return fmt.Errorf("funnel counts for %s are not monotone: %v", id, rec.Counts())
		}
	}
	return nil
}

// Records returns the per-strategy funnel records in registration order.
func (t *Tracker) Records() []types.FunnelRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.FunnelRecord, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.records[id])
	}
	return out
}

// Signals returns all logged signals.
func (t *Tracker) Signals() []types.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Signal, 0, len(t.signals))
	for _, sig := range t.signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Outcomes returns all terminal-state records.
func (t *Tracker) Outcomes() []types.SignalOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.SignalOutcome, 0, len(t.outcomes))
	for _, o := range t.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out
}

// PrimaryBlocker diagnoses why a zero-trade strategy traded nothing: the
// stage with the largest drop, with example symbols from its rejection
// entries. Returns nil when the strategy executed at least one trade.
func (t *Tracker) PrimaryBlocker(strategyID string) *types.PrimaryBlocker {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[strategyID]
	if !ok {
		return nil
	}
	return BlockerFor(*rec)
}

// BlockerFor runs the primary-blocker diagnosis on a standalone funnel
// record, e.g. one loaded back from the store for reporting.
func BlockerFor(rec types.FunnelRecord) *types.PrimaryBlocker {
	if rec.Executed > 0 {
		return nil
	}

	if rec.Raw == 0 {
		for _, rej := range rec.Rejections {
			if rej.Stage == types.StageRegime {
				return &types.PrimaryBlocker{
					Stage:       types.StageRegime,
					Explanation: rej.Details,
				}
			}
		}
		return &types.PrimaryBlocker{
			Stage:       types.StageRaw,
			Explanation: "strategy generated no signals",
		}
	}

	drops := []struct {
		stage types.FunnelStage
		drop  int
	}{
		{types.StageRegime, rec.Raw - rec.AfterRegime},
		{types.StageCorrelation, rec.AfterRegime - rec.AfterCorrelation},
		{types.StageRisk, rec.AfterCorrelation - rec.AfterRisk},
		{types.StageExecution, rec.AfterRisk - rec.Executed},
	}

	best := drops[0]
	for _, d := range drops[1:] {
		if d.drop > best.drop {
			best = d
		}
	}

	blocker := &types.PrimaryBlocker{
		Stage:   best.stage,
		Dropped: best.drop,
		Explanation: fmt.Sprintf("%d of %d signals dropped at %s stage",
			best.drop, rec.Raw, best.stage),
	}
	for _, rej := range rec.Rejections {
		if rej.Stage == best.stage && len(blocker.ExampleSymbols) < 3 {
			blocker.ExampleSymbols = append(blocker.ExampleSymbols, rej.Symbol)
		}
	}
	return blocker
}
