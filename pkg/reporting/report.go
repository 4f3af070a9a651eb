// Package reporting renders run reports for operators: a console view after
// each live run and on demand, and an Excel workbook for offline review.
// Reports answer the two questions every run must be able to answer, what
// happened and, for strategies that did not trade, why not.
package reporting

import (
	"context"
	"fmt"

	"github.com/ducminhle1904/multi-strategy-bot/internal/coordinator"
	"github.com/ducminhle1904/multi-strategy-bot/internal/funnel"
	"github.com/ducminhle1904/multi-strategy-bot/internal/store"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// StoreReader is the slice of the store a report is built from.
type StoreReader interface {
	GetRun(ctx context.Context, runID string) (*store.RunRecord, error)
	ListSignals(ctx context.Context, runID string) ([]types.Signal, error)
	ListOutcomes(ctx context.Context, runID string) ([]types.SignalOutcome, error)
	ListFunnelRecords(ctx context.Context, runID string) ([]types.FunnelRecord, error)
	ListSnapshots(ctx context.Context, runID string) ([]types.ReconciliationSnapshot, error)
	CountIntentsByStatus(ctx context.Context, runID string) (map[types.IntentStatus]int, error)
}

// RunReport aggregates everything persisted about one run.
type RunReport struct {
	Run          store.RunRecord
	Signals      []types.Signal
	Outcomes     []types.SignalOutcome
	Funnel       []types.FunnelRecord
	Snapshots    []types.ReconciliationSnapshot
	IntentCounts map[types.IntentStatus]int
}

// Load builds a RunReport from the store.
func Load(ctx context.Context, reader StoreReader, runID string) (*RunReport, error) {
	run, err := reader.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	rep := &RunReport{Run: *run}
	if rep.Signals, err = reader.ListSignals(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to load signals: %w", err)
	}
	if rep.Outcomes, err = reader.ListOutcomes(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to load outcomes: %w", err)
	}
	if rep.Funnel, err = reader.ListFunnelRecords(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to load funnel records: %w", err)
	}
	if rep.Snapshots, err = reader.ListSnapshots(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	if rep.IntentCounts, err = reader.CountIntentsByStatus(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to load intent counts: %w", err)
	}
	return rep, nil
}

// FromSummary converts a live run summary into a report, so the console
// renderer serves both the post-run path and the offline path.
func FromSummary(sum *coordinator.RunSummary) *RunReport {
	rep := &RunReport{
		Run: store.RunRecord{
			RunID:      sum.RunID,
			SystemID:   sum.SystemID,
			Status:     sum.Status,
			BlockedBy:  sum.BlockedBy,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
			Notes:      sum.Notes,
		},
		Signals:  sum.Signals,
		Outcomes: sum.Outcomes,
		Funnel:   sum.Funnel,
	}
	if sum.Reconciliation != nil {
		rep.Snapshots = append(rep.Snapshots,
			sum.Reconciliation.Snapshot(sum.RunID, types.PhaseReconciliation, sum.FinishedAt))
	}
	return rep
}

// OutcomeCounts tallies terminal states across the run's signals.
func (r *RunReport) OutcomeCounts() map[types.TerminalState]int {
	counts := make(map[types.TerminalState]int)
	for _, o := range r.Outcomes {
		counts[o.State]++
	}
	return counts
}

// Blockers returns the primary blocker per zero-trade strategy.
func (r *RunReport) Blockers() map[string]*types.PrimaryBlocker {
	out := make(map[string]*types.PrimaryBlocker)
	for _, rec := range r.Funnel {
		if blocker := funnel.BlockerFor(rec); blocker != nil {
			out[rec.StrategyID] = blocker
		}
	}
	return out
}

// Discrepancies returns every discrepancy across the run's snapshots.
func (r *RunReport) Discrepancies() []types.Discrepancy {
	var out []types.Discrepancy
	for _, snap := range r.Snapshots {
		out = append(out, snap.Discrepancies...)
	}
	return out
}

// Executed returns how many signals reached EXECUTED.
func (r *RunReport) Executed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == types.TerminalExecuted {
			n++
		}
	}
	return n
}
