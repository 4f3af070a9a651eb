package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// SaveSnapshot appends one reconciliation snapshot. Snapshots are written at
// START, RECONCILIATION and END of every run, including aborted ones.
func (s *Store) SaveSnapshot(ctx context.Context, snap types.ReconciliationSnapshot) error {
	model, err := newSnapshotModel(snap)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListSnapshots returns a run's snapshots in the order they were taken.
func (s *Store) ListSnapshots(ctx context.Context, runID string) ([]types.ReconciliationSnapshot, error) {
	var models []reconciliationSnapshotModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("taken_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.ReconciliationSnapshot, 0, len(models))
	for _, m := range models {
		snap, err := snapshotModelToRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// LastReconciliationStatus returns the status of the most recent
// RECONCILIATION-phase snapshot across all runs, or empty when none exists
// yet. The kill switch reads this before every run.
func (s *Store) LastReconciliationStatus(ctx context.Context) (types.ReconcileStatus, error) {
	var model reconciliationSnapshotModel
	err := s.db.WithContext(ctx).
		Where("phase = ?", string(types.PhaseReconciliation)).
		Order("taken_at DESC, id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return types.ReconcileStatus(model.Status), nil
}
