package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// CreateRun inserts the header row for a starting run.
func (s *Store) CreateRun(ctx context.Context, rec RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if rec.Status == "" {
		rec.Status = RunRunning
	}
	model := runModel{
		RunID:     rec.RunID,
		SystemID:  rec.SystemID,
		Status:    string(rec.Status),
		BlockedBy: rec.BlockedBy,
		StartedAt: timeToMillis(rec.StartedAt),
		Notes:     rec.Notes,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// FinishRun stamps a run's final status, the gate that blocked it (empty
// when trading proceeded) and the finish time.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, blockedBy, notes string, finishedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&runModel{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"status":      string(status),
			"blocked_by":  blockedBy,
			"notes":       notes,
			"finished_at": timeToMillis(finishedAt),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetRun returns a run header, or nil when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var model runModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &RunRecord{
		RunID:      model.RunID,
		SystemID:   model.SystemID,
		Status:     RunStatus(model.Status),
		BlockedBy:  model.BlockedBy,
		StartedAt:  millisToTime(model.StartedAt),
		FinishedAt: millisToTime(model.FinishedAt),
		Notes:      model.Notes,
	}, nil
}

// LatestRun returns the most recently started run, or nil when no run has
// ever been recorded.
func (s *Store) LatestRun(ctx context.Context) (*RunRecord, error) {
	var model runModel
	if err := s.db.WithContext(ctx).Order("started_at DESC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &RunRecord{
		RunID:      model.RunID,
		SystemID:   model.SystemID,
		Status:     RunStatus(model.Status),
		BlockedBy:  model.BlockedBy,
		StartedAt:  millisToTime(model.StartedAt),
		FinishedAt: millisToTime(model.FinishedAt),
		Notes:      model.Notes,
	}, nil
}

// ListRuns returns the most recent limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(models))
	for _, m := range models {
		out = append(out, RunRecord{
			RunID:      m.RunID,
			SystemID:   m.SystemID,
			Status:     RunStatus(m.Status),
			BlockedBy:  m.BlockedBy,
			StartedAt:  millisToTime(m.StartedAt),
			FinishedAt: millisToTime(m.FinishedAt),
			Notes:      m.Notes,
		})
	}
	return out, nil
}

// SaveSignals appends a run's logged signals. Signal ids are globally unique
// hashes, so inserting the same signal twice is a defect and fails.
func (s *Store) SaveSignals(ctx context.Context, runID string, signals []types.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	models := make([]signalModel, 0, len(signals))
	for _, sig := range signals {
		models = append(models, newSignalModel(runID, sig))
	}
	return s.db.WithContext(ctx).Create(&models).Error
}

// ListSignals returns the signals logged for a run.
func (s *Store) ListSignals(ctx context.Context, runID string) ([]types.Signal, error) {
	var models []signalModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Signal, 0, len(models))
	for _, m := range models {
		sig, err := signalModelToRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// SaveOutcomes appends the terminal-state records for a run's signals.
func (s *Store) SaveOutcomes(ctx context.Context, runID string, outcomes []types.SignalOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	models := make([]signalOutcomeModel, 0, len(outcomes))
	for _, o := range outcomes {
		models = append(models, signalOutcomeModel{
			SignalID: o.SignalID,
			RunID:    runID,
			State:    string(o.State),
			Reason:   o.Reason,
			At:       timeToMillis(o.At),
		})
	}
	return s.db.WithContext(ctx).Create(&models).Error
}

// ListOutcomes returns the terminal-state records for a run.
func (s *Store) ListOutcomes(ctx context.Context, runID string) ([]types.SignalOutcome, error) {
	var models []signalOutcomeModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("at ASC, signal_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.SignalOutcome, 0, len(models))
	for _, m := range models {
		out = append(out, types.SignalOutcome{
			SignalID: m.SignalID,
			State:    types.TerminalState(m.State),
			Reason:   m.Reason,
			At:       millisToTime(m.At),
		})
	}
	return out, nil
}

// SaveFunnelRecords upserts the per-strategy funnel records for a run.
func (s *Store) SaveFunnelRecords(ctx context.Context, records []types.FunnelRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]funnelRecordModel, 0, len(records))
	for _, rec := range records {
		model, err := newFunnelModel(rec)
		if err != nil {
			return err
		}
		models = append(models, model)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "run_id"}, {Name: "strategy_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"raw", "after_regime", "after_correlation", "after_risk",
				"executed", "rejections", "recorded_at",
			}),
		}).
		Create(&models).Error
}

// ListFunnelRecords returns the funnel records for a run.
func (s *Store) ListFunnelRecords(ctx context.Context, runID string) ([]types.FunnelRecord, error) {
	var models []funnelRecordModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("strategy_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.FunnelRecord, 0, len(models))
	for _, m := range models {
		rec, err := funnelModelToRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
