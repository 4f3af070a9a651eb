package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ducminhle1904/multi-strategy-bot/internal/safety"
)

// LoadDrawdownState returns the persisted drawdown machine state for a
// system id, or nil when the machine has never run. Implements
// safety.DrawdownStore.
func (s *Store) LoadDrawdownState(systemID string) (*safety.DrawdownRecord, error) {
	var model drawdownStateModel
	if err := s.db.Where("system_id = ?", systemID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return drawdownModelToRecord(model)
}

// SaveDrawdownState upserts the drawdown machine state.
func (s *Store) SaveDrawdownState(record *safety.DrawdownRecord) error {
	if record == nil || record.SystemID == "" {
		return fmt.Errorf("drawdown record with system id is required")
	}
	model := newDrawdownModel(record)
	return s.db.
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "system_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "peak_value", "entered_at", "cooldown_until",
				"rampup_until", "reason", "updated_at",
			}),
		}).
		Create(&model).Error
}

// LoadSystemState returns the cross-run counters for a system id, or nil
// when the system has never run.
func (s *Store) LoadSystemState(ctx context.Context, systemID string) (*SystemStateRecord, error) {
	var model systemStateModel
	if err := s.db.WithContext(ctx).Where("system_id = ?", systemID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	cash, err := parseStoredDecimal(model.Cash, "system cash")
	if err != nil {
		return nil, err
	}
	value, err := parseStoredDecimal(model.DayStartValue, "day start value")
	if err != nil {
		return nil, err
	}
	return &SystemStateRecord{
		SystemID:            model.SystemID,
		Cash:                cash,
		ConsecutiveFailures: model.ConsecutiveFailures,
		DayStartValue:       value,
		DayStartDate:        model.DayStartDate,
		OrdersSubmitted:     model.OrdersSubmitted,
		OrdersRejected:      model.OrdersRejected,
		LastRunID:           model.LastRunID,
		UpdatedAt:           millisToTime(model.UpdatedAt),
	}, nil
}

// SaveSystemState upserts the cross-run counters.
func (s *Store) SaveSystemState(ctx context.Context, rec *SystemStateRecord) error {
	if rec == nil || rec.SystemID == "" {
		return fmt.Errorf("system state with system id is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	model := systemStateModel{
		SystemID:            rec.SystemID,
		Cash:                rec.Cash.String(),
		ConsecutiveFailures: rec.ConsecutiveFailures,
		DayStartValue:       rec.DayStartValue.String(),
		DayStartDate:        rec.DayStartDate,
		OrdersSubmitted:     rec.OrdersSubmitted,
		OrdersRejected:      rec.OrdersRejected,
		LastRunID:           rec.LastRunID,
		UpdatedAt:           rec.UpdatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "system_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cash", "consecutive_failures", "day_start_value", "day_start_date",
				"orders_submitted", "orders_rejected", "last_run_id", "updated_at",
			}),
		}).
		Create(&model).Error
}
