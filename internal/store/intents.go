package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// GetIntent returns the intent with the given id, or nil when absent.
func (s *Store) GetIntent(ctx context.Context, id string) (*types.OrderIntent, error) {
	var model orderIntentModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return intentModelToRecord(model)
}

// SaveIntent inserts a new intent record. The id is the deterministic hash
// of the intent's bucket and coordinates; a second insert under the same id
// fails, which is exactly the at-most-once property the id exists for.
func (s *Store) SaveIntent(ctx context.Context, intent *types.OrderIntent) error {
	if intent == nil || intent.ID == "" {
		return fmt.Errorf("intent with id is required")
	}
	model := newIntentModel(intent)
	return s.db.WithContext(ctx).Create(&model).Error
}

// UpdateIntent persists a status transition for an existing intent.
func (s *Store) UpdateIntent(ctx context.Context, intent *types.OrderIntent) error {
	if intent == nil || intent.ID == "" {
		return fmt.Errorf("intent with id is required")
	}
	model := newIntentModel(intent)
	res := s.db.WithContext(ctx).Model(&orderIntentModel{}).
		Where("id = ?", intent.ID).
		Updates(map[string]interface{}{
			"status":          model.Status,
			"broker_order_id": model.BrokerOrderID,
			"signal_id":       model.SignalID,
			"run_id":          model.RunID,
			"updated_at":      model.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountIntentsByStatus returns how many intents reached each status within a
// run, feeding the kill switch's rejection-ratio condition.
func (s *Store) CountIntentsByStatus(ctx context.Context, runID string) (map[types.IntentStatus]int, error) {
	type row struct {
		Status string
		N      int
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&orderIntentModel{}).
		Select("status, COUNT(*) AS n").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.IntentStatus]int, len(rows))
	for _, r := range rows {
		out[types.IntentStatus(r.Status)] = r.N
	}
	return out, nil
}
