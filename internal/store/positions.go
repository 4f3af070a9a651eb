package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// ReplacePositions atomically swaps the full position table for the given
// set, inside one transaction. The ledger is the in-run authority; this
// persists its end-of-run view so the next run rebuilds from it.
func (s *Store) ReplacePositions(ctx context.Context, positions []types.Position) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&positionModel{}).Error; err != nil {
			return err
		}
		if len(positions) == 0 {
			return nil
		}
		models := make([]positionModel, 0, len(positions))
		for _, pos := range positions {
			models = append(models, newPositionModel(pos))
		}
		return tx.Create(&models).Error
	})
}

// LoadPositions returns every persisted position.
func (s *Store) LoadPositions(ctx context.Context) ([]types.Position, error) {
	var models []positionModel
	if err := s.db.WithContext(ctx).Order("strategy_id ASC, symbol ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(models))
	for _, m := range models {
		pos, err := positionModelToRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}
