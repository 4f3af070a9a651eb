package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// StrategyReturn is one strategy's mark-to-market daily return, recorded at
// most once per UTC date. The allocator scores strategies from the trailing
// series.
type StrategyReturn struct {
	SystemID   string    `json:"system_id"`
	StrategyID string    `json:"strategy_id"`
	Date       string    `json:"date"` // YYYY-MM-DD in UTC
	Return     float64   `json:"return"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SaveStrategyReturns upserts the day's return per strategy. Re-running
// within the same UTC date overwrites that day's value, so the series holds
// one point per day regardless of run cadence.
func (s *Store) SaveStrategyReturns(ctx context.Context, returns []StrategyReturn) error {
	if len(returns) == 0 {
		return nil
	}
	models := make([]strategyReturnModel, 0, len(returns))
	for _, r := range returns {
		models = append(models, strategyReturnModel{
			SystemID:   r.SystemID,
			StrategyID: r.StrategyID,
			Date:       r.Date,
			Return:     r.Return,
			RecordedAt: timeToMillis(r.RecordedAt),
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "system_id"}, {Name: "strategy_id"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"daily_return", "recorded_at"}),
		}).
		Create(&models).Error
}

// StrategyDailyReturns returns up to window trailing daily returns per
// strategy, oldest first. Strategies with no recorded history are absent
// from the map; the allocator equal-weights them.
func (s *Store) StrategyDailyReturns(ctx context.Context, systemID string, window int) (map[string][]float64, error) {
	if window <= 0 {
		window = 60
	}
	var models []strategyReturnModel
	err := s.db.WithContext(ctx).
		Where("system_id = ?", systemID).
		Order("date ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string][]float64)
	for _, m := range models {
		out[m.StrategyID] = append(out[m.StrategyID], m.Return)
	}
	for id, series := range out {
		if len(series) > window {
			out[id] = series[len(series)-window:]
		}
	}
	return out, nil
}
