// Package allocation redistributes total capital across strategies from
// trailing performance. Allocation runs once per run, before any signal
// generation, and already-held exposure is subtracted so a strategy never
// appears to have negative available capital.
package allocation

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Config holds the allocator parameters.
type Config struct {
	// Window is the trailing daily-return window. Default 60.
	Window int `json:"window"`
	// MinHistory is the minimum number of returns required to score a
	// strategy; below it the strategy defaults to its equal-weight share.
	// Default 20.
	MinHistory int `json:"min_history"`
	// FloorWeight is the minimum allocation weight per strategy, so no
	// strategy is ever driven to exactly zero. Default 0.05.
	FloorWeight float64 `json:"floor_weight"`
	// CeilingWeight is the maximum allocation weight per strategy, so no
	// strategy dominates. Default 0.40.
	CeilingWeight float64 `json:"ceiling_weight"`
	// VolatilityFloor guards the score denominator for near-constant
	// return streams. Default 1e-4.
	VolatilityFloor float64 `json:"volatility_floor"`
}

// DefaultConfig returns the allocator defaults.
func DefaultConfig() Config {
	return Config{
		Window:          60,
		MinHistory:      20,
		FloorWeight:     0.05,
		CeilingWeight:   0.40,
		VolatilityFloor: 1e-4,
	}
}

func (c *Config) setDefaults() {
	if c.Window <= 0 {
		c.Window = 60
	}
	if c.MinHistory <= 0 {
		c.MinHistory = 20
	}
	if c.FloorWeight <= 0 {
		c.FloorWeight = 0.05
	}
	if c.CeilingWeight <= 0 {
		c.CeilingWeight = 0.40
	}
	if c.VolatilityFloor <= 0 {
		c.VolatilityFloor = 1e-4
	}
}

// Validate rejects impossible bound combinations.
func (c *Config) Validate() error {
	if c.FloorWeight >= c.CeilingWeight {
		return fmt.Errorf("floor weight %v must be below ceiling weight %v", c.FloorWeight, c.CeilingWeight)
	}
	if c.CeilingWeight > 1 {
		return fmt.Errorf("ceiling weight %v must not exceed 1", c.CeilingWeight)
	}
	return nil
}

// Allocation is the per-strategy result of one allocation pass.
type Allocation struct {
	StrategyID       string          `json:"strategy_id"`
	Score            float64         `json:"score"`
	Weight           float64         `json:"weight"`
	TargetCapital    decimal.Decimal `json:"target_capital"`
	HeldExposure     decimal.Decimal `json:"held_exposure"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	EqualWeighted    bool            `json:"equal_weighted"`
}

// Allocator computes capital targets from trailing returns.
type Allocator struct {
	config Config
	log    *logger.Entry
}

// NewAllocator creates a capital allocator.
func NewAllocator(config Config) *Allocator {
	config.setDefaults()
	return &Allocator{
		config: config,
		log:    logger.WithField("component", "allocation"),
	}
}

// Allocate scores each active strategy from its trailing daily returns,
// normalizes to weights inside the [floor, ceiling] band, and converts
// weights into capital targets against the portfolio's total value.
// Strategies with insufficient history receive their equal-weight share.
func (a *Allocator) Allocate(
	totalValue decimal.Decimal,
	returns map[string][]float64,
	heldExposure map[string]decimal.Decimal,
	active []string,
) (map[string]*Allocation, error) {
	if len(active) == 0 {
		return map[string]*Allocation{}, nil
	}
	if totalValue.Sign() < 0 {
		return nil, fmt.Errorf("total value must not be negative, got %s", totalValue)
	}

	n := len(active)
	floor, ceiling := a.effectiveBounds(n)

	scores := make(map[string]float64, n)
	equalWeighted := make(map[string]bool, n)
	for _, id := range active {
		hist := trailing(returns[id], a.config.Window)
		if len(hist) < a.config.MinHistory {
			equalWeighted[id] = true
			continue
		}
		scores[id] = a.score(hist)
	}

	weights := a.normalize(active, scores, equalWeighted)
	clampWeights(weights, floor, ceiling)

	result := make(map[string]*Allocation, n)
	for _, id := range active {
		weight := weights[id]
		target := totalValue.Mul(decimal.NewFromFloat(weight))
		held := heldExposure[id]
		available := target.Sub(held)
		if available.Sign() < 0 {
			available = decimal.Zero
		}
		result[id] = &Allocation{
			StrategyID:       id,
			Score:            scores[id],
			Weight:           weight,
			TargetCapital:    target,
			HeldExposure:     held,
			AvailableCapital: available,
			EqualWeighted:    equalWeighted[id],
		}
	}

	a.log.WithField("weights", weights).Info("capital allocated across strategies")
	return result, nil
}

// effectiveBounds relaxes infeasible floor/ceiling pairs toward the
// equal-weight point so the weights can still sum to one.
func (a *Allocator) effectiveBounds(n int) (float64, float64) {
	floor, ceiling := a.config.FloorWeight, a.config.CeilingWeight
	equal := 1.0 / float64(n)
	if floor*float64(n) > 1 {
		a.log.WithFields(logger.Fields{"floor": floor, "strategies": n}).
			Warn("floor weight infeasible, relaxing to equal weight")
		floor = equal
	}
	if ceiling*float64(n) < 1 {
		a.log.WithFields(logger.Fields{"ceiling": ceiling, "strategies": n}).
			Warn("ceiling weight infeasible, relaxing to equal weight")
		ceiling = equal
	}
	return floor, ceiling
}

// score is mean return over volatility, floored so a poor strategy keeps a
// small positive score rather than dropping out entirely.
func (a *Allocator) score(hist []float64) float64 {
	mean := 0.0
	for _, r := range hist {
		mean += r
	}
	mean /= float64(len(hist))

	variance := 0.0
	for _, r := range hist {
		variance += (r - mean) * (r - mean)
	}
	vol := math.Sqrt(variance / float64(len(hist)))
	if vol < a.config.VolatilityFloor {
		vol = a.config.VolatilityFloor
	}

	score := mean / vol
	if score < 0.01 {
		score = 0.01
	}
	return score
}

// normalize hands each equal-weighted strategy exactly 1/n and splits the
// remaining mass across scored strategies proportionally.
func (a *Allocator) normalize(active []string, scores map[string]float64, equalWeighted map[string]bool) map[string]float64 {
	n := float64(len(active))
	weights := make(map[string]float64, len(active))

	scoreSum := 0.0
	scored := 0
	for id, s := range scores {
		if !equalWeighted[id] {
			scoreSum += s
			scored++
		}
	}

	if scored == 0 {
		for _, id := range active {
			weights[id] = 1 / n
		}
		return weights
	}

	scoredMass := float64(scored) / n
	for _, id := range active {
		if equalWeighted[id] {
			weights[id] = 1 / n
		} else {
			weights[id] = scoredMass * scores[id] / scoreSum
		}
	}
	return weights
}

// clampWeights pins weights that fall outside [floor, ceiling] and rescales
// the rest until every weight is in band and the total is one.
func clampWeights(weights map[string]float64, floor, ceiling float64) {
	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pinned := make(map[string]bool, len(weights))
	for iter := 0; iter <= len(weights); iter++ {
		free := 1.0
		sumFree := 0.0
		for _, id := range ids {
			if pinned[id] {
				free -= weights[id]
			} else {
				sumFree += weights[id]
			}
		}

		unpinned := len(weights) - len(pinned)
		if unpinned == 0 {
			break
		}
		if sumFree <= 0 {
			for _, id := range ids {
				if !pinned[id] {
					weights[id] = free / float64(unpinned)
				}
			}
		} else {
			scale := free / sumFree
			for _, id := range ids {
				if !pinned[id] {
					weights[id] *= scale
				}
			}
		}

		changed := false
		for _, id := range ids {
			if pinned[id] {
				continue
			}
			if weights[id] < floor {
				weights[id] = floor
				pinned[id] = true
				changed = true
			} else if weights[id] > ceiling {
				weights[id] = ceiling
				pinned[id] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}
}

// trailing returns the most recent n values.
func trailing(vals []float64, n int) []float64 {
	if n > 0 && len(vals) > n {
		return vals[len(vals)-n:]
	}
	return vals
}
