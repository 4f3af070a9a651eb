package safety

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// KillSwitchConfig holds the thresholds for the run-level kill conditions.
type KillSwitchConfig struct {
	DailyLossLimit         float64 `json:"daily_loss_limit"`          // fraction of day-start value
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`  // failed runs in a row
	MaxOrderRejectionRatio float64 `json:"max_order_rejection_ratio"` // rejected / submitted
	MinOrdersForRatio      int     `json:"min_orders_for_ratio"`      // ratio needs a sample floor
}

func (c *KillSwitchConfig) setDefaults() {
	if c.DailyLossLimit == 0 {
		c.DailyLossLimit = 0.03
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.MaxOrderRejectionRatio == 0 {
		c.MaxOrderRejectionRatio = 0.5
	}
	if c.MinOrdersForRatio == 0 {
		c.MinOrdersForRatio = 10
	}
}

// Validate checks the thresholds are in range.
func (c *KillSwitchConfig) Validate() error {
	if c.DailyLossLimit <= 0 || c.DailyLossLimit >= 1 {
		return fmt.Errorf("daily loss limit must be in (0, 1), got %f", c.DailyLossLimit)
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max consecutive failures must be >= 1, got %d", c.MaxConsecutiveFailures)
	}
	if c.MaxOrderRejectionRatio <= 0 || c.MaxOrderRejectionRatio > 1 {
		return fmt.Errorf("max order rejection ratio must be in (0, 1], got %f", c.MaxOrderRejectionRatio)
	}
	return nil
}

// KillSwitchInput carries the observed facts the switch evaluates. The caller
// (the run coordinator) assembles it from the store and the error stats once,
// synchronously, before any signal generation.
type KillSwitchInput struct {
	// LastReconciliation is empty when no reconciliation has ever run; the
	// first-ever run is gated by its own in-run reconciliation instead.
	LastReconciliation  types.ReconcileStatus
	DayStartValue       decimal.Decimal
	CurrentValue        decimal.Decimal
	ConsecutiveFailures int
	OrdersSubmitted     int
	OrdersRejected      int
}

// KillSwitchVerdict is the result of one evaluation. When tripped, Reasons
// holds every condition that fired, not just the first.
type KillSwitchVerdict struct {
	Tripped   bool      `json:"tripped"`
	Reasons   []string  `json:"reasons,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// KillSwitch evaluates the fixed set of run-level kill conditions and owns
// the per-strategy quarantine list.
type KillSwitch struct {
	config KillSwitchConfig
	log    *logger.Entry

	mu       sync.RWMutex
	disabled map[string]string // strategy id -> quarantine reason
}

// NewKillSwitch creates a kill switch with all strategies enabled.
func NewKillSwitch(config KillSwitchConfig) (*KillSwitch, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kill switch config: %w", err)
	}
	return &KillSwitch{
		config:   config,
		log:      logger.WithField("component", "kill_switch"),
		disabled: make(map[string]string),
	}, nil
}

// Evaluate checks every condition and returns all that fired together.
// Any single reason halts the run; the caller must not submit orders when
// the verdict is tripped.
func (k *KillSwitch) Evaluate(input KillSwitchInput) KillSwitchVerdict {
	var reasons []string

	if input.LastReconciliation != "" && input.LastReconciliation != types.ReconcilePass {
		reasons = append(reasons, fmt.Sprintf("last reconciliation status is %s, not PASS", input.LastReconciliation))
	}

	if input.DayStartValue.IsPositive() {
		loss := input.DayStartValue.Sub(input.CurrentValue).Div(input.DayStartValue).InexactFloat64()
		if loss >= k.config.DailyLossLimit {
			reasons = append(reasons, fmt.Sprintf("daily loss %.2f%% breaches limit %.2f%%",
				loss*100, k.config.DailyLossLimit*100))
		}
	}

	if input.ConsecutiveFailures >= k.config.MaxConsecutiveFailures {
		reasons = append(reasons, fmt.Sprintf("%d consecutive run failures (max %d)",
			input.ConsecutiveFailures, k.config.MaxConsecutiveFailures))
	}

	if input.OrdersSubmitted >= k.config.MinOrdersForRatio {
		ratio := float64(input.OrdersRejected) / float64(input.OrdersSubmitted)
		if ratio >= k.config.MaxOrderRejectionRatio {
			reasons = append(reasons, fmt.Sprintf("order rejection ratio %.0f%% (%d/%d) breaches limit %.0f%%",
				ratio*100, input.OrdersRejected, input.OrdersSubmitted, k.config.MaxOrderRejectionRatio*100))
		}
	}

	verdict := KillSwitchVerdict{
		Tripped:   len(reasons) > 0,
		Reasons:   reasons,
		CheckedAt: time.Now().UTC(),
	}
	if verdict.Tripped {
		k.log.WithField("reasons", strings.Join(reasons, "; ")).Error("Kill switch tripped, run halted")
	}
	return verdict
}

// DisableStrategy quarantines one strategy without touching the global
// switch; its signals are never generated until re-enabled.
func (k *KillSwitch) DisableStrategy(strategyID, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.disabled[strategyID] = reason
	k.log.WithFields(logger.Fields{"strategy": strategyID, "reason": reason}).Warn("Strategy quarantined")
}

// EnableStrategy lifts a strategy's quarantine.
func (k *KillSwitch) EnableStrategy(strategyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, was := k.disabled[strategyID]; was {
		delete(k.disabled, strategyID)
		k.log.WithField("strategy", strategyID).Info("Strategy re-enabled")
	}
}

// IsStrategyEnabled reports whether a strategy may trade. Unknown strategies
// are enabled by default.
func (k *KillSwitch) IsStrategyEnabled(strategyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, quarantined := k.disabled[strategyID]
	return !quarantined
}

// DisabledStrategies returns the quarantine list with reasons, sorted by
// strategy id.
func (k *KillSwitch) DisabledStrategies() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.disabled))
	for id, reason := range k.disabled {
		out = append(out, fmt.Sprintf("%s: %s", id, reason))
	}
	sort.Strings(out)
	return out
}
