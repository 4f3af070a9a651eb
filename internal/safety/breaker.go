package safety

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

// BreakerState represents the state of a strategy circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the thresholds for one strategy breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold"` // successes to close from half-open
	OpenTimeout      time.Duration `json:"open_timeout"`      // wait before allowing a probe
}

func (c *BreakerConfig) setDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Minute
	}
}

// StrategyBreaker shields the broker from a strategy whose submissions keep
// failing. After FailureThreshold consecutive failures the breaker opens and
// the strategy's remaining signals are rejected instead of submitted; after
// OpenTimeout a half-open probe is allowed through.
type StrategyBreaker struct {
	strategyID string
	config     BreakerConfig
	log        *logger.Entry

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	nextProbe   time.Time
}

// NewStrategyBreaker creates a closed breaker for one strategy.
func NewStrategyBreaker(strategyID string, config BreakerConfig) *StrategyBreaker {
	config.setDefaults()
	return &StrategyBreaker{
		strategyID: strategyID,
		config:     config,
		state:      BreakerClosed,
		log:        logger.WithFields(logger.Fields{"component": "circuit_breaker", "strategy": strategyID}),
	}
}

// Allow reports whether a submission may proceed right now. An open breaker
// whose timeout has elapsed moves to half-open and admits one probe.
func (b *StrategyBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if now.After(b.nextProbe) {
			b.state = BreakerHalfOpen
			b.successes = 0
			b.log.Info("Circuit breaker half-open, admitting probe")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful submission. In half-open, enough
// successes close the breaker again.
func (b *StrategyBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.successes = 0
			b.log.Info("Circuit breaker closed")
		}
	}
}

// RecordFailure notes a failed submission. A half-open failure reopens
// immediately; closed failures open once the threshold is reached.
func (b *StrategyBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = now

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.open(now)
		}
	case BreakerHalfOpen:
		b.open(now)
	case BreakerOpen:
		b.nextProbe = now.Add(b.config.OpenTimeout)
	}
}

func (b *StrategyBreaker) open(now time.Time) {
	b.state = BreakerOpen
	b.successes = 0
	b.nextProbe = now.Add(b.config.OpenTimeout)
	b.log.WithField("consecutive_failures", b.failures).Warn("Circuit breaker opened, rejecting submissions")
}

// State returns the current breaker state.
func (b *StrategyBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a point-in-time snapshot for reports.
type BreakerStats struct {
	StrategyID  string       `json:"strategy_id"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure"`
	NextProbe   time.Time    `json:"next_probe"`
}

// Stats returns a snapshot of the breaker's counters.
func (b *StrategyBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		StrategyID:  b.strategyID,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		NextProbe:   b.nextProbe,
	}
}

// BreakerSet manages one breaker per strategy, created lazily with a shared
// config.
type BreakerSet struct {
	config   BreakerConfig
	mu       sync.RWMutex
	breakers map[string]*StrategyBreaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	config.setDefaults()
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*StrategyBreaker),
	}
}

// For returns the breaker for a strategy, creating it on first use.
func (s *BreakerSet) For(strategyID string) *StrategyBreaker {
	s.mu.RLock()
	if b, ok := s.breakers[strategyID]; ok {
		s.mu.RUnlock()
		return b
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[strategyID]; ok {
		return b
	}
	b := NewStrategyBreaker(strategyID, s.config)
	s.breakers[strategyID] = b
	return b
}

// OpenStrategies returns the ids of strategies whose breakers are open.
func (s *BreakerSet) OpenStrategies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []string
	for id, b := range s.breakers {
		if b.State() == BreakerOpen {
			open = append(open, id)
		}
	}
	return open
}

// Stats returns snapshots for every breaker in the set.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make([]BreakerStats, 0, len(s.breakers))
	for _, b := range s.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
