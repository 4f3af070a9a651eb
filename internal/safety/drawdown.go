// Package safety implements the systemic trading guards: the drawdown stop
// state machine, the kill switch service, and per-strategy circuit breakers.
// All three are evaluated before orders can reach a broker and fail closed.
package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// DrawdownState represents the state of the portfolio drawdown stop.
type DrawdownState string

const (
	DrawdownNormal DrawdownState = "NORMAL"
	DrawdownRampup DrawdownState = "RAMPUP"
	DrawdownHalt   DrawdownState = "HALT"
	DrawdownPanic  DrawdownState = "PANIC"
)

// TradingAllowed reports whether orders may be submitted in this state.
func (s DrawdownState) TradingAllowed() bool {
	return s == DrawdownNormal || s == DrawdownRampup
}

// DrawdownConfig holds the drawdown stop thresholds and windows.
type DrawdownConfig struct {
	SystemID         string        `json:"system_id"`
	HaltThreshold    float64       `json:"halt_threshold"`    // drawdown fraction that halts trading
	PanicThreshold   float64       `json:"panic_threshold"`   // drawdown fraction that panics
	Cooldown         time.Duration `json:"cooldown"`          // no-trading window after a breach
	RampupWindow     time.Duration `json:"rampup_window"`     // reduced-size window after resume
	RampupMultiplier float64       `json:"rampup_multiplier"` // sizing multiplier during rampup
}

func (c *DrawdownConfig) setDefaults() {
	if c.SystemID == "" {
		c.SystemID = "multi-strategy-bot"
	}
	if c.HaltThreshold == 0 {
		c.HaltThreshold = 0.08
	}
	if c.PanicThreshold == 0 {
		c.PanicThreshold = 0.10
	}
	if c.Cooldown == 0 {
		c.Cooldown = 10 * 24 * time.Hour
	}
	if c.RampupWindow == 0 {
		c.RampupWindow = 3 * 24 * time.Hour
	}
	if c.RampupMultiplier == 0 {
		c.RampupMultiplier = 0.5
	}
}

// Validate checks threshold ordering and ranges.
func (c *DrawdownConfig) Validate() error {
	if c.HaltThreshold <= 0 || c.HaltThreshold >= 1 {
		return fmt.Errorf("halt threshold must be in (0, 1), got %f", c.HaltThreshold)
	}
	if c.PanicThreshold <= c.HaltThreshold || c.PanicThreshold >= 1 {
		return fmt.Errorf("panic threshold must be in (halt, 1), got %f", c.PanicThreshold)
	}
	if c.RampupMultiplier <= 0 || c.RampupMultiplier > 1 {
		return fmt.Errorf("rampup multiplier must be in (0, 1], got %f", c.RampupMultiplier)
	}
	return nil
}

// DrawdownRecord is the externally persisted state of the machine, keyed by
// system id so it survives process restarts.
type DrawdownRecord struct {
	SystemID      string          `json:"system_id"`
	State         DrawdownState   `json:"state"`
	PeakValue     decimal.Decimal `json:"peak_value"`
	EnteredAt     time.Time       `json:"entered_at"`
	CooldownUntil time.Time       `json:"cooldown_until"`
	RampupUntil   time.Time       `json:"rampup_until"`
	Reason        string          `json:"reason"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DrawdownStore persists drawdown records across restarts.
type DrawdownStore interface {
	// LoadDrawdownState returns nil when no record exists for the system id.
	LoadDrawdownState(systemID string) (*DrawdownRecord, error)
	SaveDrawdownState(record *DrawdownRecord) error
}

// HealthReport is the bundle of checks that must all pass before a halted
// system may resume into rampup.
type HealthReport struct {
	ReconciliationPass bool     `json:"reconciliation_pass"`
	DataFresh          bool     `json:"data_fresh"`
	DuplicateRateOK    bool     `json:"duplicate_rate_ok"`
	Details            []string `json:"details,omitempty"`
}

// Healthy reports whether every check passed.
func (h HealthReport) Healthy() bool {
	return h.ReconciliationPass && h.DataFresh && h.DuplicateRateOK
}

// DrawdownStop is the portfolio-level circuit breaker. It tracks the peak
// portfolio value, halts trading when drawdown from the peak breaches the
// configured thresholds, and walks the halt → rampup → normal recovery path.
type DrawdownStop struct {
	config DrawdownConfig
	store  DrawdownStore
	log    *logger.Entry

	mu     sync.Mutex
	record DrawdownRecord
}

// NewDrawdownStop loads any persisted state for the configured system id and
// returns a ready machine. A missing record starts the machine in NORMAL.
func NewDrawdownStop(config DrawdownConfig, store DrawdownStore) (*DrawdownStop, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid drawdown config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("drawdown store is required")
	}

	d := &DrawdownStop{
		config: config,
		store:  store,
		log:    logger.WithField("component", "drawdown_stop"),
	}

	persisted, err := store.LoadDrawdownState(config.SystemID)
	if err != nil {
		return nil, fmt.Errorf("load drawdown state: %w", err)
	}
	if persisted != nil {
		d.record = *persisted
		d.log.WithFields(logger.Fields{
			"state": persisted.State,
			"peak":  persisted.PeakValue.StringFixed(2),
		}).Info("Restored drawdown state")
	} else {
		d.record = DrawdownRecord{
			SystemID:  config.SystemID,
			State:     DrawdownNormal,
			EnteredAt: time.Now().UTC(),
		}
	}
	return d, nil
}

// Evaluate updates the machine with the current portfolio value. In NORMAL it
// advances the peak and checks for breaches; in RAMPUP it checks for fresh
// breaches against the rebased peak and for window expiry. HALT and PANIC only
// move through TryResume.
func (d *DrawdownStop) Evaluate(totalValue decimal.Decimal, now time.Time) (DrawdownState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false

	switch d.record.State {
	case DrawdownNormal, DrawdownRampup:
		if totalValue.GreaterThan(d.record.PeakValue) {
			d.record.PeakValue = totalValue
			changed = true
		}
		dd := drawdownFraction(d.record.PeakValue, totalValue)
		switch {
		case dd >= d.config.PanicThreshold:
			d.enterStop(DrawdownPanic, dd, now)
			changed = true
		case dd >= d.config.HaltThreshold:
			d.enterStop(DrawdownHalt, dd, now)
			changed = true
		case d.record.State == DrawdownRampup && now.After(d.record.RampupUntil):
			d.record.State = DrawdownNormal
			d.record.EnteredAt = now
			d.record.Reason = "rampup window elapsed"
			changed = true
			d.log.Info("Rampup complete, sizing restored to normal")
		}

	case DrawdownHalt, DrawdownPanic:
		// Blocked; recovery only through TryResume.
	}

	if changed {
		d.record.UpdatedAt = now
		if err := d.store.SaveDrawdownState(&d.record); err != nil {
			// The in-memory transition stands either way; a blocked system
			// must stay blocked even when persistence is struggling.
			return d.record.State, fmt.Errorf("persist drawdown state: %w", err)
		}
	}
	return d.record.State, nil
}

// enterStop transitions into HALT or PANIC with a fresh cooldown. Callers
// hold the mutex.
func (d *DrawdownStop) enterStop(state DrawdownState, dd float64, now time.Time) {
	d.record.State = state
	d.record.EnteredAt = now
	d.record.CooldownUntil = now.Add(d.config.Cooldown)
	d.record.Reason = fmt.Sprintf("drawdown %.2f%% from peak %s", dd*100, d.record.PeakValue.StringFixed(2))

	fields := logger.Fields{
		"drawdown_pct":   fmt.Sprintf("%.2f", dd*100),
		"peak":           d.record.PeakValue.StringFixed(2),
		"cooldown_until": d.record.CooldownUntil.Format(time.RFC3339),
	}
	if state == DrawdownPanic {
		d.log.WithFields(fields).Error("PANIC: severe drawdown breach, all trading stopped")
	} else {
		d.log.WithFields(fields).Warn("HALT: drawdown breach, trading stopped for cooldown")
	}
}

// TryResume attempts the HALT/PANIC → RAMPUP transition. It requires the
// cooldown to have elapsed and the full health bundle to pass. On resume the
// peak is rebased to the current portfolio value so RAMPUP measures fresh
// damage rather than the old wound.
func (d *DrawdownStop) TryResume(totalValue decimal.Decimal, now time.Time, health HealthReport) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.record.State != DrawdownHalt && d.record.State != DrawdownPanic {
		return false, nil
	}
	if now.Before(d.record.CooldownUntil) {
		d.log.WithField("cooldown_until", d.record.CooldownUntil.Format(time.RFC3339)).
			Debug("Drawdown cooldown still active")
		return false, nil
	}
	if !health.Healthy() {
		d.log.WithField("details", health.Details).Warn("Health checks failed, staying halted")
		return false, nil
	}

	d.record.State = DrawdownRampup
	d.record.EnteredAt = now
	d.record.PeakValue = totalValue
	d.record.RampupUntil = now.Add(d.config.RampupWindow)
	d.record.Reason = "cooldown elapsed, health checks passed"
	d.record.UpdatedAt = now

	if err := d.store.SaveDrawdownState(&d.record); err != nil {
		return true, fmt.Errorf("persist drawdown state: %w", err)
	}
	d.log.WithFields(logger.Fields{
		"rampup_until": d.record.RampupUntil.Format(time.RFC3339),
		"multiplier":   d.config.RampupMultiplier,
	}).Warn("Resuming trading in RAMPUP at reduced size")
	return true, nil
}

// State returns the current machine state.
func (d *DrawdownStop) State() DrawdownState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record.State
}

// IsTradingAllowed reports whether orders may be submitted right now.
func (d *DrawdownStop) IsTradingAllowed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record.State.TradingAllowed()
}

// SizingMultiplier returns the position-sizing multiplier the current state
// imposes: 1.0 in NORMAL, the rampup multiplier in RAMPUP, 0 when halted.
func (d *DrawdownStop) SizingMultiplier() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.record.State {
	case DrawdownNormal:
		return 1.0
	case DrawdownRampup:
		return d.config.RampupMultiplier
	default:
		return 0
	}
}

// Drawdown returns the current drawdown fraction from the tracked peak.
func (d *DrawdownStop) Drawdown(totalValue decimal.Decimal) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return drawdownFraction(d.record.PeakValue, totalValue)
}

// Record returns a copy of the persisted state for reports and alerts.
func (d *DrawdownStop) Record() DrawdownRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record
}

func drawdownFraction(peak, current decimal.Decimal) float64 {
	if !peak.IsPositive() || current.GreaterThanOrEqual(peak) {
		return 0
	}
	return peak.Sub(current).Div(peak).InexactFloat64()
}
