// Package notifications delivers operator alerts for run outcomes that need
// a human: gate halts, aborted runs and executed-trade digests.
package notifications

// Alert levels, ordered by urgency.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Notifier defines the interface for notification services
type Notifier interface {
	// SendAlert sends an alert with the specified level and message
	SendAlert(level, message string) error
}

// Noop discards every alert. It stands in when no notifier is configured so
// callers never have to nil-check.
type Noop struct{}

// NewNoop returns a notifier that drops everything.
func NewNoop() *Noop { return &Noop{} }

func (*Noop) SendAlert(level, message string) error { return nil }
