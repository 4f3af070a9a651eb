package errors

import (
	"fmt"
	"strings"
)

// HaltGate names which hard gate stopped a run.
type HaltGate string

const (
	GateKillSwitch     HaltGate = "KILL_SWITCH"
	GateDrawdown       HaltGate = "DRAWDOWN"
	GateDataQuality    HaltGate = "DATA_QUALITY"
	GateReconciliation HaltGate = "RECONCILIATION"
)

// RunHalt is the typed abort value for systemic gate failures. It is a
// distinct type from BotError so per-signal error handling can never swallow
// it: the coordinator checks for it explicitly with AsRunHalt and stops
// submitting orders for the rest of the run.
type RunHalt struct {
	Gate    HaltGate
	Reasons []string
}

func (h *RunHalt) Error() string {
	return fmt.Sprintf("run halted by %s gate: %s", h.Gate, strings.Join(h.Reasons, "; "))
}

// NewRunHalt creates a halt for the given gate with one or more reasons. All
// reasons are carried together so operators see every tripped condition, not
// just the first.
func NewRunHalt(gate HaltGate, reasons ...string) *RunHalt {
	return &RunHalt{Gate: gate, Reasons: reasons}
}

// AsRunHalt extracts a RunHalt from an error chain, or returns nil.
func AsRunHalt(err error) *RunHalt {
	for err != nil {
		if h, ok := err.(*RunHalt); ok {
			return h
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}
