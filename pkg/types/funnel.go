package types

import "time"

// FunnelStage is one of the ordered filtering stages a signal passes through
// between generation and execution.
type FunnelStage string

const (
	StageRaw         FunnelStage = "raw"
	StageRegime      FunnelStage = "regime"
	StageCorrelation FunnelStage = "correlation"
	StageRisk        FunnelStage = "risk"
	StageExecution   FunnelStage = "execution"
)

// FunnelStages lists the stages in pipeline order.
var FunnelStages = []FunnelStage{StageRaw, StageRegime, StageCorrelation, StageRisk, StageExecution}

// RejectionEntry records one signal dropped at one funnel stage, with a
// machine-readable reason code and free-form details for operators.
type RejectionEntry struct {
	Symbol  string      `json:"symbol"`
	Stage   FunnelStage `json:"stage"`
	Reason  string      `json:"reason"`
	Details string      `json:"details,omitempty"`
}

// FunnelRecord holds the per-(run, strategy) stage counts and rejection
// entries. Counts are monotonically non-increasing from raw through executed.
type FunnelRecord struct {
	RunID            string           `json:"run_id"`
	StrategyID       string           `json:"strategy_id"`
	Raw              int              `json:"raw"`
	AfterRegime      int              `json:"after_regime"`
	AfterCorrelation int              `json:"after_correlation"`
	AfterRisk        int              `json:"after_risk"`
	Executed         int              `json:"executed"`
	Rejections       []RejectionEntry `json:"rejections,omitempty"`
	RecordedAt       time.Time        `json:"recorded_at"`
}

// Counts returns the stage counts in pipeline order.
func (f *FunnelRecord) Counts() []int {
	return []int{f.Raw, f.AfterRegime, f.AfterCorrelation, f.AfterRisk, f.Executed}
}

// Monotone reports whether raw >= after_regime >= after_correlation >=
// after_risk >= executed.
func (f *FunnelRecord) Monotone() bool {
	counts := f.Counts()
	for i := 1; i < len(counts); i++ {
		if counts[i] > counts[i-1] {
			return false
		}
	}
	return true
}

// PrimaryBlocker names the stage that dropped the most signals for a
// zero-trade strategy, with example symbols for the operator report.
type PrimaryBlocker struct {
	Stage          FunnelStage `json:"stage"`
	Dropped        int         `json:"dropped"`
	ExampleSymbols []string    `json:"example_symbols,omitempty"`
	Explanation    string      `json:"explanation"`
}
