package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TerminalState is the final, immutable classification of a signal's outcome.
// Every logged signal must reach exactly one terminal state before run end.
type TerminalState string

const (
	TerminalExecuted                 TerminalState = "EXECUTED"
	TerminalFiltered                 TerminalState = "FILTERED"
	TerminalRejectedByCorrelation    TerminalState = "REJECTED_BY_CORRELATION"
	TerminalRejectedByHeat           TerminalState = "REJECTED_BY_HEAT"
	TerminalRejectedByCircuitBreaker TerminalState = "REJECTED_BY_CIRCUIT_BREAKER"
	TerminalRejectedBySizing         TerminalState = "REJECTED_BY_SIZING"
	TerminalRejectedByBroker         TerminalState = "REJECTED_BY_BROKER"
)

// AllTerminalStates lists every terminal state, used by exhaustiveness checks
// and report legends.
var AllTerminalStates = []TerminalState{
	TerminalExecuted,
	TerminalFiltered,
	TerminalRejectedByCorrelation,
	TerminalRejectedByHeat,
	TerminalRejectedByCircuitBreaker,
	TerminalRejectedBySizing,
	TerminalRejectedByBroker,
}

// Valid reports whether the state is a member of the closed terminal set.
func (t TerminalState) Valid() bool {
	for _, s := range AllTerminalStates {
		if t == s {
			return true
		}
	}
	return false
}

// Signal is one trade proposal produced by a strategy for a run. Signals are
// immutable once logged; downstream stages express their verdicts through
// the size multiplier and the terminal state, never by editing the signal.
type Signal struct {
	ID          string          `json:"id"`
	StrategyID  string          `json:"strategy_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	QuotedPrice decimal.Decimal `json:"quoted_price"`
	Confidence  float64         `json:"confidence"`
	Reasoning   string          `json:"reasoning"`
	AsOf        time.Time       `json:"as_of"`
	ATR         *float64        `json:"atr,omitempty"`

	// SizeMultiplier is 1.0 unless the correlation filter attenuated the
	// signal; always in (0, 1].
	SizeMultiplier float64 `json:"size_multiplier"`
}

// Notional returns quoted price times quantity.
func (s *Signal) Notional() decimal.Decimal {
	return s.QuotedPrice.Mul(s.Quantity)
}

// EffectiveQuantity applies the size multiplier (and any further sizing
// multiplier, e.g. rampup) to the signal's quantity.
func (s *Signal) EffectiveQuantity(sizingMultiplier float64) decimal.Decimal {
	mult := s.SizeMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	return s.Quantity.Mul(decimal.NewFromFloat(mult * sizingMultiplier))
}

func (s *Signal) String() string {
	return fmt.Sprintf("%s %s %s qty=%s @ %s (conf=%.2f)",
		s.StrategyID, s.Side, s.Symbol, s.Quantity.String(), s.QuotedPrice.String(), s.Confidence)
}

// SignalOutcome pairs a logged signal with its terminal state for
// bookkeeping and reports.
type SignalOutcome struct {
	SignalID string        `json:"signal_id"`
	State    TerminalState `json:"state"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}
