package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus is the lifecycle stage of an order intent.
type IntentStatus string

const (
	IntentCreated   IntentStatus = "CREATED"
	IntentSubmitted IntentStatus = "SUBMITTED"
	IntentAcked     IntentStatus = "ACKED"
	IntentFilled    IntentStatus = "FILLED"
	IntentRejected  IntentStatus = "REJECTED"
)

// intentRank orders statuses so transitions can be checked for monotonicity.
// REJECTED is terminal from any live status.
var intentRank = map[IntentStatus]int{
	IntentCreated:   0,
	IntentSubmitted: 1,
	IntentAcked:     2,
	IntentFilled:    3,
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Intents never move backward, never leave FILLED, and never
// leave REJECTED.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	if s == IntentRejected || s == IntentFilled {
		return false
	}
	if next == IntentRejected {
		return true
	}
	from, okFrom := intentRank[s]
	to, okTo := intentRank[next]
	return okFrom && okTo && to > from
}

// Active reports whether the intent already owns (or may own) a live broker
// order, which makes re-submission under the same id a duplicate.
func (s IntentStatus) Active() bool {
	return s == IntentSubmitted || s == IntentAcked || s == IntentFilled
}

// OrderIntent is the deterministic, idempotent submission record for one
// would-be broker order. The ID is a stable hash of the hour bucket plus the
// order coordinates, so a logically identical order within the same bucket
// maps to the same intent and is submitted at most once.
type OrderIntent struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	TimeBucket    time.Time       `json:"time_bucket"`
	Status        IntentStatus    `json:"status"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	SignalID      string          `json:"signal_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
