package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotPhase marks when in a run a reconciliation snapshot was taken.
type SnapshotPhase string

const (
	PhaseStart          SnapshotPhase = "START"
	PhaseReconciliation SnapshotPhase = "RECONCILIATION"
	PhaseEnd            SnapshotPhase = "END"
)

// ReconcileStatus is the outcome of a reconciliation comparison.
type ReconcileStatus string

const (
	ReconcilePass ReconcileStatus = "PASS"
	ReconcileFail ReconcileStatus = "FAIL"
)

// Discrepancy is one local-vs-broker divergence beyond tolerance.
type Discrepancy struct {
	Field  string          `json:"field"`
	Symbol string          `json:"symbol,omitempty"`
	Local  decimal.Decimal `json:"local"`
	Broker decimal.Decimal `json:"broker"`
	Delta  decimal.Decimal `json:"delta"`
	Detail string          `json:"detail,omitempty"`
}

// BrokerView is the broker-reported side of a reconciliation comparison.
type BrokerView struct {
	Cash      decimal.Decimal            `json:"cash"`
	Positions map[string]decimal.Decimal `json:"positions"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// LocalView is the locally-computed side, built from authoritative records.
type LocalView struct {
	Cash      decimal.Decimal            `json:"cash"`
	Positions map[string]decimal.Decimal `json:"positions"`
}

// ReconciliationSnapshot is persisted at START, RECONCILIATION and END of
// every run, including failure and exception paths, so each run is auditable
// regardless of outcome.
type ReconciliationSnapshot struct {
	RunID         string          `json:"run_id"`
	Phase         SnapshotPhase   `json:"phase"`
	Status        ReconcileStatus `json:"status"`
	Local         LocalView       `json:"local"`
	Broker        BrokerView      `json:"broker"`
	Discrepancies []Discrepancy   `json:"discrepancies,omitempty"`
	TakenAt       time.Time       `json:"taken_at"`
}
