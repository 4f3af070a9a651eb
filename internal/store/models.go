package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/ducminhle1904/multi-strategy-bot/internal/safety"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// RunStatus is the lifecycle state of a persisted run record.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunAborted   RunStatus = "ABORTED"
)

// RunRecord is the durable header row for one trading run. BlockedBy names
// the gate that halted the run, empty when trading proceeded.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	SystemID   string    `json:"system_id"`
	Status     RunStatus `json:"status"`
	BlockedBy  string    `json:"blocked_by,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// SystemStateRecord carries the authoritative cross-run state: the local
// cash balance the reconciliation gate compares against the broker, the
// consecutive-failure streak and day counters the kill switch reads.
type SystemStateRecord struct {
	SystemID            string          `json:"system_id"`
	Cash                decimal.Decimal `json:"cash"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	DayStartValue       decimal.Decimal `json:"day_start_value"`
	DayStartDate        string          `json:"day_start_date"`   // YYYY-MM-DD in UTC
	OrdersSubmitted     int             `json:"orders_submitted"` // reset on day roll
	OrdersRejected      int             `json:"orders_rejected"`  // reset on day roll
	LastRunID           string          `json:"last_run_id,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type runModel struct {
	RunID      string `gorm:"column:run_id;primaryKey"`
	SystemID   string `gorm:"column:system_id;index"`
	Status     string `gorm:"column:status"`
	BlockedBy  string `gorm:"column:blocked_by"`
	StartedAt  int64  `gorm:"column:started_at"`
	FinishedAt int64  `gorm:"column:finished_at"`
	Notes      string `gorm:"column:notes"`
}

func (runModel) TableName() string { return "runs" }

type signalModel struct {
	ID             string   `gorm:"column:id;primaryKey"`
	RunID          string   `gorm:"column:run_id;index"`
	StrategyID     string   `gorm:"column:strategy_id;index"`
	Symbol         string   `gorm:"column:symbol"`
	Side           string   `gorm:"column:side"`
	Quantity       string   `gorm:"column:quantity"`
	QuotedPrice    string   `gorm:"column:quoted_price"`
	Confidence     float64  `gorm:"column:confidence"`
	Reasoning      string   `gorm:"column:reasoning"`
	AsOf           int64    `gorm:"column:as_of"`
	ATR            *float64 `gorm:"column:atr"`
	SizeMultiplier float64  `gorm:"column:size_multiplier"`
	CreatedAt      int64    `gorm:"column:created_at"`
}

func (signalModel) TableName() string { return "signals" }

type signalOutcomeModel struct {
	SignalID string `gorm:"column:signal_id;primaryKey"`
	RunID    string `gorm:"column:run_id;index"`
	State    string `gorm:"column:state"`
	Reason   string `gorm:"column:reason"`
	At       int64  `gorm:"column:at"`
}

func (signalOutcomeModel) TableName() string { return "signal_outcomes" }

type orderIntentModel struct {
	ID            string `gorm:"column:id;primaryKey"`
	RunID         string `gorm:"column:run_id;index"`
	StrategyID    string `gorm:"column:strategy_id"`
	Symbol        string `gorm:"column:symbol"`
	Side          string `gorm:"column:side"`
	Quantity      string `gorm:"column:quantity"`
	TimeBucket    int64  `gorm:"column:time_bucket;index"`
	Status        string `gorm:"column:status;index"`
	BrokerOrderID string `gorm:"column:broker_order_id"`
	SignalID      string `gorm:"column:signal_id"`
	CreatedAt     int64  `gorm:"column:created_at"`
	UpdatedAt     int64  `gorm:"column:updated_at"`
}

func (orderIntentModel) TableName() string { return "order_intents" }

type positionModel struct {
	StrategyID   string `gorm:"column:strategy_id;primaryKey"`
	Symbol       string `gorm:"column:symbol;primaryKey"`
	Quantity     string `gorm:"column:quantity"`
	AvgPrice     string `gorm:"column:avg_price"`
	CurrentPrice string `gorm:"column:current_price"`
	EntryTime    int64  `gorm:"column:entry_time"`
	StopPrice    string `gorm:"column:stop_price"`
	UpdatedAt    int64  `gorm:"column:updated_at"`
}

func (positionModel) TableName() string { return "positions" }

type funnelRecordModel struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunID            string         `gorm:"column:run_id;uniqueIndex:idx_funnel_run_strategy"`
	StrategyID       string         `gorm:"column:strategy_id;uniqueIndex:idx_funnel_run_strategy"`
	Raw              int            `gorm:"column:raw"`
	AfterRegime      int            `gorm:"column:after_regime"`
	AfterCorrelation int            `gorm:"column:after_correlation"`
	AfterRisk        int            `gorm:"column:after_risk"`
	Executed         int            `gorm:"column:executed"`
	Rejections       datatypes.JSON `gorm:"column:rejections"`
	RecordedAt       int64          `gorm:"column:recorded_at"`
}

func (funnelRecordModel) TableName() string { return "funnel_records" }

type reconciliationSnapshotModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunID         string         `gorm:"column:run_id;index"`
	Phase         string         `gorm:"column:phase"`
	Status        string         `gorm:"column:status"`
	Local         datatypes.JSON `gorm:"column:local"`
	Broker        datatypes.JSON `gorm:"column:broker"`
	Discrepancies datatypes.JSON `gorm:"column:discrepancies"`
	TakenAt       int64          `gorm:"column:taken_at;index"`
}

func (reconciliationSnapshotModel) TableName() string { return "reconciliation_snapshots" }

type drawdownStateModel struct {
	SystemID      string `gorm:"column:system_id;primaryKey"`
	State         string `gorm:"column:state"`
	PeakValue     string `gorm:"column:peak_value"`
	EnteredAt     int64  `gorm:"column:entered_at"`
	CooldownUntil int64  `gorm:"column:cooldown_until"`
	RampupUntil   int64  `gorm:"column:rampup_until"`
	Reason        string `gorm:"column:reason"`
	UpdatedAt     int64  `gorm:"column:updated_at"`
}

func (drawdownStateModel) TableName() string { return "drawdown_states" }

type strategyReturnModel struct {
	SystemID   string  `gorm:"column:system_id;primaryKey"`
	StrategyID string  `gorm:"column:strategy_id;primaryKey"`
	Date       string  `gorm:"column:date;primaryKey"`
	Return     float64 `gorm:"column:daily_return"`
	RecordedAt int64   `gorm:"column:recorded_at"`
}

func (strategyReturnModel) TableName() string { return "strategy_returns" }

type systemStateModel struct {
	SystemID            string `gorm:"column:system_id;primaryKey"`
	Cash                string `gorm:"column:cash"`
	ConsecutiveFailures int    `gorm:"column:consecutive_failures"`
	DayStartValue       string `gorm:"column:day_start_value"`
	DayStartDate        string `gorm:"column:day_start_date"`
	OrdersSubmitted     int    `gorm:"column:orders_submitted"`
	OrdersRejected      int    `gorm:"column:orders_rejected"`
	LastRunID           string `gorm:"column:last_run_id"`
	UpdatedAt           int64  `gorm:"column:updated_at"`
}

func (systemStateModel) TableName() string { return "system_states" }

// --------------------------- conversion helpers ---------------------------

func parseStoredDecimal(raw, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt %s value %q: %w", field, raw, err)
	}
	return d, nil
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func newSignalModel(runID string, sig types.Signal) signalModel {
	return signalModel{
		ID:             sig.ID,
		RunID:          runID,
		StrategyID:     sig.StrategyID,
		Symbol:         sig.Symbol,
		Side:           string(sig.Side),
		Quantity:       sig.Quantity.String(),
		QuotedPrice:    sig.QuotedPrice.String(),
		Confidence:     sig.Confidence,
		Reasoning:      sig.Reasoning,
		AsOf:           timeToMillis(sig.AsOf),
		ATR:            sig.ATR,
		SizeMultiplier: sig.SizeMultiplier,
		CreatedAt:      time.Now().UnixMilli(),
	}
}

func signalModelToRecord(m signalModel) (types.Signal, error) {
	qty, err := parseStoredDecimal(m.Quantity, "signal quantity")
	if err != nil {
		return types.Signal{}, err
	}
	price, err := parseStoredDecimal(m.QuotedPrice, "signal quoted price")
	if err != nil {
		return types.Signal{}, err
	}
	return types.Signal{
		ID:             m.ID,
		StrategyID:     m.StrategyID,
		Symbol:         m.Symbol,
		Side:           types.Side(m.Side),
		Quantity:       qty,
		QuotedPrice:    price,
		Confidence:     m.Confidence,
		Reasoning:      m.Reasoning,
		AsOf:           millisToTime(m.AsOf),
		ATR:            m.ATR,
		SizeMultiplier: m.SizeMultiplier,
	}, nil
}

func newIntentModel(intent *types.OrderIntent) orderIntentModel {
	return orderIntentModel{
		ID:            intent.ID,
		RunID:         intent.RunID,
		StrategyID:    intent.StrategyID,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Quantity:      intent.Quantity.String(),
		TimeBucket:    timeToMillis(intent.TimeBucket),
		Status:        string(intent.Status),
		BrokerOrderID: intent.BrokerOrderID,
		SignalID:      intent.SignalID,
		CreatedAt:     timeToMillis(intent.CreatedAt),
		UpdatedAt:     timeToMillis(intent.UpdatedAt),
	}
}

func intentModelToRecord(m orderIntentModel) (*types.OrderIntent, error) {
	qty, err := parseStoredDecimal(m.Quantity, "intent quantity")
	if err != nil {
		return nil, err
	}
	return &types.OrderIntent{
		ID:            m.ID,
		RunID:         m.RunID,
		StrategyID:    m.StrategyID,
		Symbol:        m.Symbol,
		Side:          types.Side(m.Side),
		Quantity:      qty,
		TimeBucket:    millisToTime(m.TimeBucket),
		Status:        types.IntentStatus(m.Status),
		BrokerOrderID: m.BrokerOrderID,
		SignalID:      m.SignalID,
		CreatedAt:     millisToTime(m.CreatedAt),
		UpdatedAt:     millisToTime(m.UpdatedAt),
	}, nil
}

func newPositionModel(pos types.Position) positionModel {
	return positionModel{
		StrategyID:   pos.StrategyID,
		Symbol:       pos.Symbol,
		Quantity:     pos.Quantity.String(),
		AvgPrice:     pos.AvgPrice.String(),
		CurrentPrice: pos.CurrentPrice.String(),
		EntryTime:    timeToMillis(pos.EntryTime),
		StopPrice:    pos.StopPrice.String(),
		UpdatedAt:    time.Now().UnixMilli(),
	}
}

func positionModelToRecord(m positionModel) (types.Position, error) {
	qty, err := parseStoredDecimal(m.Quantity, "position quantity")
	if err != nil {
		return types.Position{}, err
	}
	avg, err := parseStoredDecimal(m.AvgPrice, "position avg price")
	if err != nil {
		return types.Position{}, err
	}
	cur, err := parseStoredDecimal(m.CurrentPrice, "position current price")
	if err != nil {
		return types.Position{}, err
	}
	stop, err := parseStoredDecimal(m.StopPrice, "position stop price")
	if err != nil {
		return types.Position{}, err
	}
	return types.Position{
		StrategyID:   m.StrategyID,
		Symbol:       m.Symbol,
		Quantity:     qty,
		AvgPrice:     avg,
		CurrentPrice: cur,
		EntryTime:    millisToTime(m.EntryTime),
		StopPrice:    stop,
	}, nil
}

func newFunnelModel(rec types.FunnelRecord) (funnelRecordModel, error) {
	rejections, err := json.Marshal(rec.Rejections)
	if err != nil {
		return funnelRecordModel{}, fmt.Errorf("marshal rejections: %w", err)
	}
	return funnelRecordModel{
		RunID:            rec.RunID,
		StrategyID:       rec.StrategyID,
		Raw:              rec.Raw,
		AfterRegime:      rec.AfterRegime,
		AfterCorrelation: rec.AfterCorrelation,
		AfterRisk:        rec.AfterRisk,
		Executed:         rec.Executed,
		Rejections:       datatypes.JSON(rejections),
		RecordedAt:       timeToMillis(rec.RecordedAt),
	}, nil
}

func funnelModelToRecord(m funnelRecordModel) (types.FunnelRecord, error) {
	var rejections []types.RejectionEntry
	if len(m.Rejections) > 0 {
		if err := json.Unmarshal(m.Rejections, &rejections); err != nil {
			return types.FunnelRecord{}, fmt.Errorf("unmarshal rejections: %w", err)
		}
	}
	return types.FunnelRecord{
		RunID:            m.RunID,
		StrategyID:       m.StrategyID,
		Raw:              m.Raw,
		AfterRegime:      m.AfterRegime,
		AfterCorrelation: m.AfterCorrelation,
		AfterRisk:        m.AfterRisk,
		Executed:         m.Executed,
		Rejections:       rejections,
		RecordedAt:       millisToTime(m.RecordedAt),
	}, nil
}

func newSnapshotModel(snap types.ReconciliationSnapshot) (reconciliationSnapshotModel, error) {
	local, err := json.Marshal(snap.Local)
	if err != nil {
		return reconciliationSnapshotModel{}, fmt.Errorf("marshal local view: %w", err)
	}
	broker, err := json.Marshal(snap.Broker)
	if err != nil {
		return reconciliationSnapshotModel{}, fmt.Errorf("marshal broker view: %w", err)
	}
	discrepancies, err := json.Marshal(snap.Discrepancies)
	if err != nil {
		return reconciliationSnapshotModel{}, fmt.Errorf("marshal discrepancies: %w", err)
	}
	return reconciliationSnapshotModel{
		RunID:         snap.RunID,
		Phase:         string(snap.Phase),
		Status:        string(snap.Status),
		Local:         datatypes.JSON(local),
		Broker:        datatypes.JSON(broker),
		Discrepancies: datatypes.JSON(discrepancies),
		TakenAt:       timeToMillis(snap.TakenAt),
	}, nil
}

func snapshotModelToRecord(m reconciliationSnapshotModel) (types.ReconciliationSnapshot, error) {
	snap := types.ReconciliationSnapshot{
		RunID:   m.RunID,
		Phase:   types.SnapshotPhase(m.Phase),
		Status:  types.ReconcileStatus(m.Status),
		TakenAt: millisToTime(m.TakenAt),
	}
	if len(m.Local) > 0 {
		if err := json.Unmarshal(m.Local, &snap.Local); err != nil {
			return types.ReconciliationSnapshot{}, fmt.Errorf("unmarshal local view: %w", err)
		}
	}
	if len(m.Broker) > 0 {
		if err := json.Unmarshal(m.Broker, &snap.Broker); err != nil {
			return types.ReconciliationSnapshot{}, fmt.Errorf("unmarshal broker view: %w", err)
		}
	}
	if len(m.Discrepancies) > 0 {
		if err := json.Unmarshal(m.Discrepancies, &snap.Discrepancies); err != nil {
			return types.ReconciliationSnapshot{}, fmt.Errorf("unmarshal discrepancies: %w", err)
		}
	}
	return snap, nil
}

func newDrawdownModel(rec *safety.DrawdownRecord) drawdownStateModel {
	return drawdownStateModel{
		SystemID:      rec.SystemID,
		State:         string(rec.State),
		PeakValue:     rec.PeakValue.String(),
		EnteredAt:     timeToMillis(rec.EnteredAt),
		CooldownUntil: timeToMillis(rec.CooldownUntil),
		RampupUntil:   timeToMillis(rec.RampupUntil),
		Reason:        rec.Reason,
		UpdatedAt:     timeToMillis(rec.UpdatedAt),
	}
}

func drawdownModelToRecord(m drawdownStateModel) (*safety.DrawdownRecord, error) {
	peak, err := parseStoredDecimal(m.PeakValue, "drawdown peak value")
	if err != nil {
		return nil, err
	}
	return &safety.DrawdownRecord{
		SystemID:      m.SystemID,
		State:         safety.DrawdownState(m.State),
		PeakValue:     peak,
		EnteredAt:     millisToTime(m.EnteredAt),
		CooldownUntil: millisToTime(m.CooldownUntil),
		RampupUntil:   millisToTime(m.RampupUntil),
		Reason:        m.Reason,
		UpdatedAt:     millisToTime(m.UpdatedAt),
	}, nil
}
