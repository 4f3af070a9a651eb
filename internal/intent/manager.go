// Package intent implements deterministic, idempotent order-submission
// bookkeeping. Every would-be broker order first becomes an OrderIntent
// whose id is a stable hash of its hour bucket and order coordinates; an
// intent that already reached SUBMITTED or beyond is never submitted again.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	boterrors "github.com/ducminhle1904/multi-strategy-bot/internal/errors"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Store is the persistence surface the manager needs. The gorm store
// implements it.
type Store interface {
	// GetIntent returns the intent with the given id, or nil when absent.
	GetIntent(ctx context.Context, id string) (*types.OrderIntent, error)
	// SaveIntent inserts a new intent record.
	SaveIntent(ctx context.Context, intent *types.OrderIntent) error
	// UpdateIntent persists a status transition.
	UpdateIntent(ctx context.Context, intent *types.OrderIntent) error
}

// Manager creates intents and walks them through their forward-only
// lifecycle. All mutations go through the run coordinator's single-writer
// stage; the internal mutex only guards the duplicate counter.
type Manager struct {
	store  Store
	bucket time.Duration
	log    *logger.Entry

	mu             sync.Mutex
	duplicateSkips int
	created        int
}

// NewManager creates an intent manager. A non-positive bucket defaults to
// one hour.
func NewManager(store Store, bucket time.Duration) *Manager {
	if bucket <= 0 {
		bucket = time.Hour
	}
	return &Manager{
		store:  store,
		bucket: bucket,
		log:    logger.WithField("component", "intent"),
	}
}

// IntentID derives the deterministic intent id from the time bucket and
// order coordinates. Quantity is canonicalized to eight decimal places so
// arithmetically equal quantities hash identically.
func IntentID(bucket time.Time, strategyID, symbol string, side types.Side, qty decimal.Decimal) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s",
		bucket.UTC().Format(time.RFC3339), strategyID, symbol, side, qty.StringFixed(8))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Bucket truncates a timestamp to the manager's bucket granularity in UTC.
func (m *Manager) Bucket(at time.Time) time.Time {
	return at.UTC().Truncate(m.bucket)
}

// CreateIntent returns the intent for (strategy, symbol, side, qty) in the
// bucket containing at, creating it when absent. The second return value
// reports whether the caller may proceed to submission: false means an
// intent with this id already reached SUBMITTED, ACKED, FILLED or REJECTED,
// so re-submitting would place a duplicate broker order (or repeat a known
// rejection) and must be skipped.
//
// Two legitimately distinct orders with identical coordinates inside one
// bucket collide and the second is skipped; the skip is logged and counted
// so an abnormal duplicate rate surfaces in the kill-switch health checks.
func (m *Manager) CreateIntent(ctx context.Context, runID, strategyID, symbol string, side types.Side, qty decimal.Decimal, at time.Time) (*types.OrderIntent, bool, error) {
	bucket := m.Bucket(at)
	id := IntentID(bucket, strategyID, symbol, side, qty)

	existing, err := m.store.GetIntent(ctx, id)
	if err != nil {
		return nil, false, boterrors.NewPersistenceError("intent", "get", err)
	}
	if existing != nil {
		if existing.Status == types.IntentCreated {
			// Left over from a run that never reached submission; safe to
			// drive forward again.
			return existing, true, nil
		}
		m.mu.Lock()
		m.duplicateSkips++
		skips := m.duplicateSkips
		m.mu.Unlock()
		m.log.WithFields(logger.Fields{
			"intent_id":       id,
			"status":          existing.Status,
			"strategy":        strategyID,
			"symbol":          symbol,
			"duplicate_skips": skips,
		}).Warn("duplicate intent in bucket, skipping re-submission")
		return existing, false, nil
	}

	now := time.Now().UTC()
	intent := &types.OrderIntent{
		ID:         id,
		RunID:      runID,
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		TimeBucket: bucket,
		Status:     types.IntentCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.SaveIntent(ctx, intent); err != nil {
		return nil, false, boterrors.NewPersistenceError("intent", "save", err)
	}

	m.mu.Lock()
	m.created++
	m.mu.Unlock()
	return intent, true, nil
}

// BindSignal links the intent to the signal that produced it.
func (m *Manager) BindSignal(ctx context.Context, intent *types.OrderIntent, signalID string) error {
	intent.SignalID = signalID
	intent.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateIntent(ctx, intent); err != nil {
		return boterrors.NewPersistenceError("intent", "bind_signal", err)
	}
	return nil
}

// MarkSubmitted moves the intent to SUBMITTED. Call it immediately before
// the broker call so a crash between the two leaves a submit-shaped record.
func (m *Manager) MarkSubmitted(ctx context.Context, intent *types.OrderIntent) error {
	return m.transition(ctx, intent, types.IntentSubmitted, "")
}

// MarkAcked records the broker's acknowledgement and order id.
func (m *Manager) MarkAcked(ctx context.Context, intent *types.OrderIntent, brokerOrderID string) error {
	return m.transition(ctx, intent, types.IntentAcked, brokerOrderID)
}

// MarkFilled records the fill confirmation.
func (m *Manager) MarkFilled(ctx context.Context, intent *types.OrderIntent, brokerOrderID string) error {
	return m.transition(ctx, intent, types.IntentFilled, brokerOrderID)
}

// MarkRejected terminally rejects the intent.
func (m *Manager) MarkRejected(ctx context.Context, intent *types.OrderIntent) error {
	return m.transition(ctx, intent, types.IntentRejected, "")
}

func (m *Manager) transition(ctx context.Context, intent *types.OrderIntent, next types.IntentStatus, brokerOrderID string) error {
	if !intent.Status.CanTransition(next) {
		return boterrors.NewBotError(boterrors.ErrorCategoryBroker, "intent", "transition",
			fmt.Sprintf("illegal intent transition %s -> %s for %s", intent.Status, next, intent.ID))
	}
	prev := intent.Status
	intent.Status = next
	if brokerOrderID != "" {
		intent.BrokerOrderID = brokerOrderID
	}
	intent.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateIntent(ctx, intent); err != nil {
		intent.Status = prev
		return boterrors.NewPersistenceError("intent", "update", err)
	}
	m.log.WithFields(logger.Fields{
		"intent_id": intent.ID,
		"from":      prev,
		"to":        next,
	}).Debug("intent transition")
	return nil
}

// DuplicateSkips returns how many duplicate submissions were skipped since
// the last reset.
func (m *Manager) DuplicateSkips() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplicateSkips
}

// DuplicateRate returns skips over total intent attempts since the last
// reset, the signal consumed by the drawdown machine's resume health checks.
func (m *Manager) DuplicateRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.duplicateSkips + m.created
	if total == 0 {
		return 0
	}
	return float64(m.duplicateSkips) / float64(total)
}

// ResetCounters clears the per-run duplicate accounting.
func (m *Manager) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicateSkips = 0
	m.created = 0
}
