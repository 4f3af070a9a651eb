// Package reconcile proves the bot's local bookkeeping matches the broker's
// ground truth before any order leaves the system. The comparison is
// fail-closed: when it cannot be proven the books agree, the run submits
// nothing, and a snapshot of both sides is persisted whatever the outcome.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// BrokerReader is the read-only slice of the broker gateway the gate needs.
type BrokerReader interface {
	GetAccount(ctx context.Context) (*broker.Account, error)
	GetPositions(ctx context.Context) ([]broker.Position, error)
}

// Config holds the comparison tolerances. Cash and quantity get separate
// absolute tolerances because they live in different units; the relative
// tolerance is shared and covers large books where a fixed epsilon is too
// tight.
type Config struct {
	CashTolerance     float64       `json:"cash_tolerance"`
	QuantityTolerance float64       `json:"quantity_tolerance"`
	RelativeTolerance float64       `json:"relative_tolerance"`
	FetchTimeout      time.Duration `json:"fetch_timeout"`
}

func (c *Config) setDefaults() {
	if c.CashTolerance <= 0 {
		c.CashTolerance = 1.0
	}
	if c.QuantityTolerance <= 0 {
		c.QuantityTolerance = 0.0001
	}
	if c.RelativeTolerance <= 0 {
		c.RelativeTolerance = 0.001
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
}

// Result is one full local-vs-broker comparison.
type Result struct {
	Status        types.ReconcileStatus
	Local         types.LocalView
	Broker        types.BrokerView
	Discrepancies []types.Discrepancy
}

// Snapshot converts the result into a persistable snapshot for a run phase.
func (r *Result) Snapshot(runID string, phase types.SnapshotPhase, at time.Time) types.ReconciliationSnapshot {
	return types.ReconciliationSnapshot{
		RunID:         runID,
		Phase:         phase,
		Status:        r.Status,
		Local:         r.Local,
		Broker:        r.Broker,
		Discrepancies: r.Discrepancies,
		TakenAt:       at,
	}
}

// Gate compares local records against the broker's account state.
type Gate struct {
	reader  BrokerReader
	config  Config
	cashTol decimal.Decimal
	qtyTol  decimal.Decimal
	relTol  decimal.Decimal
	log     *logger.Entry
}

// NewGate creates a reconciliation gate over the given broker reader.
func NewGate(reader BrokerReader, config Config) *Gate {
	config.setDefaults()
	return &Gate{
		reader:  reader,
		config:  config,
		cashTol: decimal.NewFromFloat(config.CashTolerance),
		qtyTol:  decimal.NewFromFloat(config.QuantityTolerance),
		relTol:  decimal.NewFromFloat(config.RelativeTolerance),
		log:     logger.WithField("component", "reconcile"),
	}
}

// BuildLocalView aggregates local cash and positions into the comparable
// view. Positions are summed per symbol across strategies because the broker
// has no notion of strategy ownership.
func BuildLocalView(cash decimal.Decimal, positions []types.Position) types.LocalView {
	view := types.LocalView{
		Cash:      cash,
		Positions: make(map[string]decimal.Decimal),
	}
	for _, pos := range positions {
		view.Positions[pos.Symbol] = view.Positions[pos.Symbol].Add(pos.Quantity)
	}
	return view
}

// FetchBrokerView reads account and positions concurrently and folds them
// into the broker-side comparison view.
func (g *Gate) FetchBrokerView(ctx context.Context) (types.BrokerView, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.FetchTimeout)
	defer cancel()

	var (
		account   *broker.Account
		positions []broker.Position
	)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		if account, err = g.reader.GetAccount(ctx); err != nil {
			return fmt.Errorf("fetch broker account: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		var err error
		if positions, err = g.reader.GetPositions(ctx); err != nil {
			return fmt.Errorf("fetch broker positions: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return types.BrokerView{}, err
	}

	view := types.BrokerView{
		Cash:      account.Cash,
		Positions: make(map[string]decimal.Decimal, len(positions)),
		FetchedAt: account.FetchedAt,
	}
	for _, pos := range positions {
		view.Positions[pos.Symbol] = view.Positions[pos.Symbol].Add(pos.Quantity)
	}
	return view, nil
}

// Check fetches the broker view and compares it against the local one. The
// returned result is PASS only when every field agrees within tolerance; an
// error means the broker could not be read at all, which callers must treat
// exactly like a FAIL.
func (g *Gate) Check(ctx context.Context, runID string, local types.LocalView) (*Result, error) {
	brokerView, err := g.FetchBrokerView(ctx)
	if err != nil {
		return nil, err
	}

	status, discrepancies := g.Compare(local, brokerView)
	result := &Result{
		Status:        status,
		Local:         local,
		Broker:        brokerView,
		Discrepancies: discrepancies,
	}

	if status == types.ReconcileFail {
		g.log.WithFields(logger.Fields{
			"run_id":        runID,
			"discrepancies": len(discrepancies),
		}).Error("reconciliation FAILED, local records diverge from broker")
	} else {
		g.log.WithField("run_id", runID).Info("reconciliation passed")
	}
	return result, nil
}

// Compare evaluates cash and per-symbol quantities. A value pair agrees when
// its delta is within the absolute tolerance or within the relative
// tolerance of the larger magnitude.
func (g *Gate) Compare(local types.LocalView, brokerView types.BrokerView) (types.ReconcileStatus, []types.Discrepancy) {
	var discrepancies []types.Discrepancy

	if !g.withinTolerance(local.Cash, brokerView.Cash, g.cashTol) {
		discrepancies = append(discrepancies, types.Discrepancy{
			Field:  "cash",
			Local:  local.Cash,
			Broker: brokerView.Cash,
			Delta:  local.Cash.Sub(brokerView.Cash),
			Detail: "cash balance diverges beyond tolerance",
		})
	}

	for _, symbol := range unionSymbols(local.Positions, brokerView.Positions) {
		localQty := local.Positions[symbol]
		brokerQty := brokerView.Positions[symbol]
		if g.withinTolerance(localQty, brokerQty, g.qtyTol) {
			continue
		}
		detail := "position quantity diverges beyond tolerance"
		if _, held := local.Positions[symbol]; !held {
			detail = "broker holds a position with no local record"
		} else if _, held := brokerView.Positions[symbol]; !held {
			detail = "local records hold a position the broker does not report"
		}
		discrepancies = append(discrepancies, types.Discrepancy{
			Field:  "position",
			Symbol: symbol,
			Local:  localQty,
			Broker: brokerQty,
			Delta:  localQty.Sub(brokerQty),
			Detail: detail,
		})
	}

	if len(discrepancies) > 0 {
		return types.ReconcileFail, discrepancies
	}
	return types.ReconcilePass, nil
}

// FailedSnapshot builds the snapshot persisted when the broker could not be
// read: local side intact, broker side empty, status FAIL. Runs stay
// auditable even when the venue is down.
func FailedSnapshot(runID string, phase types.SnapshotPhase, local types.LocalView, fetchErr error, at time.Time) types.ReconciliationSnapshot {
	return types.ReconciliationSnapshot{
		RunID:  runID,
		Phase:  phase,
		Status: types.ReconcileFail,
		Local:  local,
		Discrepancies: []types.Discrepancy{{
			Field:  "broker",
			Detail: fmt.Sprintf("broker unreachable: %v", fetchErr),
		}},
		TakenAt: at,
	}
}

func (g *Gate) withinTolerance(local, broker, absTol decimal.Decimal) bool {
	delta := local.Sub(broker).Abs()
	if delta.LessThanOrEqual(absTol) {
		return true
	}
	magnitude := decimal.Max(local.Abs(), broker.Abs())
	return delta.LessThanOrEqual(magnitude.Mul(g.relTol))
}

func unionSymbols(a, b map[string]decimal.Decimal) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for sym := range a {
		seen[sym] = struct{}{}
	}
	for sym := range b {
		seen[sym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
