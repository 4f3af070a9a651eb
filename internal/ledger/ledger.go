// Package ledger is the single arbitration point for everything a run
// mutates: cash reservations, per-strategy budgets, portfolio heat and
// position records. Signal generation fans out in parallel, but every
// admission decision funnels through the ledger's lock so two strategies can
// never race to reserve the same cash or blow through the same heat limit.
// Broker calls happen outside the lock; a reservation holds the funds from
// admission until the fill or release.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/internal/costmodel"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Config holds the portfolio-level admission limits.
type Config struct {
	// HeatLimit caps total exposure as a fraction of portfolio value.
	// Default 0.60.
	HeatLimit float64 `json:"heat_limit"`
	// MaxPositionFraction caps a single position's notional as a fraction
	// of portfolio value. Default 0.20.
	MaxPositionFraction float64 `json:"max_position_fraction"`
	// MinOrderNotional is the smallest admissible order. Default 100.
	MinOrderNotional float64 `json:"min_order_notional"`
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{
		HeatLimit:           0.60,
		MaxPositionFraction: 0.20,
		MinOrderNotional:    100,
	}
}

func (c *Config) setDefaults() {
	if c.HeatLimit <= 0 {
		c.HeatLimit = 0.60
	}
	if c.MaxPositionFraction <= 0 {
		c.MaxPositionFraction = 0.20
	}
	if c.MinOrderNotional <= 0 {
		c.MinOrderNotional = 100
	}
}

// Reservation is the resource claim an admitted signal holds between
// admission and fill (or release).
type Reservation struct {
	SignalID   string
	StrategyID string
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	CashNeed   decimal.Decimal
	Notional   decimal.Decimal
	Cost       costmodel.Breakdown
}

// Decision is the outcome of one admission check. When OK is false the
// terminal state says which limit rejected the signal.
type Decision struct {
	OK          bool
	Terminal    types.TerminalState
	Reason      string
	Reservation *Reservation
}

func rejected(terminal types.TerminalState, reason string) Decision {
	return Decision{OK: false, Terminal: terminal, Reason: reason}
}

// Ledger owns the authoritative local capital state for a run.
type Ledger struct {
	mu           sync.Mutex
	config       Config
	cash         decimal.Decimal
	positions    map[string]*types.Position
	budgets      map[string]decimal.Decimal
	reserved     decimal.Decimal
	pendingSells map[string]decimal.Decimal
	costs        *costmodel.Model
	log          *logger.Entry
}

// positionKey is the arena key for position lookups.
func positionKey(strategyID, symbol string) string {
	return strategyID + "|" + symbol
}

// NewLedger builds the ledger from the authoritative local records loaded at
// run start.
func NewLedger(config Config, costs *costmodel.Model, cash decimal.Decimal, positions []types.Position) *Ledger {
	config.setDefaults()
	l := &Ledger{
		config:       config,
		cash:         cash,
		positions:    make(map[string]*types.Position, len(positions)),
		budgets:      make(map[string]decimal.Decimal),
		reserved:     decimal.Zero,
		pendingSells: make(map[string]decimal.Decimal),
		costs:        costs,
		log:          logger.WithField("component", "ledger"),
	}
	for i := range positions {
		pos := positions[i]
		l.positions[positionKey(pos.StrategyID, pos.Symbol)] = &pos
	}
	return l
}

// UpdatePrices refreshes every position's current price from the snapshot.
func (l *Ledger) UpdatePrices(snapshot *types.MarketSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range l.positions {
		series, ok := snapshot.Symbols[pos.Symbol]
		if !ok {
			continue
		}
		if bar, ok := series.Latest(); ok && bar.Close > 0 {
			pos.CurrentPrice = decimal.NewFromFloat(bar.Close)
		}
	}
}

// SetBudgets installs the per-strategy available capital computed by the
// allocator. Strategies without a budget entry cannot buy; that is the
// fail-closed default.
func (l *Ledger) SetBudgets(budgets map[string]decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets = make(map[string]decimal.Decimal, len(budgets))
	for id, b := range budgets {
		l.budgets[id] = b
	}
}

// Reserve atomically checks a candidate against cash, heat, position-size
// and budget limits and claims the resources when it passes. The sizing
// multiplier compounds with the signal's own correlation multiplier.
func (l *Ledger) Reserve(sig types.Signal, sizingMultiplier float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	qty := sig.EffectiveQuantity(sizingMultiplier)
	if qty.Sign() <= 0 {
		return rejected(types.TerminalRejectedBySizing, "effective quantity is zero")
	}

	breakdown, err := l.costs.Quote(sig.Side, sig.QuotedPrice, qty)
	if err != nil {
		return rejected(types.TerminalRejectedBySizing, err.Error())
	}

	if sig.Side == types.SideSell {
		return l.reserveSell(sig, qty, breakdown)
	}
	return l.reserveBuy(sig, qty, breakdown)
}

func (l *Ledger) reserveBuy(sig types.Signal, qty decimal.Decimal, breakdown *costmodel.Breakdown) Decision {
	minNotional := decimal.NewFromFloat(l.config.MinOrderNotional)
	if breakdown.Notional.LessThan(minNotional) {
		return rejected(types.TerminalRejectedBySizing,
			fmt.Sprintf("notional %s below minimum %s", breakdown.Notional, minNotional))
	}

	budget, ok := l.budgets[sig.StrategyID]
	if !ok || breakdown.Notional.GreaterThan(budget) {
		return rejected(types.TerminalRejectedBySizing,
			fmt.Sprintf("notional %s exceeds strategy budget %s", breakdown.Notional, budget))
	}

	need := breakdown.Notional.Add(breakdown.Commission)
	if l.reserved.Add(need).GreaterThan(l.cash) {
		return rejected(types.TerminalRejectedBySizing,
			fmt.Sprintf("cash need %s exceeds free cash %s", need, l.cash.Sub(l.reserved)))
	}

	totalValue := l.totalValueLocked()
	if totalValue.Sign() > 0 {
		exposure := l.totalExposureLocked().Add(l.reserved).Add(breakdown.Notional)
		heat, _ := exposure.Div(totalValue).Float64()
		if heat > l.config.HeatLimit {
			return rejected(types.TerminalRejectedByHeat,
				fmt.Sprintf("heat %.3f would exceed limit %.3f", heat, l.config.HeatLimit))
		}

		existing := decimal.Zero
		if pos, ok := l.positions[positionKey(sig.StrategyID, sig.Symbol)]; ok {
			existing = pos.MarketValue()
		}
		fraction, _ := existing.Add(breakdown.Notional).Div(totalValue).Float64()
		if fraction > l.config.MaxPositionFraction {
			return rejected(types.TerminalRejectedByHeat,
				fmt.Sprintf("position fraction %.3f would exceed limit %.3f", fraction, l.config.MaxPositionFraction))
		}
	}

	l.reserved = l.reserved.Add(need)
	l.budgets[sig.StrategyID] = budget.Sub(breakdown.Notional)
	return Decision{
		OK: true,
		Reservation: &Reservation{
			SignalID:   sig.ID,
			StrategyID: sig.StrategyID,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Quantity:   qty,
			CashNeed:   need,
			Notional:   breakdown.Notional,
			Cost:       *breakdown,
		},
	}
}

func (l *Ledger) reserveSell(sig types.Signal, qty decimal.Decimal, breakdown *costmodel.Breakdown) Decision {
	key := positionKey(sig.StrategyID, sig.Symbol)
	pos, ok := l.positions[key]
	if !ok {
		return rejected(types.TerminalRejectedBySizing,
			fmt.Sprintf("strategy %s holds no %s position", sig.StrategyID, sig.Symbol))
	}
	sellable := pos.Quantity.Sub(l.pendingSells[key])
	if sellable.LessThan(qty) {
		return rejected(types.TerminalRejectedBySizing,
			fmt.Sprintf("sell quantity %s exceeds sellable %s", qty, sellable))
	}

	l.pendingSells[key] = l.pendingSells[key].Add(qty)
	return Decision{
		OK: true,
		Reservation: &Reservation{
			SignalID:   sig.ID,
			StrategyID: sig.StrategyID,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Quantity:   qty,
			CashNeed:   decimal.Zero,
			Notional:   breakdown.Notional,
			Cost:       *breakdown,
		},
	}
}

// Release returns a reservation's resources after a failed or skipped
// submission.
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.Side == types.SideBuy {
		l.reserved = l.reserved.Sub(res.CashNeed)
		if budget, ok := l.budgets[res.StrategyID]; ok {
			l.budgets[res.StrategyID] = budget.Add(res.Notional)
		}
		return
	}
	key := positionKey(res.StrategyID, res.Symbol)
	l.pendingSells[key] = l.pendingSells[key].Sub(res.Quantity)
	if l.pendingSells[key].Sign() <= 0 {
		delete(l.pendingSells, key)
	}
}

// ApplyFill commits a confirmed fill: cash moves, the reservation is
// consumed and the position record is updated (created, averaged up, or
// reduced and deleted at zero).
func (l *Ledger) ApplyFill(res *Reservation, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.log.WithFields(logger.Fields{
		"strategy": res.StrategyID,
		"symbol":   res.Symbol,
		"side":     res.Side,
		"quantity": res.Quantity.String(),
		"price":    res.Cost.ExecutionPrice.String(),
	}).Info("fill applied to ledger")

	key := positionKey(res.StrategyID, res.Symbol)
	if res.Side == types.SideBuy {
		l.reserved = l.reserved.Sub(res.CashNeed)
		l.cash = l.cash.Add(res.Cost.CashImpact(types.SideBuy))

		if pos, ok := l.positions[key]; ok {
			newQty := pos.Quantity.Add(res.Quantity)
			cost := pos.AvgPrice.Mul(pos.Quantity).Add(res.Cost.ExecutionPrice.Mul(res.Quantity))
			pos.AvgPrice = cost.Div(newQty)
			pos.Quantity = newQty
			pos.CurrentPrice = res.Cost.ExecutionPrice
		} else {
			l.positions[key] = &types.Position{
				StrategyID:   res.StrategyID,
				Symbol:       res.Symbol,
				Quantity:     res.Quantity,
				AvgPrice:     res.Cost.ExecutionPrice,
				CurrentPrice: res.Cost.ExecutionPrice,
				EntryTime:    at,
			}
		}
		return
	}

	l.cash = l.cash.Add(res.Cost.CashImpact(types.SideSell))
	l.pendingSells[key] = l.pendingSells[key].Sub(res.Quantity)
	if l.pendingSells[key].Sign() <= 0 {
		delete(l.pendingSells, key)
	}
	if pos, ok := l.positions[key]; ok {
		pos.Quantity = pos.Quantity.Sub(res.Quantity)
		pos.CurrentPrice = res.Cost.ExecutionPrice
		if pos.Quantity.Sign() <= 0 {
			delete(l.positions, key)
		}
	}
}

// Positions returns a copy of all open positions, the strategy-union the
// correlation filter screens against.
func (l *Ledger) Positions() []types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}

// ExposureByStrategy returns each strategy's current market exposure.
func (l *Ledger) ExposureByStrategy() map[string]decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for _, pos := range l.positions {
		out[pos.StrategyID] = out[pos.StrategyID].Add(pos.MarketValue())
	}
	return out
}

// State snapshots the portfolio: cash, total value, per-strategy exposure
// and heat.
func (l *Ledger) State() types.PortfolioState {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := types.PortfolioState{
		Cash:             l.cash,
		TotalValue:       l.totalValueLocked(),
		StrategyExposure: make(map[string]decimal.Decimal),
		AsOf:             time.Now().UTC(),
	}
	for _, pos := range l.positions {
		state.StrategyExposure[pos.StrategyID] = state.StrategyExposure[pos.StrategyID].Add(pos.MarketValue())
	}
	state.ComputeHeat()
	return state
}

// Cash returns current cash.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

func (l *Ledger) totalValueLocked() decimal.Decimal {
	total := l.cash
	for _, pos := range l.positions {
		total = total.Add(pos.MarketValue())
	}
	return total
}

func (l *Ledger) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(pos.MarketValue())
	}
	return total
}
