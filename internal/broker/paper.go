package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/multi-strategy-bot/internal/costmodel"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Paper is an in-memory broker with deterministic fills. Orders execute
// immediately at the cost model's execution price, so a dry run produces the
// same cash movements the live path would report.
type Paper struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*Position
	orders    map[string]*OrderResult
	byIntent  map[string]string
	model     *costmodel.Model
	seq       int
}

// NewPaper creates a paper broker holding the given starting cash.
func NewPaper(startingCash decimal.Decimal, model *costmodel.Model) *Paper {
	return &Paper{
		cash:      startingCash,
		positions: make(map[string]*Position),
		orders:    make(map[string]*OrderResult),
		byIntent:  make(map[string]string),
		model:     model,
	}
}

// Name identifies the gateway in logs and reports.
func (p *Paper) Name() string { return "paper" }

// GetAccount reports cash plus positions marked at their last fill price.
func (p *Paper) GetAccount(ctx context.Context) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.cash
	for _, pos := range p.positions {
		total = total.Add(pos.Quantity.Mul(pos.MarkPrice))
	}
	return &Account{Cash: p.cash, TotalValue: total, FetchedAt: time.Now().UTC()}, nil
}

// GetPositions returns open holdings in symbol order.
func (p *Paper) GetPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SubmitOrder fills a market order at the cost model's execution price, or
// rejects it when cash or inventory cannot cover it. Submitting the same
// intent id twice returns the original result without a second fill, the
// same client-order-id dedupe a real venue applies.
func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.byIntent[req.IntentID]; ok {
		return p.orders[prior], nil
	}
	if req.IntentID == "" {
		return nil, fmt.Errorf("order request missing intent id")
	}

	breakdown, err := p.model.Quote(req.Side, req.QuotedPrice, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("price order %s: %w", req.IntentID, err)
	}

	if reason := p.rejectReason(req, breakdown); reason != "" {
		result := p.record(req.IntentID, &OrderResult{
			State:  OrderRejected,
			Reason: reason,
		})
		return result, nil
	}

	p.apply(req, breakdown)
	result := p.record(req.IntentID, &OrderResult{
		State:      OrderFilled,
		FillPrice:  breakdown.ExecutionPrice,
		FilledQty:  req.Quantity,
		Commission: breakdown.Commission,
	})
	return result, nil
}

// GetOrderStatus returns the recorded result for a broker order id.
func (p *Paper) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	result, ok := p.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", brokerOrderID)
	}
	return result, nil
}

// MarkToMarket updates held positions to the given prices so account value
// tracks the snapshot between fills.
func (p *Paper) MarkToMarket(prices map[string]decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sym, pos := range p.positions {
		if price, ok := prices[sym]; ok && price.IsPositive() {
			pos.MarkPrice = price
		}
	}
}

func (p *Paper) rejectReason(req OrderRequest, breakdown *costmodel.Breakdown) string {
	if req.Side == types.SideBuy {
		required := breakdown.Notional.Add(breakdown.Commission)
		if p.cash.LessThan(required) {
			return fmt.Sprintf("insufficient balance: need %s, have %s", required, p.cash)
		}
		return ""
	}
	pos, ok := p.positions[req.Symbol]
	if !ok || pos.Quantity.LessThan(req.Quantity) {
		held := decimal.Zero
		if ok {
			held = pos.Quantity
		}
		return fmt.Sprintf("position smaller than order: hold %s, selling %s", held, req.Quantity)
	}
	return ""
}

func (p *Paper) apply(req OrderRequest, breakdown *costmodel.Breakdown) {
	p.cash = p.cash.Add(breakdown.CashImpact(req.Side))

	pos, ok := p.positions[req.Symbol]
	if req.Side == types.SideBuy {
		if !ok {
			p.positions[req.Symbol] = &Position{
				Symbol:    req.Symbol,
				Quantity:  req.Quantity,
				AvgPrice:  breakdown.ExecutionPrice,
				MarkPrice: breakdown.ExecutionPrice,
			}
			return
		}
		oldNotional := pos.Quantity.Mul(pos.AvgPrice)
		pos.Quantity = pos.Quantity.Add(req.Quantity)
		pos.AvgPrice = oldNotional.Add(breakdown.Notional).Div(pos.Quantity)
		pos.MarkPrice = breakdown.ExecutionPrice
		return
	}

	pos.Quantity = pos.Quantity.Sub(req.Quantity)
	pos.MarkPrice = breakdown.ExecutionPrice
	if pos.Quantity.IsZero() {
		delete(p.positions, req.Symbol)
	}
}

func (p *Paper) record(intentID string, result *OrderResult) *OrderResult {
	p.seq++
	result.BrokerOrderID = fmt.Sprintf("paper-%06d", p.seq)
	p.orders[result.BrokerOrderID] = result
	p.byIntent[intentID] = result.BrokerOrderID
	return result
}

var _ Gateway = (*Paper)(nil)
