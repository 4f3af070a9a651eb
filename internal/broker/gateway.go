// Package broker defines the brokerage surface the run loop talks to. The
// coordinator only ever sees the Gateway interface; the Bybit implementation
// lives in the bybit subpackage and an in-memory paper broker here covers
// dry runs and tests.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Account is the broker-reported account state.
type Account struct {
	Cash       decimal.Decimal `json:"cash"`
	TotalValue decimal.Decimal `json:"total_value"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// Position is one holding as the broker reports it.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	MarkPrice decimal.Decimal `json:"mark_price"`
}

// OrderState is the broker-side status of a submitted order.
type OrderState string

const (
	OrderAcked    OrderState = "ACKED"
	OrderFilled   OrderState = "FILLED"
	OrderRejected OrderState = "REJECTED"
)

// OrderRequest is one market-order submission. IntentID doubles as the
// broker's client order id so a resubmission with the same intent cannot
// create a second order.
type OrderRequest struct {
	IntentID    string          `json:"intent_id"`
	Symbol      string          `json:"symbol"`
	Side        types.Side      `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	QuotedPrice decimal.Decimal `json:"quoted_price"`
}

// OrderResult is the broker's answer to a submission or status poll.
type OrderResult struct {
	BrokerOrderID string          `json:"broker_order_id"`
	State         OrderState      `json:"state"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Commission    decimal.Decimal `json:"commission"`
	Reason        string          `json:"reason,omitempty"`
}

// Rejected reports whether the broker refused the order.
func (r *OrderResult) Rejected() bool {
	return r.State == OrderRejected
}

// Gateway is the four-operation brokerage surface: read account, read
// positions, submit an order, poll an order. Every call takes a context and
// is expected to respect its deadline.
type Gateway interface {
	Name() string
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderResult, error)
}
