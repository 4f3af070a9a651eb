package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// GetPositions fetches open positions for the configured category. Short
// positions come back with negative quantity.
func (g *Gateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	var positions []broker.Position
	err := g.withRetry(ctx, "get_positions", func() error {
		params := map[string]interface{}{
			"category":   g.config.Category,
			"settleCoin": "USDT",
		}
		result, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
		if err != nil {
			return fmt.Errorf("get position list: %w", err)
		}
		positions, err = parsePositionsResponse(result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// SubmitOrder places a market order with the intent id as the order link id,
// so resubmitting an intent cannot create a second venue order. Venue-side
// order rejections come back as REJECTED results, not errors.
func (g *Gateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if req.IntentID == "" {
		return nil, fmt.Errorf("order request missing intent id")
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	params := map[string]interface{}{
		"category":    g.config.Category,
		"symbol":      req.Symbol,
		"side":        sideToBybit(req.Side),
		"orderType":   "Market",
		"qty":         req.Quantity.String(),
		"orderLinkId": req.IntentID,
	}
	if g.config.Category == "spot" && req.Side == types.SideBuy {
		// Spot market buys default to quote-coin quantity; the bot sizes in
		// base units.
		params["marketUnit"] = "baseCoin"
	}

	g.log.WithFields(logger.Fields{
		"symbol": req.Symbol,
		"side":   req.Side,
		"qty":    req.Quantity.String(),
		"intent": req.IntentID,
	}).Info("submitting order")

	result, err := g.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return nil, classify("submit_order", fmt.Errorf("place order: %w", err))
	}

	order, err := parseOrderAck(result)
	if err != nil {
		if isOrderRejection(err) {
			var apiErr *APIError
			errors.As(err, &apiErr)
			g.log.WithFields(logger.Fields{
				"symbol": req.Symbol,
				"intent": req.IntentID,
				"code":   apiErr.Code,
			}).Warn("order rejected by venue")
			return &broker.OrderResult{
				State:  broker.OrderRejected,
				Reason: apiErr.Message,
			}, nil
		}
		return nil, classify("submit_order", err)
	}
	return order, nil
}

// GetOrderStatus polls one order by broker order id, checking open orders
// first and falling back to history for orders that already left the book.
func (g *Gateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	var result *broker.OrderResult
	err := g.withRetry(ctx, "get_order_status", func() error {
		params := map[string]interface{}{
			"category": g.config.Category,
			"orderId":  brokerOrderID,
		}

		open, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
		if err != nil {
			return fmt.Errorf("get open orders: %w", err)
		}
		if result, err = findOrderInResponse(open, brokerOrderID); err != nil {
			return err
		}
		if result != nil {
			return nil
		}

		history, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
		if err != nil {
			return fmt.Errorf("get order history: %w", err)
		}
		if result, err = findOrderInResponse(history, brokerOrderID); err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("order %s not found", brokerOrderID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func sideToBybit(side types.Side) string {
	if side == types.SideBuy {
		return "Buy"
	}
	return "Sell"
}

// orderStateFromBybit maps the venue's order status strings onto the
// gateway's three states.
func orderStateFromBybit(status string) broker.OrderState {
	switch status {
	case "Filled":
		return broker.OrderFilled
	case "Rejected", "Cancelled", "Deactivated":
		return broker.OrderRejected
	default:
		// New, PartiallyFilled, Untriggered and friends are all still live.
		return broker.OrderAcked
	}
}

func parseOrderAck(response interface{}) (*broker.OrderResult, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected order response type %T", response)
	}
	if err := apiError(serverResp.RetCode, serverResp.RetMsg); err != nil {
		return nil, err
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal order result: %w", err)
	}
	var ack struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(resultBytes, &ack); err != nil {
		return nil, fmt.Errorf("unmarshal order result: %w", err)
	}
	if ack.OrderID == "" {
		return nil, fmt.Errorf("order ack missing orderId")
	}

	// Placement only acknowledges; fills arrive via the status poll.
	return &broker.OrderResult{
		BrokerOrderID: ack.OrderID,
		State:         broker.OrderAcked,
	}, nil
}

func findOrderInResponse(response interface{}, brokerOrderID string) (*broker.OrderResult, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected orders response type %T", response)
	}
	if err := apiError(serverResp.RetCode, serverResp.RetMsg); err != nil {
		return nil, err
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal orders result: %w", err)
	}
	var list struct {
		List []struct {
			OrderID      string `json:"orderId"`
			OrderStatus  string `json:"orderStatus"`
			AvgPrice     string `json:"avgPrice"`
			CumExecQty   string `json:"cumExecQty"`
			CumExecFee   string `json:"cumExecFee"`
			RejectReason string `json:"rejectReason"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &list); err != nil {
		return nil, fmt.Errorf("unmarshal orders result: %w", err)
	}

	for _, order := range list.List {
		if order.OrderID != brokerOrderID {
			continue
		}
		fillPrice, err := parseDecimal(order.AvgPrice, "avgPrice")
		if err != nil {
			return nil, err
		}
		filledQty, err := parseDecimal(order.CumExecQty, "cumExecQty")
		if err != nil {
			return nil, err
		}
		commission, err := parseDecimal(order.CumExecFee, "cumExecFee")
		if err != nil {
			return nil, err
		}
		result := &broker.OrderResult{
			BrokerOrderID: order.OrderID,
			State:         orderStateFromBybit(order.OrderStatus),
			FillPrice:     fillPrice,
			FilledQty:     filledQty,
			Commission:    commission,
		}
		if result.State == broker.OrderRejected {
			result.Reason = order.RejectReason
			if result.Reason == "" {
				result.Reason = order.OrderStatus
			}
		}
		return result, nil
	}
	return nil, nil
}

func parsePositionsResponse(response interface{}) ([]broker.Position, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected positions response type %T", response)
	}
	if err := apiError(serverResp.RetCode, serverResp.RetMsg); err != nil {
		return nil, err
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal positions result: %w", err)
	}
	var positionResult struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			Size      string `json:"size"`
			AvgPrice  string `json:"avgPrice"`
			MarkPrice string `json:"markPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &positionResult); err != nil {
		return nil, fmt.Errorf("unmarshal positions result: %w", err)
	}

	var positions []broker.Position
	for _, pos := range positionResult.List {
		size, err := parseDecimal(pos.Size, "size")
		if err != nil {
			return nil, err
		}
		if size.IsZero() {
			continue
		}
		avgPrice, err := parseDecimal(pos.AvgPrice, "avgPrice")
		if err != nil {
			return nil, err
		}
		markPrice, err := parseDecimal(pos.MarkPrice, "markPrice")
		if err != nil {
			return nil, err
		}
		if pos.Side == "Sell" {
			size = size.Neg()
		}
		positions = append(positions, broker.Position{
			Symbol:    pos.Symbol,
			Quantity:  size,
			AvgPrice:  avgPrice,
			MarkPrice: markPrice,
		})
	}
	return positions, nil
}
