package binanceclient

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"bracketBot/internal/ports"
)

const (
	opPlaceOrder = "PlaceOrder"
	opQueryTrade = "QueryTrade"
)

// PlaceOrder maps the generic request onto MARKET, LIMIT (GTX for post-only) or STOP_MARKET.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSide(req.Side)).
		Quantity(req.Qty.String())

	switch {
	case req.TriggerPrice.Valid:
		svc = svc.Type(futures.OrderTypeStopMarket).StopPrice(req.TriggerPrice.Decimal.String())
	case req.Type == ports.OrderTypeLimit:
		tif := futures.TimeInForceTypeGTC
		if req.TimeInForce == ports.TimeInForcePostOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.Type(futures.OrderTypeLimit).Price(req.Price.Decimal.String()).TimeInForce(tif)
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, opPlaceOrder)
	}

	resp := orderResponse(order.OrderID, order.ClientOrderID, order.Symbol, order.Status, order.AvgPrice, order.ExecutedQuantity)
	c.logger.Debug(ctx, opPlaceOrder+" successful", map[string]interface{}{"symbol": req.Symbol, "side": req.Side, "quantity": req.Qty.String(), "orderID": resp.OrderID})
	return resp, nil
}

// LookupOrder finds an order by its client order id.
func (c *Client) LookupOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	op := "LookupOrder"
	order, err := c.futuresClient.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return orderResponse(order.OrderID, order.ClientOrderID, order.Symbol, order.Status, order.AvgPrice, order.ExecutedQuantity), nil
}

// CancelAllOrders cancels every open order for the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	op := "CancelAllOrders"
	if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

// SetTrailingStop places a reduce-only TRAILING_STOP_MARKET order with the callback rate.
func (c *Client) SetTrailingStop(ctx context.Context, req ports.TrailingStopRequest) error {
	op := "SetTrailingStop"
	_, err := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSide(req.Side.Opposite())).
		Type(futures.OrderTypeTrailingStopMarket).
		Quantity(req.Qty.String()).
		CallbackRate(req.CallbackPct.String()).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// QueryTrade reads the entry order, the position and the account fills since the trade opened.
func (c *Client) QueryTrade(ctx context.Context, tq ports.TradeQuery) (*ports.TradeState, error) {
	orderID, err := strconv.ParseInt(tq.OrderID, 10, 64)
	if err != nil {
		return nil, c.handleError(ctx, malformed("order id %q is not numeric", tq.OrderID), opQueryTrade)
	}
	order, err := c.futuresClient.NewGetOrderService().Symbol(tq.Symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, opQueryTrade)
	}
	entry := orderResponse(order.OrderID, order.ClientOrderID, order.Symbol, order.Status, order.AvgPrice, order.ExecutedQuantity)
	state := &ports.TradeState{
		EntryStatus:    entry.Status,
		EntryFilledQty: entry.ExecutedQty,
		EntryAvgPrice:  entry.AvgPrice,
	}
	if entry.Status.IsDead() && entry.ExecutedQty.IsZero() {
		return state, nil
	}
	if entry.Status == ports.OrderStatusNew {
		state.PositionOpen = true
		return state, nil
	}

	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(tq.Symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, opQueryTrade)
	}
	for _, p := range positions {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return nil, c.handleError(ctx, malformed("position amount %q", p.PositionAmt), opQueryTrade)
		}
		// positive amount is long, negative is short
		if amt.Mul(tq.Side.Direction()).IsPositive() {
			state.PositionOpen = true
			return state, nil
		}
	}

	trades, err := c.futuresClient.NewListAccountTradeService().
		Symbol(tq.Symbol).
		StartTime(tq.OpenedAt.UnixMilli()).
		Limit(500).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, opQueryTrade)
	}

	closingSide := toSide(tq.Side.Opposite())
	var pnl, qtySum, notional decimal.Decimal
	var last int64
	for _, t := range trades {
		if t.Side != closingSide || t.OrderID == orderID {
			continue
		}
		qty, err1 := decimal.NewFromString(t.Quantity)
		price, err2 := decimal.NewFromString(t.Price)
		realized, err3 := decimal.NewFromString(t.RealizedPnl)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, c.handleError(ctx, malformed("account trade %d", t.ID), opQueryTrade)
		}
		pnl = pnl.Add(realized)
		qtySum = qtySum.Add(qty)
		notional = notional.Add(qty.Mul(price))
		if t.Time > last {
			last = t.Time
		}
	}
	if qtySum.IsPositive() {
		state.ExitPrice = decimal.NewNullDecimal(notional.Div(qtySum))
		state.RealizedPnL = decimal.NewNullDecimal(pnl)
		if last > 0 {
			state.ClosedAt = time.UnixMilli(last)
		}
	}
	return state, nil
}
