package bybit

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/internal/ports"
)

const (
	opPlaceOrder      = "PlaceOrder"
	opLookupOrder     = "LookupOrder"
	opCancelAll       = "CancelAllOrders"
	opSetTrailingStop = "SetTrailingStop"
	opQueryTrade      = "QueryTrade"
)

type createOrderBody struct {
	Category         string `json:"category"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	Qty              string `json:"qty"`
	Price            string `json:"price,omitempty"`
	TriggerPrice     string `json:"triggerPrice,omitempty"`
	TriggerDirection int    `json:"triggerDirection,omitempty"`
	ReduceOnly       bool   `json:"reduceOnly,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	OrderLinkID      string `json:"orderLinkId,omitempty"`
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder submits an order via /v5/order/create.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	body := createOrderBody{
		Category:         c.category,
		Symbol:           req.Symbol,
		Side:             string(req.Side),
		OrderType:        string(req.Type),
		Qty:              req.Qty.String(),
		TriggerDirection: int(req.TriggerDirection),
		ReduceOnly:       req.ReduceOnly,
		TimeInForce:      timeInForce(req.TimeInForce),
		OrderLinkID:      req.ClientOrderID,
	}
	if req.Price.Valid {
		body.Price = req.Price.Decimal.String()
	}
	if req.TriggerPrice.Valid {
		body.TriggerPrice = req.TriggerPrice.Decimal.String()
	}

	var res createOrderResult
	if err := c.post(ctx, opPlaceOrder, "/v5/order/create", body, &res); err != nil {
		return nil, err
	}
	if res.OrderID == "" {
		return nil, c.malformed(ctx, opPlaceOrder, "empty orderId")
	}
	c.logger.Debug(ctx, opPlaceOrder+" successful", map[string]interface{}{"orderId": res.OrderID, "symbol": req.Symbol, "type": req.Type})
	return &ports.OrderResponse{
		OrderID:       res.OrderID,
		ClientOrderID: res.OrderLinkID,
		Symbol:        req.Symbol,
		Status:        ports.OrderStatusNew,
	}, nil
}

func timeInForce(tif ports.TimeInForce) string {
	switch tif {
	case ports.TimeInForceGTC:
		return "GTC"
	case ports.TimeInForceIOC:
		return "IOC"
	case ports.TimeInForcePostOnly:
		return "PostOnly"
	}
	return ""
}

type orderListResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		Symbol      string `json:"symbol"`
		OrderStatus string `json:"orderStatus"`
		AvgPrice    string `json:"avgPrice"`
		CumExecQty  string `json:"cumExecQty"`
	} `json:"list"`
}

// findOrder looks in open/recent orders first and falls back to order history.
func (c *Client) findOrder(ctx context.Context, op, symbol, key, value string) (*ports.OrderResponse, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)
	q.Set(key, value)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var res orderListResult
		if err := c.get(ctx, op, path, q, true, &res); err != nil {
			return nil, err
		}
		if len(res.List) == 0 {
			continue
		}
		o := res.List[0]
		out := &ports.OrderResponse{
			OrderID:       o.OrderID,
			ClientOrderID: o.OrderLinkID,
			Symbol:        o.Symbol,
			Status:        orderStatus(o.OrderStatus),
		}
		if v, err := decimal.NewFromString(o.CumExecQty); err == nil {
			out.ExecutedQty = v
		}
		if v, err := decimal.NewFromString(o.AvgPrice); err == nil && v.IsPositive() {
			out.AvgPrice = decimal.NewNullDecimal(v)
		}
		return out, nil
	}
	return nil, &ports.ExchangeError{Op: op, Message: key + "=" + value, Err: ports.ErrOrderNotFound}
}

func orderStatus(s string) ports.OrderStatus {
	switch s {
	case "New", "Untriggered", "Triggered", "Created":
		return ports.OrderStatusNew
	case "PartiallyFilled":
		return ports.OrderStatusPartiallyFilled
	case "Filled":
		return ports.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return ports.OrderStatusCancelled
	case "Rejected":
		return ports.OrderStatusRejected
	}
	return ports.OrderStatusUnknown
}

// LookupOrder finds an order by its orderLinkId.
func (c *Client) LookupOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	return c.findOrder(ctx, opLookupOrder, symbol, "orderLinkId", clientOrderID)
}

// CancelAllOrders cancels every working order for the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	body := map[string]string{"category": c.category, "symbol": symbol}
	if err := c.post(ctx, opCancelAll, "/v5/order/cancel-all", body, nil); err != nil {
		return err
	}
	c.logger.Debug(ctx, opCancelAll+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

type tradingStopBody struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	TrailingStop string `json:"trailingStop"`
	PositionIdx  int    `json:"positionIdx"`
}

// SetTrailingStop attaches a trailing stop, expressed as a price distance, to the one-way position.
func (c *Client) SetTrailingStop(ctx context.Context, req ports.TrailingStopRequest) error {
	body := tradingStopBody{
		Category:     c.category,
		Symbol:       req.Symbol,
		TrailingStop: req.Distance.String(),
		PositionIdx:  0,
	}
	return c.post(ctx, opSetTrailingStop, "/v5/position/trading-stop", body, nil)
}

type positionListResult struct {
	List []struct {
		Symbol string `json:"symbol"`
		Side   string `json:"side"`
		Size   string `json:"size"`
	} `json:"list"`
}

type closedPnLResult struct {
	List []struct {
		OrderID      string `json:"orderId"`
		Side         string `json:"side"` // side of the closing order
		ClosedSize   string `json:"closedSize"`
		AvgExitPrice string `json:"avgExitPrice"`
		ClosedPnL    string `json:"closedPnl"`
		UpdatedTime  string `json:"updatedTime"`
	} `json:"list"`
}

// QueryTrade combines entry order status, current position and closed PnL
// records since the trade was opened.
func (c *Client) QueryTrade(ctx context.Context, tq ports.TradeQuery) (*ports.TradeState, error) {
	entry, err := c.findOrder(ctx, opQueryTrade, tq.Symbol, "orderId", tq.OrderID)
	if err != nil {
		return nil, err
	}
	state := &ports.TradeState{
		EntryStatus:    entry.Status,
		EntryFilledQty: entry.ExecutedQty,
		EntryAvgPrice:  entry.AvgPrice,
	}
	if entry.Status.IsDead() && entry.ExecutedQty.IsZero() {
		return state, nil
	}
	if entry.Status != ports.OrderStatusFilled && entry.Status != ports.OrderStatusPartiallyFilled && entry.Status != ports.OrderStatusCancelled {
		// entry not settled yet, nothing to close
		state.PositionOpen = true
		return state, nil
	}

	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", tq.Symbol)
	var positions positionListResult
	if err := c.get(ctx, opQueryTrade, "/v5/position/list", q, true, &positions); err != nil {
		return nil, err
	}
	for _, p := range positions.List {
		size, err := decimal.NewFromString(p.Size)
		if err != nil {
			return nil, c.malformed(ctx, opQueryTrade, "position size %q", p.Size)
		}
		if size.IsPositive() && p.Side == string(tq.Side) {
			state.PositionOpen = true
			return state, nil
		}
	}

	q.Set("startTime", strconv.FormatInt(tq.OpenedAt.UnixMilli(), 10))
	q.Set("limit", "50")
	var closed closedPnLResult
	if err := c.get(ctx, opQueryTrade, "/v5/position/closed-pnl", q, true, &closed); err != nil {
		return nil, err
	}

	closingSide := string(tq.Side.Opposite())
	var pnl, qtySum, notional decimal.Decimal
	var last int64
	for _, r := range closed.List {
		if r.Side != closingSide {
			continue
		}
		size, err1 := decimal.NewFromString(r.ClosedSize)
		exit, err2 := decimal.NewFromString(r.AvgExitPrice)
		realized, err3 := decimal.NewFromString(r.ClosedPnL)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, c.malformed(ctx, opQueryTrade, "closed pnl record %s", r.OrderID)
		}
		pnl = pnl.Add(realized)
		qtySum = qtySum.Add(size)
		notional = notional.Add(size.Mul(exit))
		if ts, err := strconv.ParseInt(r.UpdatedTime, 10, 64); err == nil && ts > last {
			last = ts
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
