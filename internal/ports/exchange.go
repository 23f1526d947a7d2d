package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce of a resting order.
type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "GTC"
	TimeInForceIOC      TimeInForce = "IOC"
	TimeInForcePostOnly TimeInForce = "PostOnly"
)

// TriggerDirection says which way price must cross TriggerPrice for a conditional order to fire.
type TriggerDirection int

const (
	TriggerNone TriggerDirection = 0
	TriggerRise TriggerDirection = 1 // fires when price rises to the trigger
	TriggerFall TriggerDirection = 2 // fires when price falls to the trigger
)

// OrderStatus is the normalised state of an exchange order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
	OrderStatusUnknown         OrderStatus = "Unknown"
)

// IsDead reports whether the order can no longer fill.
func (s OrderStatus) IsDead() bool {
	return s == OrderStatusCancelled || s == OrderStatusRejected
}

// OrderRequest describes one order to send. Price is set for limit orders,
// TriggerPrice and TriggerDirection for stop-triggered orders.
type OrderRequest struct {
	Symbol           string
	Side             domain.Side
	Type             OrderType
	Qty              decimal.Decimal
	Price            decimal.NullDecimal
	TriggerPrice     decimal.NullDecimal
	TriggerDirection TriggerDirection
	ReduceOnly       bool
	TimeInForce      TimeInForce
	ClientOrderID    string
}

// OrderResponse represents the essential details returned for an order.
type OrderResponse struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        OrderStatus
	AvgPrice      decimal.NullDecimal // zero-value until filled
	ExecutedQty   decimal.Decimal
}

// Instrument carries the precision rules for a symbol.
type Instrument struct {
	Symbol   string
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
	TickSize decimal.Decimal
}

// TrailingStopRequest attaches a trailing stop to an open position.
// Side is the side of the position, not of the closing order.
type TrailingStopRequest struct {
	Symbol      string
	Side        domain.Side
	Qty         decimal.Decimal
	CallbackPct decimal.Decimal // percent of price, e.g. 0.75
	Distance    decimal.Decimal // CallbackPct applied to the reference price, in price units
}

// TradeQuery identifies the entry order of a tracked trade.
type TradeQuery struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          domain.Side
	Qty           decimal.Decimal
	OpenedAt      time.Time
}

// TradeState is what the exchange reports about a tracked trade.
type TradeState struct {
	EntryStatus    OrderStatus
	EntryFilledQty decimal.Decimal
	EntryAvgPrice  decimal.NullDecimal
	PositionOpen   bool                // position for the symbol still has size
	ExitPrice      decimal.NullDecimal // average price of the closing fills, when flat
	RealizedPnL    decimal.NullDecimal // cumulative realized PnL since the entry
	ClosedAt       time.Time           // zero when unknown
}

// MarketData is the read-only price source used by the Price Oracle.
type MarketData interface {
	// GetTickerPrice retrieves the last traded price for a given symbol.
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Exchange defines the interface for interacting with a derivatives exchange.
// Every implementation signs its own requests and bounds them with a timeout.
type Exchange interface {
	MarketData

	// Name identifies the venue in logs and metrics.
	Name() string

	// GetAvailableBalance retrieves the available balance for a settlement asset (e.g., "USDT").
	GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// GetInstrument retrieves lot size and tick size for a symbol.
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)

	// PlaceOrder submits a single order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// LookupOrder finds an order by its client order id.
	// Returns ErrOrderNotFound when the exchange has no such order.
	LookupOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error)

	// CancelAllOrders cancels every working order for a symbol. Cancelling nothing is not an error.
	CancelAllOrders(ctx context.Context, symbol string) error

	// SetTrailingStop attaches a trailing stop to the open position.
	SetTrailingStop(ctx context.Context, req TrailingStopRequest) error

	// QueryTrade reports entry fill and position state for a tracked trade.
	QueryTrade(ctx context.Context, q TradeQuery) (*TradeState, error)
}
