package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one entry order and the bracket protecting it.
// OrderID is assigned by the exchange and is the Trade's key once the entry is placed.
type Trade struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"` // fixed once the entry is sent
	Status        TradeStatus     `json:"status"`

	EntryPrice          decimal.NullDecimal `json:"entry_price"`
	TakeProfit          decimal.NullDecimal `json:"take_profit"` // as requested by the signal
	StopLoss            decimal.NullDecimal `json:"stop_loss"`
	EffectiveTakeProfit decimal.NullDecimal `json:"effective_take_profit"` // as placed
	EffectiveStopLoss   decimal.NullDecimal `json:"effective_stop_loss"`

	SLAutoAdjusted bool `json:"sl_auto_adjusted"`
	TPRejected     bool `json:"tp_rejected"`
	TPClamped      bool `json:"tp_clamped"`

	TrailingEnabled     bool                `json:"trailing_enabled"`
	TrailingCallbackPct decimal.NullDecimal `json:"trailing_callback_pct"`

	OpenedAt   time.Time           `json:"opened_at"`
	ClosedAt   *time.Time          `json:"closed_at,omitempty"`
	ExitPrice  decimal.NullDecimal `json:"exit_price"`
	ExitReason ExitReason          `json:"exit_reason,omitempty"`
	PnL        decimal.NullDecimal `json:"pnl"`

	StrategyTag  string `json:"strategy_tag,omitempty"`
	SignalSource string `json:"signal_source,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (t *Trade) Clone() *Trade {
	c := *t
	if t.ClosedAt != nil {
		closed := *t.ClosedAt
		c.ClosedAt = &closed
	}
	return &c
}

// Runtime is the time the trade has been (or was) open.
func (t *Trade) Runtime(now time.Time) time.Duration {
	if t.ClosedAt != nil {
		return t.ClosedAt.Sub(t.OpenedAt)
	}
	return now.Sub(t.OpenedAt)
}

// IsOpen checks whether the trade still awaits a terminal outcome.
func (t *Trade) IsOpen() bool {
	return !t.Status.IsTerminal()
}

// TradePatch is a field-level update applied to a ledger record.
// Nil pointers and invalid NullDecimals leave the field untouched.
type TradePatch struct {
	Status     *TradeStatus
	EntryPrice decimal.NullDecimal
	ExitPrice  decimal.NullDecimal
	ExitReason *ExitReason
	PnL        decimal.NullDecimal
	ClosedAt   *time.Time
	Error      *string
}

// ClosePatch builds the patch written when a trade reaches CLOSED.
func ClosePatch(exitPrice decimal.NullDecimal, pnl decimal.NullDecimal, reason ExitReason, closedAt time.Time) TradePatch {
	status := StatusClosed
	return TradePatch{
		Status:     &status,
		ExitPrice:  exitPrice,
		ExitReason: &reason,
		PnL:        pnl,
		ClosedAt:   &closedAt,
	}
}

// Apply copies the set fields of p onto t.
func (p TradePatch) Apply(t *Trade) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.EntryPrice.Valid {
		t.EntryPrice = p.EntryPrice
	}
	if p.ExitPrice.Valid {
		t.ExitPrice = p.ExitPrice
	}
	if p.ExitReason != nil {
		t.ExitReason = *p.ExitReason
	}
	if p.PnL.Valid {
		t.PnL = p.PnL
	}
	if p.ClosedAt != nil {
		closed := *p.ClosedAt
		t.ClosedAt = &closed
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
}
