package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an entry order (Buy opens a long, Sell opens a short).
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// ParseSide accepts the exchange spelling in any letter case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	}
	return "", false
}

// Opposite returns the side used to close a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Direction is +1 for longs and -1 for shorts.
func (s Side) Direction() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	StatusPending            TradeStatus = "PENDING"
	StatusEntryPlaced        TradeStatus = "ENTRY_PLACED"
	StatusProtected          TradeStatus = "PROTECTED"
	StatusPartiallyProtected TradeStatus = "PARTIALLY_PROTECTED"
	StatusClosed             TradeStatus = "CLOSED"
	StatusFailed             TradeStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// ExitReason indicates why a trade was closed.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "tp_hit"
	ExitStopLoss   ExitReason = "sl_hit"
	ExitManual     ExitReason = "manual"
	ExitTimeout    ExitReason = "timeout"
	ExitUnknown    ExitReason = "unknown"
)

// ParseExitReason maps operator input onto a known reason. Empty input means manual.
func ParseExitReason(s string) (ExitReason, bool) {
	switch r := ExitReason(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return ExitManual, true
	case "manual_exit":
		return ExitManual, true
	case ExitTakeProfit, ExitStopLoss, ExitManual, ExitTimeout, ExitUnknown:
		return r, true
	}
	return "", false
}
