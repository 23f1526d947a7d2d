package domain

import "github.com/shopspring/decimal"

// Signal is the inbound alert payload. Optional fields are NullDecimal so that
// an absent value is distinguishable from zero.
type Signal struct {
	Side         string              `json:"side"`
	Symbol       string              `json:"symbol"`
	Qty          decimal.NullDecimal `json:"qty"`
	TakeProfit   decimal.NullDecimal `json:"tp"`
	StopLoss     decimal.NullDecimal `json:"sl"`
	Trailing     bool                `json:"trailing"`
	Callback     decimal.NullDecimal `json:"callback"`
	RiskPercent  decimal.NullDecimal `json:"risk_percent"`
	StrategyTag  string              `json:"strategy_tag"`
	SignalSource string              `json:"signal_source"`
}

// OrderIntent is a validated Signal with defaults applied.
type OrderIntent struct {
	Symbol       string
	Side         Side
	Qty          decimal.NullDecimal // absent means size by risk or use the default
	TakeProfit   decimal.Decimal
	StopLoss     decimal.Decimal
	Trailing     bool
	CallbackPct  decimal.Decimal
	RiskPercent  decimal.NullDecimal
	StrategyTag  string
	SignalSource string
}

// NewTrade creates the PENDING trade for an intent with a resolved quantity.
func (i *OrderIntent) NewTrade(qty decimal.Decimal) *Trade {
	t := &Trade{
		Symbol:          i.Symbol,
		Side:            i.Side,
		Quantity:        qty,
		Status:          StatusPending,
		TakeProfit:      decimal.NewNullDecimal(i.TakeProfit),
		StopLoss:        decimal.NewNullDecimal(i.StopLoss),
		TrailingEnabled: i.Trailing,
		StrategyTag:     i.StrategyTag,
		SignalSource:    i.SignalSource,
	}
	if i.Trailing {
		t.TrailingCallbackPct = decimal.NewNullDecimal(i.CallbackPct)
	}
	return t
}
