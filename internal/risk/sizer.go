package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

var hundred = decimal.NewFromInt(100)

// SizeRequest is the input to PositionSize.
type SizeRequest struct {
	Balance        decimal.Decimal
	RiskPercent    decimal.Decimal // percent of balance put at risk, e.g. 1 for 1%
	EntryPriceHint decimal.Decimal
	StopPrice      decimal.Decimal
	Side           domain.Side
	QtyStep        decimal.Decimal
	MinQty         decimal.Decimal
}

// PositionSize converts risk tolerance and stop distance into an order quantity,
// rounded down to the lot step. Every failure is a ValidationError wrapping
// ports.ErrSizingRejected; a zero quantity is never returned.
func (r *RiskManager) PositionSize(req SizeRequest) (decimal.Decimal, error) {
	switch {
	case !req.Balance.IsPositive():
		return decimal.Zero, sizingRejected("balance %s is not positive", req.Balance)
	case !req.RiskPercent.IsPositive() || req.RiskPercent.GreaterThan(hundred):
		return decimal.Zero, sizingRejected("risk percent %s outside (0, 100]", req.RiskPercent)
	case !req.EntryPriceHint.IsPositive():
		return decimal.Zero, sizingRejected("entry price %s is not positive", req.EntryPriceHint)
	}

	riskAmount := req.Balance.Mul(req.RiskPercent).Div(hundred)

	var stopDistance decimal.Decimal
	if req.Side == domain.Buy {
		stopDistance = req.EntryPriceHint.Sub(req.StopPrice)
	} else {
		stopDistance = req.StopPrice.Sub(req.EntryPriceHint)
	}
	if !stopDistance.IsPositive() {
		return decimal.Zero, sizingRejected("stop %s is on the wrong side of price %s for %s", req.StopPrice, req.EntryPriceHint, req.Side)
	}

	qty := FloorToStep(riskAmount.Div(stopDistance), req.QtyStep)
	if !qty.IsPositive() {
		return decimal.Zero, sizingRejected("quantity rounds to zero with step %s", req.QtyStep)
	}
	if req.MinQty.IsPositive() && qty.LessThan(req.MinQty) {
		return decimal.Zero, sizingRejected("quantity %s below minimum %s", qty, req.MinQty)
	}
	if notional := qty.Mul(req.EntryPriceHint); notional.GreaterThan(req.Balance) {
		return decimal.Zero, sizingRejected("notional %s exceeds balance %s", notional, req.Balance)
	}
	return qty, nil
}

func sizingRejected(format string, args ...interface{}) error {
	return &ports.ValidationError{Field: "qty", Reason: fmt.Sprintf(format, args...), Err: ports.ErrSizingRejected}
}
