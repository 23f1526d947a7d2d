package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
)

// TakeProfitDecision is the outcome of ValidateTakeProfit.
type TakeProfitDecision struct {
	Price   decimal.Decimal
	Clamped bool
}

// StopLossDecision is the outcome of ValidateStopLoss.
type StopLossDecision struct {
	Price    decimal.Decimal
	Adjusted bool
}

// ValidateTakeProfit rejects a TP on the wrong side of priceNow and clamps one
// beyond the maximum distance to exactly the cap.
func (r *RiskManager) ValidateTakeProfit(tp, priceNow decimal.Decimal, side domain.Side) (TakeProfitDecision, error) {
	one := decimal.NewFromInt(1)
	if side == domain.Buy {
		if !tp.GreaterThan(priceNow) {
			return TakeProfitDecision{}, fmt.Errorf("%w: tp %s <= price %s for Buy", ErrTakeProfitWrongSide, tp, priceNow)
		}
		limit := priceNow.Mul(one.Add(r.config.MaxTakeProfitDistance))
		if tp.GreaterThan(limit) {
			return TakeProfitDecision{Price: limit, Clamped: true}, nil
		}
		return TakeProfitDecision{Price: tp}, nil
	}

	if !tp.LessThan(priceNow) {
		return TakeProfitDecision{}, fmt.Errorf("%w: tp %s >= price %s for Sell", ErrTakeProfitWrongSide, tp, priceNow)
	}
	limit := priceNow.Mul(one.Sub(r.config.MaxTakeProfitDistance))
	if tp.LessThan(limit) {
		return TakeProfitDecision{Price: limit, Clamped: true}, nil
	}
	return TakeProfitDecision{Price: tp}, nil
}

// ValidateStopLoss replaces an SL further than the maximum distance from
// priceNow with the boundary on the losing side.
func (r *RiskManager) ValidateStopLoss(sl, priceNow decimal.Decimal, side domain.Side) StopLossDecision {
	distance := sl.Sub(priceNow).Abs().Div(priceNow)
	if !distance.GreaterThan(r.config.MaxStopLossDistance) {
		return StopLossDecision{Price: sl}
	}
	one := decimal.NewFromInt(1)
	if side == domain.Buy {
		return StopLossDecision{Price: priceNow.Mul(one.Sub(r.config.MaxStopLossDistance)), Adjusted: true}
	}
	return StopLossDecision{Price: priceNow.Mul(one.Add(r.config.MaxStopLossDistance)), Adjusted: true}
}

// FallbackTakeProfit calculates the profit target used when the requested TP is unusable.
func (r *RiskManager) FallbackTakeProfit(entryPrice decimal.Decimal, side domain.Side) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == domain.Buy {
		return entryPrice.Mul(one.Add(r.config.FallbackTakeProfit))
	}
	return entryPrice.Mul(one.Sub(r.config.FallbackTakeProfit))
}
