package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrTakeProfitWrongSide is returned when a TP sits on the losing side of the current price.
var ErrTakeProfitWrongSide = errors.New("take profit is on the wrong side of the current price")

// RiskConfig holds the bracket policy constants. Distances are fractions of price (0.07 = 7%).
type RiskConfig struct {
	MaxStopLossDistance   decimal.Decimal
	MaxTakeProfitDistance decimal.Decimal
	FallbackTakeProfit    decimal.Decimal
}

// DefaultRiskConfig returns the policy used when nothing is configured.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxStopLossDistance:   decimal.RequireFromString("0.07"),
		MaxTakeProfitDistance: decimal.RequireFromString("0.30"),
		FallbackTakeProfit:    decimal.RequireFromString("0.02"),
	}
}

// RiskManager sizes positions and validates brackets. It holds no mutable state
// and is safe for concurrent use.
type RiskManager struct {
	config RiskConfig
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig) *RiskManager {
	return &RiskManager{config: config}
}

// Config returns the policy in use.
func (r *RiskManager) Config() RiskConfig {
	return r.config
}

// FloorToStep rounds v down to a multiple of step. A non-positive step leaves v unchanged.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundToward rounds p to a multiple of tick in the direction of ref, so a
// rounded stop or target never ends up further from ref than requested.
func RoundToward(p, tick, ref decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return p
	}
	steps := p.Div(tick)
	if p.LessThan(ref) {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}
