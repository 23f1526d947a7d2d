package app

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

var (
	symbolPattern  = regexp.MustCompile(`^[A-Z0-9]{2,30}$`)
	maxCallbackPct = decimal.NewFromInt(10)
	maxRiskPercent = decimal.NewFromInt(100)
)

// validateSignal checks an inbound signal and applies configured defaults.
// Every failure is a *ports.ValidationError.
func (s *TradingService) validateSignal(sig domain.Signal) (*domain.OrderIntent, error) {
	side, ok := domain.ParseSide(sig.Side)
	if !ok {
		return nil, ports.NewValidationError("side", "must be Buy or Sell, got %q", sig.Side)
	}

	symbol := strings.ToUpper(strings.TrimSpace(sig.Symbol))
	if symbol == "" {
		symbol = strings.ToUpper(s.cfg.DefaultSymbol)
	}
	if !symbolPattern.MatchString(symbol) {
		return nil, ports.NewValidationError("symbol", "invalid symbol %q", symbol)
	}

	if sig.Qty.Valid && !sig.Qty.Decimal.IsPositive() {
		return nil, ports.NewValidationError("qty", "must be positive, got %s", sig.Qty.Decimal)
	}
	if !sig.TakeProfit.Valid {
		return nil, ports.NewValidationError("tp", "is required")
	}
	if !sig.TakeProfit.Decimal.IsPositive() {
		return nil, ports.NewValidationError("tp", "must be positive, got %s", sig.TakeProfit.Decimal)
	}
	if !sig.StopLoss.Valid {
		return nil, ports.NewValidationError("sl", "is required")
	}
	if !sig.StopLoss.Decimal.IsPositive() {
		return nil, ports.NewValidationError("sl", "must be positive, got %s", sig.StopLoss.Decimal)
	}

	callback := s.cfg.DefaultCallbackPct
	if sig.Callback.Valid {
		callback = sig.Callback.Decimal
	}
	if sig.Trailing && (!callback.IsPositive() || callback.GreaterThan(maxCallbackPct)) {
		return nil, ports.NewValidationError("callback", "must be in (0, %s], got %s", maxCallbackPct, callback)
	}

	if sig.RiskPercent.Valid {
		rp := sig.RiskPercent.Decimal
		if !rp.IsPositive() || rp.GreaterThan(maxRiskPercent) {
			return nil, ports.NewValidationError("risk_percent", "must be in (0, 100], got %s", rp)
		}
	}

	return &domain.OrderIntent{
		Symbol:       symbol,
		Side:         side,
		Qty:          sig.Qty,
		TakeProfit:   sig.TakeProfit.Decimal,
		StopLoss:     sig.StopLoss.Decimal,
		Trailing:     sig.Trailing,
		CallbackPct:  callback,
		RiskPercent:  sig.RiskPercent,
		StrategyTag:  strings.TrimSpace(sig.StrategyTag),
		SignalSource: strings.TrimSpace(sig.SignalSource),
	}, nil
}
