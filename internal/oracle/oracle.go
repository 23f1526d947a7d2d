package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/internal/ports"
)

// PriceOracle fetches the last traded price for a symbol.
// It performs no retries; callers decide whether ErrQuoteUnavailable is fatal.
type PriceOracle struct {
	source  ports.MarketData
	timeout time.Duration
	logger  ports.Logger
}

// New creates a PriceOracle. A zero timeout leaves the caller's deadline in charge.
func New(source ports.MarketData, timeout time.Duration, logger ports.Logger) *PriceOracle {
	return &PriceOracle{source: source, timeout: timeout, logger: logger}
}

// Price returns a positive price or an error wrapping ports.ErrQuoteUnavailable.
func (o *PriceOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	price, err := o.source.GetTickerPrice(ctx, symbol)
	if err != nil {
		o.logger.Warn(ctx, "Price quote failed", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return decimal.Zero, fmt.Errorf("%w: %s: %w", ports.ErrQuoteUnavailable, symbol, err)
	}
	if !price.IsPositive() {
		o.logger.Warn(ctx, "Price quote not positive", map[string]interface{}{"symbol": symbol, "price": price.String()})
		return decimal.Zero, fmt.Errorf("%w: %s: non-positive price %s", ports.ErrQuoteUnavailable, symbol, price)
	}
	return price, nil
}
