package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/store"
)

// errNoLongerOpen means another close claimed or finished the trade first.
var errNoLongerOpen = errors.New("trade is no longer open")

// CloseRequest is an operator-reported outcome for a tracked trade.
type CloseRequest struct {
	OrderID   string
	ExitPrice decimal.Decimal
	PnL       decimal.NullDecimal // computed from the fill when absent
	Reason    domain.ExitReason
}

// CloseTrade records an operator close. The trade is looked up in the open
// set first and in the ledger second; a trade already CLOSED is rejected.
func (s *TradingService) CloseTrade(ctx context.Context, req CloseRequest) (*domain.Trade, error) {
	op := "CloseTrade"

	closed, err := RecordClose(ctx, s.ledger, s.store, req, s.now())
	if err != nil {
		if !errors.Is(err, ports.ErrInvalidRequest) && !errors.Is(err, ports.ErrNotFound) {
			s.logger.Error(ctx, err, op+": Failed to close trade", map[string]interface{}{"order_id": req.OrderID})
		}
		return nil, err
	}
	publishGauges(s.metrics, s.store)
	s.metrics.TradeClosed(string(closed.ExitReason))

	s.logger.Info(ctx, op+": Trade closed by operator", map[string]interface{}{
		"order_id": closed.OrderID, "exit_price": req.ExitPrice.String(), "pnl": formatNull(closed.PnL), "exit_reason": closed.ExitReason,
	})
	s.notify(ctx, "🏁 %s %s closed (%s)\nExit: %s\nPnL: %s", closed.Symbol, closed.OrderID, closed.ExitReason, req.ExitPrice, formatNull(closed.PnL))
	return closed, nil
}

// RecordClose applies an operator close against the ledger and the open set
// without touching the exchange. It backs both CloseTrade and the CLI.
func RecordClose(ctx context.Context, ledger ports.TradeLedger, open *store.OpenTrades, req CloseRequest, now time.Time) (*domain.Trade, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, ports.NewValidationError("order_id", "is required")
	}
	if !req.ExitPrice.IsPositive() {
		return nil, ports.NewValidationError("exit_price", "must be positive, got %s", req.ExitPrice)
	}
	reason := req.Reason
	if reason == "" {
		reason = domain.ExitManual
	}

	trade, tracked := open.Get(orderID)
	if !tracked {
		found, err := ledger.FindByOrderID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("close %s: %w", orderID, err)
		}
		trade = found
	}
	if trade.Status.IsTerminal() {
		return nil, ports.NewValidationError("order_id", "trade %s is already %s", orderID, trade.Status)
	}

	pnl := req.PnL
	if !pnl.Valid {
		pnl = computePnL(trade, req.ExitPrice)
	}
	patch := domain.ClosePatch(decimal.NewNullDecimal(req.ExitPrice), pnl, reason, now.UTC())
	closed, err := finalizeClose(ctx, ledger, open, trade, patch, tracked)
	if errors.Is(err, errNoLongerOpen) {
		return nil, ports.NewValidationError("order_id", "trade %s is already closed or closing", orderID)
	}
	return closed, err
}

// finalizeClose writes the terminal patch to the ledger and only then drops
// the trade from the open set. A tracked trade is claimed first, so of two
// concurrent closes only one reaches the ledger; the loser gets
// errNoLongerOpen. An Update for an id the ledger never saw falls back to
// appending the full closed snapshot.
func finalizeClose(ctx context.Context, ledger ports.TradeLedger, open *store.OpenTrades, trade *domain.Trade, patch domain.TradePatch, tracked bool) (*domain.Trade, error) {
	if tracked {
		if _, ok := open.Claim(trade.OrderID); !ok {
			return nil, fmt.Errorf("record close of %s: %w", trade.OrderID, errNoLongerOpen)
		}
	}
	closed := trade.Clone()
	patch.Apply(closed)

	err := ledger.Update(ctx, trade.OrderID, patch)
	if errors.Is(err, ports.ErrNotFound) {
		err = ledger.Append(ctx, closed.Clone())
	}
	if err != nil {
		if tracked {
			open.Release(trade.OrderID)
		}
		return nil, fmt.Errorf("record close of %s: %w", trade.OrderID, err)
	}

	if tracked {
		// the ledger is authoritative now; a failed persistence delete is
		// logged by the store and the row is dropped on the next Restore
		_, _ = open.Remove(ctx, trade.OrderID)
	}
	return closed, nil
}

// computePnL derives pnl from the fill prices. It is invalid when the entry price is unknown.
func computePnL(trade *domain.Trade, exit decimal.Decimal) decimal.NullDecimal {
	if !trade.EntryPrice.Valid {
		return decimal.NullDecimal{}
	}
	pnl := exit.Sub(trade.EntryPrice.Decimal).Mul(trade.Quantity).Mul(trade.Side.Direction())
	return decimal.NewNullDecimal(pnl)
}
