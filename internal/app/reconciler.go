package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/config"
	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
	"bracketBot/internal/store"
)

// Reconciler polls the exchange for every open trade and closes the ones
// whose position is gone. It never evicts a trade it failed to query.
type Reconciler struct {
	logger   ports.Logger
	exchange ports.Exchange
	ledger   ports.TradeLedger
	store    *store.OpenTrades
	notifier ports.Notifier
	metrics  *metrics.Metrics

	interval     time.Duration
	grace        time.Duration
	queryTimeout time.Duration
	epsilon      decimal.Decimal
	now          func() time.Time
}

// CycleReport summarizes one reconciliation pass.
type CycleReport struct {
	Checked int // trades queried
	Skipped int // inside the grace period
	Closed  int
	Failed  int // query or ledger errors, retried next pass
}

// NewReconciler creates the background reconciliation task.
func NewReconciler(cfg *config.Config, deps Dependencies) (*Reconciler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing config for Reconciler", ports.ErrConfigurationError)
	}
	if deps.Logger == nil || deps.Exchange == nil || deps.Ledger == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for Reconciler", ports.ErrConfigurationError)
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("%w: reconcile interval must be positive", ports.ErrConfigurationError)
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		logger:       deps.Logger,
		exchange:     deps.Exchange,
		ledger:       deps.Ledger,
		store:        deps.Store,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		interval:     cfg.ReconcileInterval,
		grace:        cfg.ReconcileGrace,
		queryTimeout: timeout,
		epsilon:      cfg.ExitEpsilon,
		now:          time.Now,
	}, nil
}

// Run polls at the configured interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	op := "Reconciler.Run"
	r.logger.Info(ctx, op+": Reconciliation loop started", map[string]interface{}{
		"interval": r.interval.String(), "grace": r.grace.String(),
	})

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, op+": Reconciliation loop stopped", nil)
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass over a snapshot of the open trades.
func (r *Reconciler) RunOnce(ctx context.Context) CycleReport {
	op := "Reconciler.RunOnce"
	started := time.Now()
	var report CycleReport

	for _, trade := range r.store.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if r.now().Sub(trade.OpenedAt) < r.grace {
			report.Skipped++
			continue
		}

		report.Checked++
		closed, err := r.reconcileTrade(ctx, trade)
		if err != nil {
			report.Failed++
			r.logger.Warn(ctx, op+": Trade not reconciled, will retry", map[string]interface{}{
				"order_id": trade.OrderID, "symbol": trade.Symbol, "error": err.Error(),
			})
			continue
		}
		if closed {
			report.Closed++
		}
	}

	publishGauges(r.metrics, r.store)
	r.metrics.ReconcileCycle(time.Since(started), report.Failed)
	if report.Checked > 0 || report.Failed > 0 {
		r.logger.Debug(ctx, op+": Pass complete", map[string]interface{}{
			"checked": report.Checked, "skipped": report.Skipped, "closed": report.Closed, "failed": report.Failed,
		})
	}
	return report
}

// reconcileTrade reports whether the trade reached CLOSED in this pass.
func (r *Reconciler) reconcileTrade(ctx context.Context, trade *domain.Trade) (bool, error) {
	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	state, err := r.exchange.QueryTrade(qctx, ports.TradeQuery{
		Symbol:        trade.Symbol,
		OrderID:       trade.OrderID,
		ClientOrderID: trade.ClientOrderID,
		Side:          trade.Side,
		Qty:           trade.Quantity,
		OpenedAt:      trade.OpenedAt,
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ports.ErrReconcileTransient, err)
	}
	if state == nil {
		return false, fmt.Errorf("%w: %w: empty trade state", ports.ErrReconcileTransient, ports.ErrMalformedResponse)
	}

	// the entry never filled, so there was never a position
	if state.EntryStatus.IsDead() && !state.EntryFilledQty.IsPositive() {
		patch := domain.ClosePatch(decimal.NullDecimal{}, decimal.NewNullDecimal(decimal.Zero), domain.ExitUnknown, r.closedAt(state))
		msg := "entry order " + string(state.EntryStatus)
		patch.Error = &msg
		return r.close(ctx, trade, patch)
	}

	if state.PositionOpen {
		return false, nil
	}
	if !state.ExitPrice.Valid {
		r.logger.Debug(ctx, "Position flat but exit not reported yet", map[string]interface{}{"order_id": trade.OrderID})
		return false, nil
	}

	exit := state.ExitPrice.Decimal
	if !trade.EntryPrice.Valid && state.EntryAvgPrice.Valid {
		trade.EntryPrice = state.EntryAvgPrice
	}
	pnl := state.RealizedPnL
	if !pnl.Valid {
		pnl = computePnL(trade, exit)
	}
	reason := ClassifyExit(exit, bracketLevel(trade.EffectiveTakeProfit, trade.TakeProfit), bracketLevel(trade.EffectiveStopLoss, trade.StopLoss), r.epsilon)
	patch := domain.ClosePatch(decimal.NewNullDecimal(exit), pnl, reason, r.closedAt(state))
	patch.EntryPrice = trade.EntryPrice

	return r.close(ctx, trade, patch)
}

// close reports false without error when an operator close got there first.
func (r *Reconciler) close(ctx context.Context, trade *domain.Trade, patch domain.TradePatch) (bool, error) {
	op := "Reconciler.close"

	closed, err := finalizeClose(ctx, r.ledger, r.store, trade, patch, true)
	if errors.Is(err, errNoLongerOpen) {
		r.logger.Debug(ctx, op+": Trade closed elsewhere during the pass", map[string]interface{}{"order_id": trade.OrderID})
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.metrics.TradeClosed(string(closed.ExitReason))
	runtime := closed.Runtime(r.now()).Round(time.Second)
	r.logger.Info(ctx, op+": Trade closed", map[string]interface{}{
		"order_id":    closed.OrderID,
		"symbol":      closed.Symbol,
		"exit_price":  formatNull(closed.ExitPrice),
		"exit_reason": closed.ExitReason,
		"pnl":         formatNull(closed.PnL),
		"runtime":     runtime.String(),
	})
	sendNotification(ctx, r.notifier, r.logger, fmt.Sprintf("🏁 %s %s %s closed: %s\nExit: %s\nPnL: %s\nRuntime: %s",
		closed.Side, closed.Quantity, closed.Symbol, closed.ExitReason,
		formatNull(closed.ExitPrice), formatNull(closed.PnL), runtime))
	return true, nil
}

func (r *Reconciler) closedAt(state *ports.TradeState) time.Time {
	if state.ClosedAt.IsZero() {
		return r.now().UTC()
	}
	return state.ClosedAt.UTC()
}

// bracketLevel prefers the placed level over the requested one.
func bracketLevel(effective, requested decimal.NullDecimal) decimal.NullDecimal {
	if effective.Valid {
		return effective
	}
	return requested
}

// ClassifyExit names the bracket leg that an exit price matches within a
// relative tolerance eps. When both legs match the nearer one wins; when
// neither does the close is treated as manual.
func ClassifyExit(exit decimal.Decimal, tp, sl decimal.NullDecimal, eps decimal.Decimal) domain.ExitReason {
	tpDist, tpHit := relativeDistance(exit, tp, eps)
	slDist, slHit := relativeDistance(exit, sl, eps)

	switch {
	case tpHit && slHit:
		if slDist.LessThan(tpDist) {
			return domain.ExitStopLoss
		}
		return domain.ExitTakeProfit
	case tpHit:
		return domain.ExitTakeProfit
	case slHit:
		return domain.ExitStopLoss
	}
	return domain.ExitManual
}

func relativeDistance(exit decimal.Decimal, level decimal.NullDecimal, eps decimal.Decimal) (decimal.Decimal, bool) {
	if !level.Valid || !level.Decimal.IsPositive() {
		return decimal.Zero, false
	}
	dist := exit.Sub(level.Decimal).Abs().Div(level.Decimal)
	return dist, dist.LessThanOrEqual(eps)
}
