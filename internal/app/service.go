package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"bracketBot/config"
	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
	"bracketBot/internal/store"
)

var hundred = decimal.NewFromInt(100)

// PriceSource supplies reference prices. *oracle.PriceOracle satisfies it.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Dependencies groups the collaborators shared by TradingService and Reconciler.
type Dependencies struct {
	Logger   ports.Logger
	Exchange ports.Exchange
	Oracle   PriceSource
	Risk     *risk.RiskManager
	Ledger   ports.TradeLedger
	Store    *store.OpenTrades
	Notifier ports.Notifier   // optional
	Metrics  *metrics.Metrics // optional
}

// TradingService turns webhook signals into bracketed positions: a market
// entry followed by a stop-loss, a take-profit and an optional trailing stop.
type TradingService struct {
	cfg      *config.Config
	logger   ports.Logger
	exchange ports.Exchange
	oracle   PriceSource
	risk     *risk.RiskManager
	ledger   ports.TradeLedger
	store    *store.OpenTrades
	notifier ports.Notifier
	metrics  *metrics.Metrics

	newID       func() string
	now         func() time.Time
	retryMin    time.Duration
	retryMax    time.Duration
	callTimeout time.Duration // per exchange or storage call once orders are in flight
}

// NewTradingService creates a new trading service instance
func NewTradingService(cfg *config.Config, deps Dependencies) (*TradingService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing config for TradingService", ports.ErrConfigurationError)
	}
	if deps.Logger == nil || deps.Exchange == nil || deps.Oracle == nil || deps.Risk == nil || deps.Ledger == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for TradingService", ports.ErrConfigurationError)
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TradingService{
		cfg:      cfg,
		logger:   deps.Logger,
		exchange: deps.Exchange,
		oracle:   deps.Oracle,
		risk:     deps.Risk,
		ledger:   deps.Ledger,
		store:    deps.Store,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		newID:    uuid.NewString,
		now:      time.Now,
		retryMin: 250 * time.Millisecond,
		retryMax: 2 * time.Second,

		callTimeout: timeout,
	}, nil
}

// HandleSignal runs the entry lifecycle for one signal. Validation, sizing
// and quote failures return before any order is placed. A failed entry
// returns the FAILED trade together with an error wrapping ports.ErrEntryFailed.
// Bracket problems after a successful entry are reported through the trade
// status and notifications, never as an error.
//
// Once orders are sent the lifecycle no longer follows ctx cancellation: a
// caller that hangs up after the entry still gets its position bracketed and
// recorded. Each outbound call from then on carries its own timeout.
func (s *TradingService) HandleSignal(ctx context.Context, sig domain.Signal) (*domain.Trade, error) {
	op := "HandleSignal"

	// 1. Validate at the boundary
	intent, err := s.validateSignal(sig)
	if err != nil {
		s.metrics.Signal("invalid")
		s.logger.Warn(ctx, op+": Signal rejected", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	fields := map[string]interface{}{"op": op, "symbol": intent.Symbol, "side": intent.Side}

	// 2. Instrument precision
	inst := s.instrument(ctx, intent.Symbol)

	// 3. Resolve quantity
	qty, err := s.resolveQty(ctx, intent, inst)
	if err != nil {
		s.metrics.Signal(signalResult(err))
		s.logger.Warn(ctx, op+": Quantity could not be resolved", mergeFields(fields, map[string]interface{}{"error": err.Error()}))
		return nil, err
	}

	trade := intent.NewTrade(qty)
	trade.ClientOrderID = s.newID()
	fields["qty"] = qty.String()
	fields["client_order_id"] = trade.ClientOrderID

	ctx = context.WithoutCancel(ctx)

	// 4. Flatten working orders left by earlier signals on this symbol
	cctx, cancel := s.bounded(ctx)
	err = s.exchange.CancelAllOrders(cctx, trade.Symbol)
	cancel()
	if err != nil {
		s.logger.Warn(ctx, op+": Failed to cancel stale orders, continuing", mergeFields(fields, map[string]interface{}{"error": err.Error()}))
	}

	// 5. Entry
	if err := s.placeEntry(ctx, trade); err != nil {
		s.failTrade(ctx, trade, err)
		s.metrics.Signal("entry_failed")
		return trade.Clone(), fmt.Errorf("%w: %w", ports.ErrEntryFailed, err)
	}
	fields["order_id"] = trade.OrderID
	s.logger.Info(ctx, op+": Entry placed", fields)

	// 6. Bracket against a fresh reference price
	ref, ok := s.referencePrice(ctx, trade)
	if ok {
		s.placeBracket(ctx, trade, inst, ref)
	} else {
		s.markUnprotected(ctx, trade)
	}

	// 7. Trailing stop, best effort
	if trade.TrailingEnabled {
		if ok {
			s.attachTrailingStop(ctx, trade, inst, ref)
		} else {
			s.notify(ctx, "⚠️ Trailing stop skipped for %s %s: no reference price", trade.Symbol, trade.OrderID)
		}
	}

	// 8. Record and track
	s.record(ctx, trade)
	s.metrics.Signal("accepted")
	return trade.Clone(), nil
}

func signalResult(err error) string {
	switch {
	case errors.Is(err, ports.ErrQuoteUnavailable):
		return "quote_unavailable"
	case errors.Is(err, ports.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}

// instrument returns exchange precision for symbol, falling back to the configured values.
func (s *TradingService) instrument(ctx context.Context, symbol string) ports.Instrument {
	fallback := ports.Instrument{
		Symbol:   symbol,
		QtyStep:  s.cfg.FallbackQtyStep,
		MinQty:   s.cfg.FallbackMinQty,
		TickSize: s.cfg.FallbackTickSize,
	}
	inst, err := s.exchange.GetInstrument(ctx, symbol)
	if err != nil || inst == nil {
		fields := map[string]interface{}{"symbol": symbol}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.logger.Warn(ctx, "Instrument info unavailable, using configured precision", fields)
		return fallback
	}
	if !inst.QtyStep.IsPositive() {
		inst.QtyStep = fallback.QtyStep
	}
	if !inst.TickSize.IsPositive() {
		inst.TickSize = fallback.TickSize
	}
	return *inst
}

// resolveQty picks the entry quantity: explicit qty, then risk sizing, then the configured default.
func (s *TradingService) resolveQty(ctx context.Context, intent *domain.OrderIntent, inst ports.Instrument) (decimal.Decimal, error) {
	if intent.Qty.Valid {
		return checkQty(risk.FloorToStep(intent.Qty.Decimal, inst.QtyStep), inst)
	}

	riskPct := s.cfg.RiskPercent
	if intent.RiskPercent.Valid {
		riskPct = intent.RiskPercent.Decimal
	}
	if riskPct.IsPositive() {
		return s.sizeByRisk(ctx, intent, inst, riskPct)
	}

	return checkQty(risk.FloorToStep(s.cfg.DefaultQty, inst.QtyStep), inst)
}

func checkQty(qty decimal.Decimal, inst ports.Instrument) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, ports.NewValidationError("qty", "rounds to zero with lot step %s", inst.QtyStep)
	}
	if inst.MinQty.IsPositive() && qty.LessThan(inst.MinQty) {
		return decimal.Zero, ports.NewValidationError("qty", "%s below minimum %s", qty, inst.MinQty)
	}
	return qty, nil
}

func (s *TradingService) sizeByRisk(ctx context.Context, intent *domain.OrderIntent, inst ports.Instrument, riskPct decimal.Decimal) (decimal.Decimal, error) {
	op := "sizeByRisk"

	price, err := s.oracle.Price(ctx, intent.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	balance, err := s.exchange.GetAvailableBalance(ctx, s.cfg.SettleCoin)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: balance: %w", op, err)
	}

	// size against the stop that will actually be placed
	stop := s.risk.ValidateStopLoss(intent.StopLoss, price, intent.Side).Price
	qty, err := s.risk.PositionSize(risk.SizeRequest{
		Balance:        balance,
		RiskPercent:    riskPct,
		EntryPriceHint: price,
		StopPrice:      stop,
		Side:           intent.Side,
		QtyStep:        inst.QtyStep,
		MinQty:         inst.MinQty,
	})
	if err != nil {
		return decimal.Zero, err
	}

	s.logger.Debug(ctx, op+": Sized position", map[string]interface{}{
		"symbol":       intent.Symbol,
		"balance":      balance.String(),
		"risk_percent": riskPct.String(),
		"price":        price.String(),
		"stop":         stop.String(),
		"qty":          qty.String(),
	})
	return qty, nil
}

// placeEntry sends the market entry. A transient failure is followed by one
// lookup by client order id, since the order may have reached the exchange.
func (s *TradingService) placeEntry(ctx context.Context, trade *domain.Trade) error {
	op := "placeEntry"
	req := ports.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          trade.Side,
		Type:          ports.OrderTypeMarket,
		Qty:           trade.Quantity,
		ClientOrderID: trade.ClientOrderID,
	}

	cctx, cancel := s.bounded(ctx)
	resp, err := s.exchange.PlaceOrder(cctx, req)
	cancel()
	if err != nil && ports.IsTransient(err) {
		s.logger.Warn(ctx, op+": Entry outcome unknown, looking up by client order id", map[string]interface{}{
			"symbol": trade.Symbol, "client_order_id": trade.ClientOrderID, "error": err.Error(),
		})
		cctx, cancel := s.bounded(ctx)
		found, lookupErr := s.exchange.LookupOrder(cctx, trade.Symbol, trade.ClientOrderID)
		cancel()
		switch {
		case lookupErr == nil && found != nil && !found.Status.IsDead():
			resp, err = found, nil
		case lookupErr != nil && !errors.Is(lookupErr, ports.ErrOrderNotFound):
			s.logger.Warn(ctx, op+": Entry lookup failed", map[string]interface{}{"client_order_id": trade.ClientOrderID, "error": lookupErr.Error()})
		}
	}
	if err != nil {
		s.metrics.Order("entry", "failed")
		return err
	}
	if resp == nil || resp.OrderID == "" {
		s.metrics.Order("entry", "failed")
		return fmt.Errorf("%s: %w: no order id", op, ports.ErrMalformedResponse)
	}
	if resp.Status.IsDead() {
		s.metrics.Order("entry", "failed")
		return &ports.ExchangeError{Op: op, Message: "entry order " + string(resp.Status), Err: ports.ErrOrderPlacementFailed}
	}

	trade.OrderID = resp.OrderID
	trade.Status = domain.StatusEntryPlaced
	trade.OpenedAt = s.now().UTC()
	if resp.AvgPrice.Valid && resp.AvgPrice.Decimal.IsPositive() {
		trade.EntryPrice = resp.AvgPrice
	} else {
		s.confirmEntryPrice(ctx, trade)
	}
	s.metrics.Order("entry", "placed")
	return nil
}

// confirmEntryPrice reads the average fill of a market entry that was
// acknowledged without one. Failure leaves the price unset for the reconciler.
func (s *TradingService) confirmEntryPrice(ctx context.Context, trade *domain.Trade) {
	cctx, cancel := s.bounded(ctx)
	defer cancel()
	resp, err := s.exchange.LookupOrder(cctx, trade.Symbol, trade.ClientOrderID)
	if err != nil {
		s.logger.Debug(ctx, "Entry fill price not confirmed yet", map[string]interface{}{"order_id": trade.OrderID, "error": err.Error()})
		return
	}
	if resp != nil && resp.AvgPrice.Valid && resp.AvgPrice.Decimal.IsPositive() {
		trade.EntryPrice = resp.AvgPrice
	}
}

func (s *TradingService) failTrade(ctx context.Context, trade *domain.Trade, cause error) {
	op := "failTrade"
	trade.Status = domain.StatusFailed
	trade.Error = cause.Error()
	if trade.OpenedAt.IsZero() {
		trade.OpenedAt = s.now().UTC()
	}

	s.logger.Error(ctx, cause, op+": Entry failed", map[string]interface{}{
		"symbol": trade.Symbol, "side": trade.Side, "qty": trade.Quantity.String(), "client_order_id": trade.ClientOrderID,
	})
	// the failed attempt is the only ledger record this trade gets
	cctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.ledger.Append(cctx, trade.Clone()); err != nil {
		s.logger.Error(ctx, err, op+": Failed to record failed entry", map[string]interface{}{"client_order_id": trade.ClientOrderID})
	}
	s.notify(ctx, "❌ Entry failed: %s %s %s\n%v", trade.Side, trade.Quantity, trade.Symbol, cause)
}

// referencePrice re-fetches the live price after entry. When the quote is
// unavailable the confirmed fill price is used instead; no price is invented.
func (s *TradingService) referencePrice(ctx context.Context, trade *domain.Trade) (decimal.Decimal, bool) {
	price, err := s.oracle.Price(ctx, trade.Symbol)
	if err == nil {
		return price, true
	}
	if trade.EntryPrice.Valid {
		s.logger.Warn(ctx, "Quote unavailable after entry, using fill price as reference", map[string]interface{}{
			"order_id": trade.OrderID, "fill_price": trade.EntryPrice.Decimal.String(), "error": err.Error(),
		})
		return trade.EntryPrice.Decimal, true
	}
	s.logger.Error(ctx, err, "No reference price for bracket", map[string]interface{}{"order_id": trade.OrderID})
	return decimal.Zero, false
}

func (s *TradingService) markUnprotected(ctx context.Context, trade *domain.Trade) {
	trade.Status = domain.StatusPartiallyProtected
	trade.Error = "bracket not placed: " + ports.ErrQuoteUnavailable.Error()
	s.metrics.Order("stop_loss", "failed")
	s.metrics.Order("take_profit", "failed")
	s.notify(ctx, "🚨 %s %s %s is OPEN WITHOUT TP/SL (order %s): no reference price", trade.Side, trade.Quantity, trade.Symbol, trade.OrderID)
}

// placeBracket places the stop first, then the target, and sets the final status.
func (s *TradingService) placeBracket(ctx context.Context, trade *domain.Trade, inst ports.Instrument, ref decimal.Decimal) {
	op := "placeBracket"

	slErr := s.placeStopLoss(ctx, trade, inst, ref)
	tpErr := s.placeTakeProfit(ctx, trade, inst, ref)
	if slErr == nil && tpErr == nil {
		trade.Status = domain.StatusProtected
		return
	}

	trade.Status = domain.StatusPartiallyProtected
	err := errors.Join(slErr, tpErr)
	trade.Error = err.Error()
	s.logger.Error(ctx, err, op+": Trade is partially protected", map[string]interface{}{
		"order_id": trade.OrderID, "symbol": trade.Symbol, "sl_ok": slErr == nil, "tp_ok": tpErr == nil,
	})
	s.notify(ctx, "🚨 PARTIALLY PROTECTED %s %s %s (order %s)\n%v", trade.Side, trade.Quantity, trade.Symbol, trade.OrderID, err)
}

func (s *TradingService) placeStopLoss(ctx context.Context, trade *domain.Trade, inst ports.Instrument, ref decimal.Decimal) error {
	op := "placeStopLoss"

	decision := s.risk.ValidateStopLoss(trade.StopLoss.Decimal, ref, trade.Side)
	price := risk.RoundToward(decision.Price, inst.TickSize, ref)
	if decision.Adjusted {
		trade.SLAutoAdjusted = true
		s.metrics.Adjustment("sl_auto_adjusted")
		s.logger.Warn(ctx, op+": Stop loss too far, adjusted", map[string]interface{}{
			"order_id": trade.OrderID, "requested": trade.StopLoss.Decimal.String(), "effective": price.String(), "price": ref.String(),
		})
		s.notify(ctx, "⚠️ SL for %s adjusted from %s to %s (max distance %s%%)",
			trade.Symbol, trade.StopLoss.Decimal, price, s.risk.Config().MaxStopLossDistance.Mul(hundred))
	}

	direction := ports.TriggerFall
	if trade.Side == domain.Sell {
		direction = ports.TriggerRise
	}
	req := ports.OrderRequest{
		Symbol:           trade.Symbol,
		Side:             trade.Side.Opposite(),
		Type:             ports.OrderTypeMarket,
		Qty:              trade.Quantity,
		TriggerPrice:     decimal.NewNullDecimal(price),
		TriggerDirection: direction,
		ReduceOnly:       true,
		TimeInForce:      ports.TimeInForceGTC,
		ClientOrderID:    s.newID(),
	}
	if _, err := s.placeWithRetry(ctx, "stop_loss", req); err != nil {
		return fmt.Errorf("stop loss at %s: %w", price, err)
	}
	trade.EffectiveStopLoss = decimal.NewNullDecimal(price)
	return nil
}

func (s *TradingService) placeTakeProfit(ctx context.Context, trade *domain.Trade, inst ports.Instrument, ref decimal.Decimal) error {
	op := "placeTakeProfit"

	decision, err := s.risk.ValidateTakeProfit(trade.TakeProfit.Decimal, ref, trade.Side)
	if err != nil {
		s.logger.Warn(ctx, op+": Take profit rejected", map[string]interface{}{"order_id": trade.OrderID, "error": err.Error()})
		return s.placeFallbackTakeProfit(ctx, trade, inst, ref, err)
	}

	price := risk.RoundToward(decision.Price, inst.TickSize, ref)
	if decision.Clamped {
		trade.TPClamped = true
		s.metrics.Adjustment("tp_clamped")
		s.logger.Warn(ctx, op+": Take profit too far, clamped", map[string]interface{}{
			"order_id": trade.OrderID, "requested": trade.TakeProfit.Decimal.String(), "effective": price.String(),
		})
		s.notify(ctx, "⚠️ TP for %s clamped from %s to %s", trade.Symbol, trade.TakeProfit.Decimal, price)
	}

	err = s.submitTakeProfit(ctx, trade, price)
	if err == nil {
		return nil
	}
	if ports.IsTransient(err) {
		return fmt.Errorf("take profit at %s: %w", price, err)
	}
	s.logger.Warn(ctx, op+": Exchange rejected take profit", map[string]interface{}{"order_id": trade.OrderID, "error": err.Error()})
	return s.placeFallbackTakeProfit(ctx, trade, inst, ref, err)
}

// placeFallbackTakeProfit targets a fixed profit from the fill price so the
// position always gets some target.
func (s *TradingService) placeFallbackTakeProfit(ctx context.Context, trade *domain.Trade, inst ports.Instrument, ref decimal.Decimal, cause error) error {
	trade.TPRejected = true
	s.metrics.Adjustment("tp_fallback")

	base := ref
	if trade.EntryPrice.Valid {
		base = trade.EntryPrice.Decimal
	}
	price := risk.RoundToward(s.risk.FallbackTakeProfit(base, trade.Side), inst.TickSize, ref)
	if _, err := s.risk.ValidateTakeProfit(price, ref, trade.Side); err != nil {
		return fmt.Errorf("take profit rejected (%v), fallback %s unusable: %w", cause, price, err)
	}
	if err := s.submitTakeProfit(ctx, trade, price); err != nil {
		return fmt.Errorf("take profit rejected (%v), fallback %s failed: %w", cause, price, err)
	}

	s.notify(ctx, "⚠️ TP %s for %s rejected, fallback TP %s placed\n%v", trade.TakeProfit.Decimal, trade.Symbol, price, cause)
	return nil
}

func (s *TradingService) submitTakeProfit(ctx context.Context, trade *domain.Trade, price decimal.Decimal) error {
	req := ports.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          trade.Side.Opposite(),
		Type:          ports.OrderTypeLimit,
		Qty:           trade.Quantity,
		Price:         decimal.NewNullDecimal(price),
		ReduceOnly:    true,
		TimeInForce:   ports.TimeInForcePostOnly,
		ClientOrderID: s.newID(),
	}
	if _, err := s.placeWithRetry(ctx, "take_profit", req); err != nil {
		return err
	}
	trade.EffectiveTakeProfit = decimal.NewNullDecimal(price)
	return nil
}

func (s *TradingService) attachTrailingStop(ctx context.Context, trade *domain.Trade, inst ports.Instrument, ref decimal.Decimal) {
	op := "attachTrailingStop"

	distance := risk.FloorToStep(ref.Mul(trade.TrailingCallbackPct.Decimal).Div(hundred), inst.TickSize)
	if !distance.IsPositive() {
		distance = inst.TickSize
	}
	req := ports.TrailingStopRequest{
		Symbol:      trade.Symbol,
		Side:        trade.Side,
		Qty:         trade.Quantity,
		CallbackPct: trade.TrailingCallbackPct.Decimal,
		Distance:    distance,
	}

	err := s.withRetry(ctx, op, func(int) error {
		cctx, cancel := s.bounded(ctx)
		defer cancel()
		return s.exchange.SetTrailingStop(cctx, req)
	})
	if err != nil {
		s.metrics.Order("trailing", "failed")
		s.logger.Warn(ctx, op+": Trailing stop not attached", map[string]interface{}{"order_id": trade.OrderID, "error": err.Error()})
		s.notify(ctx, "⚠️ Trailing stop failed for %s (order %s): %v", trade.Symbol, trade.OrderID, err)
		return
	}
	s.metrics.Order("trailing", "placed")
	s.logger.Info(ctx, op+": Trailing stop attached", map[string]interface{}{
		"order_id": trade.OrderID, "callback_pct": req.CallbackPct.String(), "distance": distance.String(),
	})
}

// placeWithRetry places a bracket order, retrying transient failures. Before
// each retry the order is looked up by client id in case the previous
// attempt reached the exchange.
func (s *TradingService) placeWithRetry(ctx context.Context, kind string, req ports.OrderRequest) (*ports.OrderResponse, error) {
	var resp *ports.OrderResponse
	err := s.withRetry(ctx, kind, func(attempt int) error {
		cctx, cancel := s.bounded(ctx)
		defer cancel()
		if attempt > 0 && req.ClientOrderID != "" {
			if found, err := s.exchange.LookupOrder(cctx, req.Symbol, req.ClientOrderID); err == nil && found != nil && !found.Status.IsDead() {
				resp = found
				return nil
			}
		}
		var err error
		resp, err = s.exchange.PlaceOrder(cctx, req)
		return err
	})
	if err != nil {
		s.metrics.Order(kind, "failed")
		return nil, err
	}
	s.metrics.Order(kind, "placed")
	return resp, nil
}

// withRetry runs fn up to 1+OrderRetries times while it fails transiently.
func (s *TradingService) withRetry(ctx context.Context, op string, fn func(attempt int) error) error {
	b := &backoff.Backoff{Min: s.retryMin, Max: s.retryMax, Factor: 2, Jitter: true}

	var err error
	for attempt := 0; attempt <= s.cfg.OrderRetries; attempt++ {
		if attempt > 0 {
			delay := b.Duration()
			s.logger.Warn(ctx, op+": Transient failure, retrying", map[string]interface{}{
				"attempt": attempt, "delay": delay.String(), "error": err.Error(),
			})
			if waitErr := sleepCtx(ctx, delay); waitErr != nil {
				return err
			}
		}
		if err = fn(attempt); err == nil || !ports.IsTransient(err) {
			return err
		}
	}
	return err
}

// bounded derives the context for a single outbound call.
func (s *TradingService) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// record appends the trade to the ledger and starts tracking it. A ledger
// failure does not stop tracking; the reconciler appends on close instead.
func (s *TradingService) record(ctx context.Context, trade *domain.Trade) {
	op := "record"

	cctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.ledger.Append(cctx, trade.Clone()); err != nil {
		s.logger.Error(ctx, err, op+": Ledger append failed, trade still tracked", map[string]interface{}{"order_id": trade.OrderID})
		s.notify(ctx, "⚠️ Ledger write failed for %s (order %s): %v", trade.Symbol, trade.OrderID, err)
	}
	if err := s.store.Insert(cctx, trade); err != nil {
		s.logger.Error(ctx, err, op+": Failed to track open trade", map[string]interface{}{"order_id": trade.OrderID})
		s.notify(ctx, "🚨 Trade %s on %s is not tracked: %v", trade.OrderID, trade.Symbol, err)
	}
	publishGauges(s.metrics, s.store)

	s.notify(ctx, "✅ %s %s %s\nEntry: %s\nTP: %s\nSL: %s\nStatus: %s",
		trade.Side, trade.Quantity, trade.Symbol,
		formatNull(trade.EntryPrice), formatNull(trade.EffectiveTakeProfit), formatNull(trade.EffectiveStopLoss),
		trade.Status)
}

func (s *TradingService) notify(ctx context.Context, format string, args ...interface{}) {
	sendNotification(ctx, s.notifier, s.logger, fmt.Sprintf(format, args...))
}

// sendNotification never propagates notifier failures.
func sendNotification(ctx context.Context, n ports.Notifier, logger ports.Logger, text string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, text); err != nil {
		logger.Warn(ctx, "Notification failed", map[string]interface{}{"error": err.Error()})
	}
}

func publishGauges(m *metrics.Metrics, st *store.OpenTrades) {
	m.SetOpen(st.Len(), st.CountByStatus(domain.StatusPartiallyProtected))
}

func formatNull(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

func mergeFields(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
