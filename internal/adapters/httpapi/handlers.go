package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"bracketBot/internal/adapters/csvledger"
	"bracketBot/internal/analytics"
	"bracketBot/internal/app"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

type webhookRequest struct {
	Password string `json:"password"`
	domain.Signal
}

type tradeResponse struct {
	Success             bool               `json:"success"`
	OrderID             string             `json:"order_id,omitempty"`
	Status              domain.TradeStatus `json:"status"`
	Symbol              string             `json:"symbol"`
	Side                domain.Side        `json:"side"`
	Qty                 string             `json:"qty"`
	EntryPrice          string             `json:"entry_price,omitempty"`
	EffectiveTakeProfit string             `json:"effective_tp,omitempty"`
	EffectiveStopLoss   string             `json:"effective_sl,omitempty"`
	ExitPrice           string             `json:"exit_price,omitempty"`
	ExitReason          domain.ExitReason  `json:"exit_reason,omitempty"`
	PnL                 string             `json:"pnl,omitempty"`
	Flags               map[string]bool    `json:"flags"`
	Error               string             `json:"error,omitempty"`
}

func newTradeResponse(t *domain.Trade, success bool) tradeResponse {
	return tradeResponse{
		Success:             success,
		OrderID:             t.OrderID,
		Status:              t.Status,
		Symbol:              t.Symbol,
		Side:                t.Side,
		Qty:                 t.Quantity.String(),
		EntryPrice:          nullString(t.EntryPrice),
		EffectiveTakeProfit: nullString(t.EffectiveTakeProfit),
		EffectiveStopLoss:   nullString(t.EffectiveStopLoss),
		ExitPrice:           nullString(t.ExitPrice),
		ExitReason:          t.ExitReason,
		PnL:                 nullString(t.PnL),
		Flags: map[string]bool{
			"sl_auto_adjusted": t.SLAutoAdjusted,
			"tp_rejected":      t.TPRejected,
			"tp_clamped":       t.TPClamped,
			"trailing":         t.TrailingEnabled,
		},
		Error: t.Error,
	}
}

func nullString(n decimal.NullDecimal) string {
	if !n.Valid {
		return ""
	}
	return n.Decimal.String()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &ports.ValidationError{Reason: "malformed JSON body: " + err.Error()}
	}
	return nil
}

// handleWebhook turns an alert into an entry plus bracket.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if !a.authorized(req.Password) {
		a.writeError(w, r, ports.ErrUnauthorized)
		return
	}

	trade, err := a.service.HandleSignal(r.Context(), req.Signal)
	if err != nil {
		if trade != nil && errors.Is(err, ports.ErrEntryFailed) {
			resp := newTradeResponse(trade, false)
			writeJSON(w, statusFor(err), resp)
			return
		}
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeResponse(trade, true))
}

type closeRequest struct {
	Password   string              `json:"password"`
	OrderID    string              `json:"order_id"`
	ExitPrice  decimal.NullDecimal `json:"exit_price"`
	PnL        decimal.NullDecimal `json:"pnl"`
	ExitReason string              `json:"exit_reason"`
}

// handleClose records an operator-reported exit.
func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if !a.authorized(req.Password) {
		a.writeError(w, r, ports.ErrUnauthorized)
		return
	}
	reason, ok := domain.ParseExitReason(req.ExitReason)
	if !ok {
		a.writeError(w, r, ports.NewValidationError("exit_reason", "unknown reason %q", req.ExitReason))
		return
	}
	if !req.ExitPrice.Valid {
		a.writeError(w, r, ports.NewValidationError("exit_price", "is required"))
		return
	}

	trade, err := a.service.CloseTrade(r.Context(), app.CloseRequest{
		OrderID:   req.OrderID,
		ExitPrice: req.ExitPrice.Decimal,
		PnL:       req.PnL,
		Reason:    reason,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeResponse(trade, true))
}

func (a *API) handleOpenTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.openSnapshot())
}

type openTradesPayload struct {
	Count  int             `json:"count"`
	AsOf   time.Time       `json:"as_of"`
	Trades []tradeResponse `json:"trades"`
}

func (a *API) openSnapshot() openTradesPayload {
	trades := a.open.Snapshot()
	out := openTradesPayload{Count: len(trades), AsOf: time.Now().UTC(), Trades: make([]tradeResponse, 0, len(trades))}
	for _, t := range trades {
		out.Trades = append(out.Trades, newTradeResponse(t, true))
	}
	return out
}

func (a *API) ledgerCSV(r *http.Request) ([]byte, error) {
	trades, err := a.ledger.List(r.Context(), ports.LedgerFilter{})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := csvledger.Encode(&buf, trades); err != nil {
		return nil, fmt.Errorf("encode ledger csv: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := a.ledgerCSV(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="trades.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleSendCSV delivers the ledger to the notification chat as a document.
func (a *API) handleSendCSV(w http.ResponseWriter, r *http.Request) {
	if a.documents == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "document delivery is not configured"})
		return
	}
	data, err := a.ledgerCSV(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	caption := fmt.Sprintf("Trade ledger %s", time.Now().UTC().Format(time.RFC3339))
	if err := a.documents.SendDocument(r.Context(), "trades.csv", bytes.NewReader(data), caption); err != nil {
		a.logger.Error(r.Context(), err, "Failed to send ledger CSV", map[string]interface{}{"op": "SendCSV"})
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "failed to send document"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "bytes": len(data)})
}

type statsPayload struct {
	*analytics.PerformanceMetrics
	OpenTrades int `json:"open_trades"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	trades, err := a.ledger.List(r.Context(), ports.LedgerFilter{})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsPayload{
		PerformanceMetrics: analytics.AnalyzePerformance(trades),
		OpenTrades:         len(a.open.Snapshot()),
	})
}

// handleFeed pushes the open-trade snapshot on connect and every feedInterval after.
func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn(r.Context(), "Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	a.feeds.Add(1)
	defer a.feeds.Done()
	defer conn.Close()

	// reads only to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(a.feedInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(a.openSnapshot()); err != nil {
			a.logger.Debug(r.Context(), "Websocket write failed", map[string]interface{}{"error": err.Error()})
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-a.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
