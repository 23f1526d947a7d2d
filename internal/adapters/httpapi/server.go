package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bracketBot/internal/adapters/logger"
	"bracketBot/internal/app"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

const maxBodyBytes = 64 << 10

// TradeService is the lifecycle surface the API drives.
type TradeService interface {
	HandleSignal(ctx context.Context, sig domain.Signal) (*domain.Trade, error)
	CloseTrade(ctx context.Context, req app.CloseRequest) (*domain.Trade, error)
}

// OpenTradeSource exposes the in-memory open-trade set.
type OpenTradeSource interface {
	Snapshot() []*domain.Trade
}

// Config wires the API. Documents and Gatherer are optional.
type Config struct {
	Password     string
	Service      TradeService
	OpenTrades   OpenTradeSource
	Ledger       ports.TradeLedger
	Documents    ports.DocumentSender
	Gatherer     prometheus.Gatherer
	Logger       ports.Logger
	FeedInterval time.Duration // websocket push period, 5s when zero
}

// API serves the webhook, operator and read-only routes.
type API struct {
	password     []byte
	service      TradeService
	open         OpenTradeSource
	ledger       ports.TradeLedger
	documents    ports.DocumentSender
	gatherer     prometheus.Gatherer
	logger       ports.Logger
	feedInterval time.Duration
	upgrader     websocket.Upgrader

	quit     chan struct{}
	quitOnce sync.Once
	feeds    sync.WaitGroup
}

func New(cfg Config) (*API, error) {
	if cfg.Service == nil || cfg.OpenTrades == nil || cfg.Ledger == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for httpapi", ports.ErrConfigurationError)
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: webhook password is required", ports.ErrConfigurationError)
	}
	if cfg.FeedInterval <= 0 {
		cfg.FeedInterval = 5 * time.Second
	}
	return &API{
		password:     []byte(cfg.Password),
		service:      cfg.Service,
		open:         cfg.OpenTrades,
		ledger:       cfg.Ledger,
		documents:    cfg.Documents,
		gatherer:     cfg.Gatherer,
		logger:       cfg.Logger,
		feedInterval: cfg.FeedInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the feed is authenticated by key, not by origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}, nil
}

// Handler returns the routed handler with request-id and recovery middleware.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", a.handleWebhook)
	mux.HandleFunc("POST /close", a.handleClose)
	mux.HandleFunc("GET /trades/open", a.requireKey(a.handleOpenTrades))
	mux.HandleFunc("GET /trades/export", a.requireKey(a.handleExport))
	mux.HandleFunc("GET /csv", a.requireKey(a.handleSendCSV))
	mux.HandleFunc("GET /stats", a.requireKey(a.handleStats))
	mux.HandleFunc("GET /ws/trades", a.requireKey(a.handleFeed))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return a.withRequestID(a.recoverer(mux))
}

// Close ends live websocket feeds. http.Server.Shutdown does not track hijacked connections.
func (a *API) Close() {
	a.quitOnce.Do(func() { close(a.quit) })
	a.feeds.Wait()
}

func (a *API) authorized(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), a.password) == 1
}

func (a *API) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		if !a.authorized(key) {
			a.writeError(w, r, ports.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *API) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.logger.Error(r.Context(), fmt.Errorf("panic: %v", rec), "Handler panicked", map[string]interface{}{
					"path":  r.URL.Path,
					"stack": string(debug.Stack()),
				})
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var exErr *ports.ExchangeError
	switch {
	case errors.Is(err, ports.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ports.ErrQuoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ports.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ports.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ports.ErrEntryFailed), errors.As(err, &exErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	fields := map[string]interface{}{"path": r.URL.Path, "status": status}
	if status >= 500 {
		a.logger.Error(r.Context(), err, "Request failed", fields)
	} else {
		a.logger.Warn(r.Context(), "Request rejected: "+err.Error(), fields)
	}
	msg := err.Error()
	if status == http.StatusUnauthorized {
		msg = "unauthorized"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
