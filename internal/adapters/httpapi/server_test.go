package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/app"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/store"
)

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...map[string]interface{})        {}
func (nopLogger) Info(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Warn(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Error(context.Context, error, string, ...map[string]interface{}) {}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

type fakeService struct {
	mu        sync.Mutex
	signals   []domain.Signal
	closes    []app.CloseRequest
	trade     *domain.Trade
	err       error
	closeErr  error
	panicking bool
}

func (f *fakeService) HandleSignal(ctx context.Context, sig domain.Signal) (*domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicking {
		panic("boom")
	}
	f.signals = append(f.signals, sig)
	return f.trade, f.err
}

func (f *fakeService) CloseTrade(ctx context.Context, req app.CloseRequest) (*domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, req)
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	closed := f.trade.Clone()
	closed.Status = domain.StatusClosed
	closed.ExitPrice = decimal.NewNullDecimal(req.ExitPrice)
	closed.ExitReason = req.Reason
	return closed, nil
}

type fakeLedger struct {
	trades []*domain.Trade
	err    error
}

func (f *fakeLedger) Append(context.Context, *domain.Trade) error                   { return nil }
func (f *fakeLedger) Update(context.Context, string, domain.TradePatch) error       { return nil }
func (f *fakeLedger) FindByOrderID(context.Context, string) (*domain.Trade, error) { return nil, ports.ErrNotFound }
func (f *fakeLedger) Close() error                                                  { return nil }
func (f *fakeLedger) List(context.Context, ports.LedgerFilter) ([]*domain.Trade, error) {
	return f.trades, f.err
}

type fakeDocs struct {
	filename string
	content  string
	err      error
}

func (f *fakeDocs) SendDocument(ctx context.Context, filename string, content io.Reader, caption string) error {
	data, _ := io.ReadAll(content)
	f.filename, f.content = filename, string(data)
	return f.err
}

func protectedTrade() *domain.Trade {
	return &domain.Trade{
		OrderID:             "E-1",
		Symbol:              "BTCUSDT",
		Side:                domain.Buy,
		Quantity:            decimal.RequireFromString("0.01"),
		Status:              domain.StatusProtected,
		EntryPrice:          nd("100"),
		EffectiveTakeProfit: nd("110"),
		EffectiveStopLoss:   nd("93"),
		SLAutoAdjusted:      true,
		OpenedAt:            time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type testAPI struct {
	api     *API
	srv     *httptest.Server
	service *fakeService
	ledger  *fakeLedger
	docs    *fakeDocs
	open    *store.OpenTrades
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ta := &testAPI{
		service: &fakeService{trade: protectedTrade()},
		ledger:  &fakeLedger{},
		docs:    &fakeDocs{},
		open:    store.NewOpenTrades(nil, nopLogger{}),
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "bracket_test_total"}))

	api, err := New(Config{
		Password:     "s3cret",
		Service:      ta.service,
		OpenTrades:   ta.open,
		Ledger:       ta.ledger,
		Documents:    ta.docs,
		Gatherer:     reg,
		Logger:       nopLogger{},
		FeedInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	ta.api = api
	ta.srv = httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		api.Close()
		ta.srv.Close()
	})
	return ta
}

func (ta *testAPI) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(ta.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Password: "x"})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestWebhook_Success(t *testing.T) {
	ta := newTestAPI(t)

	resp, body := ta.post(t, "/webhook", `{"password":"s3cret","side":"buy","symbol":"BTCUSDT","tp":110,"sl":"80","qty":0.01}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "E-1", body["order_id"])
	assert.Equal(t, "PROTECTED", body["status"])
	assert.Equal(t, "93", body["effective_sl"])
	flags := body["flags"].(map[string]interface{})
	assert.Equal(t, true, flags["sl_auto_adjusted"])

	require.Len(t, ta.service.signals, 1)
	sig := ta.service.signals[0]
	assert.Equal(t, "buy", sig.Side)
	assert.True(t, sig.StopLoss.Decimal.Equal(decimal.NewFromInt(80)))
	assert.True(t, sig.Qty.Valid)
	assert.False(t, sig.Callback.Valid)
}

func TestWebhook_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		trade    *domain.Trade
		want     int
		wantCall bool
	}{
		{name: "bad password", body: `{"password":"nope","side":"buy"}`, want: http.StatusUnauthorized},
		{name: "malformed json", body: `{"password":`, want: http.StatusBadRequest},
		{name: "validation", body: `{"password":"s3cret"}`, err: ports.NewValidationError("side", "is required"), want: http.StatusBadRequest, wantCall: true},
		{name: "sizing rejected", body: `{"password":"s3cret"}`, err: &ports.ValidationError{Field: "qty", Reason: "below minimum", Err: ports.ErrSizingRejected}, want: http.StatusBadRequest, wantCall: true},
		{name: "quote unavailable", body: `{"password":"s3cret"}`, err: fmt.Errorf("size: %w", ports.ErrQuoteUnavailable), want: http.StatusServiceUnavailable, wantCall: true},
		{
			name:     "entry failed",
			body:     `{"password":"s3cret"}`,
			err:      fmt.Errorf("%w: %w", ports.ErrEntryFailed, ports.ErrInsufficientFunds),
			trade:    &domain.Trade{Status: domain.StatusFailed, Symbol: "BTCUSDT", Error: "insufficient funds"},
			want:     http.StatusBadGateway,
			wantCall: true,
		},
		{name: "unexpected", body: `{"password":"s3cret"}`, err: errors.New("disk on fire"), want: http.StatusInternalServerError, wantCall: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestAPI(t)
			ta.service.err = tt.err
			ta.service.trade = tt.trade

			resp, body := ta.post(t, "/webhook", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantCall, len(ta.service.signals) == 1)
			if tt.trade != nil {
				assert.Equal(t, "FAILED", body["status"])
			}
		})
	}
}

func TestWebhook_RecoversFromPanic(t *testing.T) {
	ta := newTestAPI(t)
	ta.service.panicking = true
	resp, _ := ta.post(t, "/webhook", `{"password":"s3cret"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestClose(t *testing.T) {
	ta := newTestAPI(t)

	resp, body := ta.post(t, "/close", `{"password":"s3cret","order_id":"E-1","exit_price":"105.5","exit_reason":"tp_hit"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CLOSED", body["status"])
	require.Len(t, ta.service.closes, 1)
	assert.Equal(t, domain.ExitTakeProfit, ta.service.closes[0].Reason)
	assert.False(t, ta.service.closes[0].PnL.Valid)

	resp, _ = ta.post(t, "/close", `{"password":"s3cret","order_id":"E-1","exit_price":"1","exit_reason":"moon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ta.post(t, "/close", `{"password":"s3cret","order_id":"E-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ta.post(t, "/close", `{"password":"x","order_id":"E-1","exit_price":"1"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ta.service.closeErr = fmt.Errorf("CloseTrade: E-9: %w", ports.ErrNotFound)
	resp, _ = ta.post(t, "/close", `{"password":"s3cret","order_id":"E-9","exit_price":"1"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReadRoutesRequireKey(t *testing.T) {
	ta := newTestAPI(t)
	for _, path := range []string{"/trades/open", "/trades/export", "/csv", "/stats", "/ws/trades"} {
		resp, err := http.Get(ta.srv.URL + path + "?key=wrong")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestOpenTrades(t *testing.T) {
	ta := newTestAPI(t)
	require.NoError(t, ta.open.Insert(context.Background(), protectedTrade()))

	req, _ := http.NewRequest(http.MethodGet, ta.srv.URL+"/trades/open", nil)
	req.Header.Set("X-API-Key", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload openTradesPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 1, payload.Count)
	assert.Equal(t, "E-1", payload.Trades[0].OrderID)
}

func TestExportAndSendCSV(t *testing.T) {
	ta := newTestAPI(t)
	ta.ledger.trades = []*domain.Trade{protectedTrade()}

	resp, err := http.Get(ta.srv.URL + "/trades/export?key=s3cret")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(data, []byte("timestamp,symbol,side,qty")))
	assert.Contains(t, string(data), "E-1")

	resp, err = http.Get(ta.srv.URL + "/csv?key=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trades.csv", ta.docs.filename)
	assert.Equal(t, string(data), ta.docs.content)

	ta.docs.err = errors.New("telegram down")
	resp, err = http.Get(ta.srv.URL + "/csv?key=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ta := newTestAPI(t)
	closed := protectedTrade()
	closed.Status = domain.StatusClosed
	closed.PnL = nd("12.5")
	closed.ExitReason = domain.ExitTakeProfit
	ta.ledger.trades = []*domain.Trade{closed}

	resp, err := http.Get(ta.srv.URL + "/stats?key=s3cret")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["total_trades"])
	assert.Equal(t, "12.5", body["total_pnl"])
	assert.Equal(t, float64(0), body["open_trades"])

	ta.ledger.err = fmt.Errorf("list: %w", ports.ErrQueryFailed)
	resp2, err := http.Get(ta.srv.URL + "/stats?key=s3cret")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ta := newTestAPI(t)

	resp, err := http.Get(ta.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ta.srv.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(data), "bracket_test_total")
}

func TestRequestIDIsPropagated(t *testing.T) {
	ta := newTestAPI(t)
	req, _ := http.NewRequest(http.MethodGet, ta.srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestTradeFeed(t *testing.T) {
	ta := newTestAPI(t)
	require.NoError(t, ta.open.Insert(context.Background(), protectedTrade()))

	url := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/ws/trades?key=s3cret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		var payload openTradesPayload
		require.NoError(t, conn.ReadJSON(&payload))
		assert.Equal(t, 1, payload.Count)
	}

	ta.api.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
			break
		}
	}
}
