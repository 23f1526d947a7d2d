package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

const (
	testKey    = "test-key"
	testSecret = "test-secret"
)

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...map[string]interface{})        {}
func (nopLogger) Info(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Warn(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Error(context.Context, error, string, ...map[string]interface{}) {}

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]interface{}
	ts     string
}

// fakeBybit verifies signatures on every private call and answers from a route table.
type fakeBybit struct {
	t      *testing.T
	mu     sync.Mutex
	calls  []recorded
	routes map[string]func(r *http.Request) (int, string)
}

func (f *fakeBybit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, ts: r.Header.Get("X-BAPI-TIMESTAMP")}
	if len(raw) > 0 {
		assert.NoError(f.t, json.Unmarshal(raw, &rec.body))
	}

	if sig := r.Header.Get("X-BAPI-SIGN"); sig != "" {
		payload := string(raw)
		if r.Method == http.MethodGet {
			payload = r.URL.RawQuery
		}
		want := Sign(testSecret, rec.ts, testKey, r.Header.Get("X-BAPI-RECV-WINDOW"), payload)
		assert.Equal(f.t, want, sig, "signature for %s", r.URL.Path)
		assert.Equal(f.t, testKey, r.Header.Get("X-BAPI-API-KEY"))
		assert.Equal(f.t, "5000", r.Header.Get("X-BAPI-RECV-WINDOW"))
	}

	f.mu.Lock()
	f.calls = append(f.calls, rec)
	f.mu.Unlock()

	handler, ok := f.routes[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	status, body := handler(r)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func ok(result string) func(*http.Request) (int, string) {
	return func(*http.Request) (int, string) {
		return http.StatusOK, `{"retCode":0,"retMsg":"OK","result":` + result + `}`
	}
}

func newTestClient(t *testing.T, routes map[string]func(*http.Request) (int, string)) (*Client, *fakeBybit) {
	fake := &fakeBybit{t: t, routes: routes}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(Config{APIKey: testKey, SecretKey: testSecret, BaseURL: srv.URL, Timeout: 2 * time.Second, Logger: nopLogger{}})
	require.NoError(t, err)
	return c, fake
}

func TestSign(t *testing.T) {
	// HMAC-SHA256("secret", "1700000000000" + "key" + "5000" + "{}")
	sig := Sign("secret", "1700000000000", "key", "5000", "{}")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign("secret", "1700000000000", "key", "5000", "{}"))
	assert.NotEqual(t, sig, Sign("secret", "1700000000001", "key", "5000", "{}"))
}

func TestGetTickerPrice(t *testing.T) {
	c, fake := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/market/tickers": ok(`{"category":"linear","list":[{"symbol":"BTCUSDT","lastPrice":"64123.5"}]}`),
	})

	price, err := c.GetTickerPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("64123.5").Equal(price))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "category=linear&symbol=BTCUSDT", fake.calls[0].query)
}

func TestGetTickerPriceEmptyList(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/market/tickers": ok(`{"list":[]}`),
	})
	_, err := c.GetTickerPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrMalformedResponse))
}

func TestGetAvailableBalance(t *testing.T) {
	c, fake := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/account/wallet-balance": ok(`{"list":[{"totalAvailableBalance":"999","coin":[{"coin":"USDT","walletBalance":"1500.5","availableToWithdraw":""}]}]}`),
	})
	bal, err := c.GetAvailableBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1500.5").Equal(bal))
	assert.Equal(t, "accountType=UNIFIED&coin=USDT", fake.calls[0].query)
}

func TestGetInstrument(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/market/instruments-info": ok(`{"list":[{"symbol":"BTCUSDT","lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001"},"priceFilter":{"tickSize":"0.10"}}]}`),
	})
	inst, err := c.GetInstrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.001").Equal(inst.QtyStep))
	assert.True(t, decimal.RequireFromString("0.1").Equal(inst.TickSize))
}

func TestPlaceOrderStopLossBody(t *testing.T) {
	c, fake := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/create": ok(`{"orderId":"abc-1","orderLinkId":"link-1"}`),
	})

	resp, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Symbol:           "BTCUSDT",
		Side:             domain.Sell,
		Type:             ports.OrderTypeMarket,
		Qty:              decimal.RequireFromString("0.010"),
		TriggerPrice:     decimal.NewNullDecimal(decimal.RequireFromString("59500")),
		TriggerDirection: ports.TriggerFall,
		ReduceOnly:       true,
		TimeInForce:      ports.TimeInForceGTC,
		ClientOrderID:    "link-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-1", resp.OrderID)

	require.Len(t, fake.calls, 1)
	body := fake.calls[0].body
	assert.Equal(t, "linear", body["category"])
	assert.Equal(t, "Sell", body["side"])
	assert.Equal(t, "Market", body["orderType"])
	assert.Equal(t, "0.01", body["qty"])
	assert.Equal(t, "59500", body["triggerPrice"])
	assert.EqualValues(t, 2, body["triggerDirection"])
	assert.Equal(t, true, body["reduceOnly"])
	assert.Equal(t, "GTC", body["timeInForce"])
	assert.Equal(t, "link-1", body["orderLinkId"])
	_, hasPrice := body["price"]
	assert.False(t, hasPrice)
}

func TestPlaceOrderMarketEntryOmitsOptionalFields(t *testing.T) {
	c, fake := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/create": ok(`{"orderId":"e-1","orderLinkId":""}`),
	})
	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.Buy, Type: ports.OrderTypeMarket, Qty: decimal.RequireFromString("1"),
	})
	require.NoError(t, err)

	body := fake.calls[0].body
	for _, k := range []string{"price", "triggerPrice", "triggerDirection", "reduceOnly", "timeInForce"} {
		_, present := body[k]
		assert.False(t, present, k)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/create": func(*http.Request) (int, string) {
			return http.StatusOK, `{"retCode":110007,"retMsg":"ab not enough for new order","result":{}}`
		},
	})
	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Type: ports.OrderTypeMarket, Qty: decimal.NewFromInt(1)})
	require.Error(t, err)

	var exErr *ports.ExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, 110007, exErr.Code)
	assert.True(t, errors.Is(err, ports.ErrInsufficientFunds))
	assert.True(t, errors.Is(err, ports.ErrOrderPlacementFailed))
	assert.False(t, ports.IsTransient(err))
}

func TestHTTPErrorsAreClassified(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/market/tickers": func(*http.Request) (int, string) { return http.StatusServiceUnavailable, "down" },
		"/v5/order/cancel-all": func(*http.Request) (int, string) {
			return http.StatusTooManyRequests, "slow down"
		},
	})
	_, err := c.GetTickerPrice(context.Background(), "BTCUSDT")
	assert.True(t, errors.Is(err, ports.ErrExchangeUnavailable))
	assert.True(t, ports.IsTransient(err))

	err = c.CancelAllOrders(context.Background(), "BTCUSDT")
	assert.True(t, errors.Is(err, ports.ErrRateLimited))
}

func TestTimestampIsFreshPerRequest(t *testing.T) {
	c, fake := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/cancel-all": ok(`{}`),
	})
	require.NoError(t, c.CancelAllOrders(context.Background(), "BTCUSDT"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.CancelAllOrders(context.Background(), "BTCUSDT"))

	require.Len(t, fake.calls, 2)
	assert.NotEqual(t, fake.calls[0].ts, fake.calls[1].ts)
}

func TestSetTrailingStop(t *testing.T) {
	c, fake := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/position/trading-stop": ok(`{}`),
	})
	err := c.SetTrailingStop(context.Background(), ports.TrailingStopRequest{
		Symbol: "BTCUSDT", Side: domain.Buy, Qty: decimal.NewFromInt(1),
		CallbackPct: decimal.RequireFromString("0.75"), Distance: decimal.RequireFromString("480"),
	})
	require.NoError(t, err)
	body := fake.calls[0].body
	assert.Equal(t, "480", body["trailingStop"])
	assert.EqualValues(t, 0, body["positionIdx"])
}

func TestLookupOrderFallsBackToHistory(t *testing.T) {
	c, fake := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/realtime": ok(`{"list":[]}`),
		"/v5/order/history":  ok(`{"list":[{"orderId":"o-9","orderLinkId":"l-9","symbol":"BTCUSDT","orderStatus":"Filled","avgPrice":"100.5","cumExecQty":"2"}]}`),
	})
	o, err := c.LookupOrder(context.Background(), "BTCUSDT", "l-9")
	require.NoError(t, err)
	assert.Equal(t, "o-9", o.OrderID)
	assert.Equal(t, ports.OrderStatusFilled, o.Status)
	assert.True(t, decimal.RequireFromString("100.5").Equal(o.AvgPrice.Decimal))
	assert.Len(t, fake.calls, 2)
}

func TestLookupOrderNotFound(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/realtime": ok(`{"list":[]}`),
		"/v5/order/history":  ok(`{"list":[]}`),
	})
	_, err := c.LookupOrder(context.Background(), "BTCUSDT", "missing")
	assert.True(t, errors.Is(err, ports.ErrOrderNotFound))
}

func TestQueryTradeStillOpen(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/realtime": ok(`{"list":[{"orderId":"o-1","symbol":"BTCUSDT","orderStatus":"Filled","avgPrice":"100","cumExecQty":"1"}]}`),
		"/v5/position/list":  ok(`{"list":[{"symbol":"BTCUSDT","side":"Buy","size":"1"}]}`),
	})
	st, err := c.QueryTrade(context.Background(), ports.TradeQuery{Symbol: "BTCUSDT", OrderID: "o-1", Side: domain.Buy, OpenedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, st.PositionOpen)
	assert.False(t, st.ExitPrice.Valid)
}

func TestQueryTradeClosed(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/realtime": ok(`{"list":[{"orderId":"o-1","symbol":"BTCUSDT","orderStatus":"Filled","avgPrice":"100","cumExecQty":"2"}]}`),
		"/v5/position/list":  ok(`{"list":[{"symbol":"BTCUSDT","side":"","size":"0"}]}`),
		"/v5/position/closed-pnl": ok(`{"list":[
			{"orderId":"c-1","side":"Sell","closedSize":"1","avgExitPrice":"94","closedPnl":"-6","updatedTime":"1700000001000"},
			{"orderId":"c-2","side":"Sell","closedSize":"1","avgExitPrice":"96","closedPnl":"-4","updatedTime":"1700000002000"},
			{"orderId":"x-1","side":"Buy","closedSize":"5","avgExitPrice":"1","closedPnl":"100","updatedTime":"1700000003000"}
		]}`),
	})
	st, err := c.QueryTrade(context.Background(), ports.TradeQuery{Symbol: "BTCUSDT", OrderID: "o-1", Side: domain.Buy, OpenedAt: time.UnixMilli(1700000000000)})
	require.NoError(t, err)
	assert.False(t, st.PositionOpen)
	require.True(t, st.ExitPrice.Valid)
	assert.True(t, decimal.NewFromInt(95).Equal(st.ExitPrice.Decimal))
	assert.True(t, decimal.NewFromInt(-10).Equal(st.RealizedPnL.Decimal))
	assert.Equal(t, int64(1700000002000), st.ClosedAt.UnixMilli())
}

func TestQueryTradeEntryRejected(t *testing.T) {
	c, fake := newTestClient(t, map[string]func(*http.Request) (int, string){
		"/v5/order/realtime": ok(`{"list":[{"orderId":"o-1","symbol":"BTCUSDT","orderStatus":"Rejected","avgPrice":"","cumExecQty":"0"}]}`),
	})
	st, err := c.QueryTrade(context.Background(), ports.TradeQuery{Symbol: "BTCUSDT", OrderID: "o-1", Side: domain.Buy})
	require.NoError(t, err)
	assert.Equal(t, ports.OrderStatusRejected, st.EntryStatus)
	assert.False(t, st.PositionOpen)
	assert.Len(t, fake.calls, 1)
}
