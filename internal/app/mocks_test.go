package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/config"
	"bracketBot/internal/domain"
	"bracketBot/internal/oracle"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
	"bracketBot/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	// No-op for tests
}

// mockExchange classifies placed orders as entry, sl (has a trigger) or tp (limit).
type mockExchange struct {
	mu sync.Mutex

	price      decimal.Decimal
	priceErr   error
	balance    decimal.Decimal
	instrument *ports.Instrument

	entryResp   *ports.OrderResponse
	placeErrs   map[string][]error // consumed one per attempt
	lookup      map[string]*ports.OrderResponse
	trailingErr error
	cancelErr   error

	tradeState *ports.TradeState
	tradeErr   error
	onQuery    func() // runs before QueryTrade answers

	placed    []ports.OrderRequest
	cancelled []string
	trailing  []ports.TrailingStopRequest
	queries   int
}

func newMockExchange(price string) *mockExchange {
	return &mockExchange{
		price:     d(price),
		balance:   d("10000"),
		placeErrs: make(map[string][]error),
		lookup:    make(map[string]*ports.OrderResponse),
	}
}

func orderKind(req ports.OrderRequest) string {
	switch {
	case req.TriggerPrice.Valid:
		return "sl"
	case req.Type == ports.OrderTypeLimit:
		return "tp"
	default:
		return "entry"
	}
}

func (m *mockExchange) Name() string { return "mock" }

func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, m.priceErr
}

func (m *mockExchange) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return m.balance, nil
}

func (m *mockExchange) GetInstrument(ctx context.Context, symbol string) (*ports.Instrument, error) {
	if m.instrument == nil {
		return nil, ports.ErrNotFound
	}
	return m.instrument, nil
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)

	kind := orderKind(req)
	if errs := m.placeErrs[kind]; len(errs) > 0 {
		m.placeErrs[kind] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}
	if kind == "entry" && m.entryResp != nil {
		return m.entryResp, nil
	}

	resp := &ports.OrderResponse{
		OrderID:       fmt.Sprintf("%s-%d", kind, len(m.placed)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        ports.OrderStatusNew,
	}
	if kind == "entry" && m.price.IsPositive() {
		resp.Status = ports.OrderStatusFilled
		resp.AvgPrice = decimal.NewNullDecimal(m.price)
	}
	return resp, nil
}

func (m *mockExchange) LookupOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp, ok := m.lookup[clientOrderID]; ok {
		return resp, nil
	}
	return nil, ports.ErrOrderNotFound
}

func (m *mockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, symbol)
	return m.cancelErr
}

func (m *mockExchange) SetTrailingStop(ctx context.Context, req ports.TrailingStopRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trailing = append(m.trailing, req)
	return m.trailingErr
}

func (m *mockExchange) QueryTrade(ctx context.Context, q ports.TradeQuery) (*ports.TradeState, error) {
	if m.onQuery != nil {
		m.onQuery()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	return m.tradeState, m.tradeErr
}

func (m *mockExchange) ordersOfKind(kind string) []ports.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.OrderRequest
	for _, req := range m.placed {
		if orderKind(req) == kind {
			out = append(out, req)
		}
	}
	return out
}

// ctxExchange fails every call made on a finished context, the way an HTTP
// client does. cancelAfterEntry is called once the entry order is accepted.
type ctxExchange struct {
	*mockExchange
	cancelAfterEntry func()
}

func (c *ctxExchange) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return c.mockExchange.GetTickerPrice(ctx, symbol)
}

func (c *ctxExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.mockExchange.PlaceOrder(ctx, req)
	if err == nil && orderKind(req) == "entry" && c.cancelAfterEntry != nil {
		c.cancelAfterEntry()
	}
	return resp, err
}

func (c *ctxExchange) LookupOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.mockExchange.LookupOrder(ctx, symbol, clientOrderID)
}

func (c *ctxExchange) SetTrailingStop(ctx context.Context, req ports.TrailingStopRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.mockExchange.SetTrailingStop(ctx, req)
}

type mockLedger struct {
	mu        sync.Mutex
	trades    map[string]*domain.Trade
	appended  []*domain.Trade
	updates   []string
	appendErr error
	updateErr error
}

// failingDelete persists open trades but never manages to delete one.
type failingDelete struct {
	mu    sync.Mutex
	saved map[string]*domain.Trade
}

func (f *failingDelete) Save(_ context.Context, t *domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[t.OrderID] = t.Clone()
	return nil
}

func (f *failingDelete) Delete(context.Context, string) error { return ports.ErrDeleteFailed }

func (f *failingDelete) LoadAll(context.Context) ([]*domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Trade, 0, len(f.saved))
	for _, t := range f.saved {
		out = append(out, t.Clone())
	}
	return out, nil
}

func newMockLedger() *mockLedger {
	return &mockLedger{trades: make(map[string]*domain.Trade)}
}

func (m *mockLedger) Append(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, trade.Clone())
	if trade.OrderID != "" {
		m.trades[trade.OrderID] = trade.Clone()
	}
	return nil
}

func (m *mockLedger) Update(ctx context.Context, orderID string, patch domain.TradePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	t, ok := m.trades[orderID]
	if !ok {
		return ports.ErrNotFound
	}
	patch.Apply(t)
	m.updates = append(m.updates, orderID)
	return nil
}

func (m *mockLedger) FindByOrderID(ctx context.Context, orderID string) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[orderID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *mockLedger) List(ctx context.Context, filter ports.LedgerFilter) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for _, t := range m.trades {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *mockLedger) Close() error { return nil }

func (m *mockLedger) get(orderID string) *domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trades[orderID]; ok {
		return t.Clone()
	}
	return nil
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (m *mockNotifier) Notify(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	return m.err
}

func (m *mockNotifier) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultSymbol:         "BTCUSDT",
		DefaultQty:            d("0.01"),
		DefaultCallbackPct:    d("0.75"),
		SettleCoin:            "USDT",
		FallbackQtyStep:       d("0.001"),
		FallbackMinQty:        d("0.001"),
		FallbackTickSize:      d("0.01"),
		OrderRetries:          2,
		HTTPTimeout:           time.Second,
		MaxStopLossDistance:   d("0.07"),
		MaxTakeProfitDistance: d("0.30"),
		FallbackTakeProfit:    d("0.02"),
		ReconcileInterval:     time.Minute,
		ReconcileGrace:        time.Minute,
		ExitEpsilon:           d("0.002"),
	}
}

type testEnv struct {
	cfg      *config.Config
	logger   *mockLogger
	exchange *mockExchange
	ledger   *mockLedger
	store    *store.OpenTrades
	notifier *mockNotifier
	now      time.Time
}

func newTestEnv(t *testing.T, price string) *testEnv {
	t.Helper()
	logger := &mockLogger{}
	return &testEnv{
		cfg:      testConfig(),
		logger:   logger,
		exchange: newMockExchange(price),
		ledger:   newMockLedger(),
		store:    store.NewOpenTrades(nil, logger),
		notifier: &mockNotifier{},
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *testEnv) deps() Dependencies {
	return Dependencies{
		Logger:   e.logger,
		Exchange: e.exchange,
		Oracle:   oracle.New(e.exchange, time.Second, e.logger),
		Risk:     risk.NewRiskManager(risk.DefaultRiskConfig()),
		Ledger:   e.ledger,
		Store:    e.store,
		Notifier: e.notifier,
	}
}

func (e *testEnv) service(t *testing.T) *TradingService {
	t.Helper()
	return e.serviceWith(t, e.deps())
}

func (e *testEnv) serviceWith(t *testing.T, deps Dependencies) *TradingService {
	t.Helper()
	svc, err := NewTradingService(e.cfg, deps)
	if err != nil {
		t.Fatalf("NewTradingService: %v", err)
	}
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("cid-%d", n)
	}
	svc.now = func() time.Time { return e.now }
	svc.retryMin = time.Millisecond
	svc.retryMax = time.Millisecond
	return svc
}

func (e *testEnv) reconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := NewReconciler(e.cfg, e.deps())
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	r.now = func() time.Time { return e.now }
	return r
}
