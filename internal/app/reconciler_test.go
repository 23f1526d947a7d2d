package app

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/store"
)

// openTrade tracks a protected long opened two minutes before env.now.
func openTrade(t *testing.T, env *testEnv, orderID string) *domain.Trade {
	t.Helper()
	trade := &domain.Trade{
		OrderID:             orderID,
		ClientOrderID:       "cid-" + orderID,
		Symbol:              "BTCUSDT",
		Side:                domain.Buy,
		Quantity:            d("1"),
		Status:              domain.StatusProtected,
		EntryPrice:          nd("100"),
		TakeProfit:          nd("110"),
		StopLoss:            nd("95"),
		EffectiveTakeProfit: nd("110"),
		EffectiveStopLoss:   nd("95"),
		OpenedAt:            env.now.Add(-2 * time.Minute),
	}
	require.NoError(t, env.ledger.Append(context.Background(), trade))
	require.NoError(t, env.store.Insert(context.Background(), trade))
	return trade
}

func TestNewReconciler(t *testing.T) {
	env := newTestEnv(t, "100")

	deps := env.deps()
	deps.Ledger = nil
	_, err := NewReconciler(env.cfg, deps)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	env.cfg.ReconcileInterval = 0
	_, err = NewReconciler(env.cfg, env.deps())
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestRunOnce_StopLossHit(t *testing.T) {
	env := newTestEnv(t, "100")
	openTrade(t, env, "T-1")
	closedAt := env.now.Add(-10 * time.Second)
	env.exchange.tradeState = &ports.TradeState{
		EntryStatus:    ports.OrderStatusFilled,
		EntryFilledQty: d("1"),
		PositionOpen:   false,
		ExitPrice:      nd("95.1"),
		RealizedPnL:    nd("-4.93"),
		ClosedAt:       closedAt,
	}
	r := env.reconciler(t)

	report := r.RunOnce(context.Background())
	assert.Equal(t, CycleReport{Checked: 1, Closed: 1}, report)

	recorded := env.ledger.get("T-1")
	require.NotNil(t, recorded)
	assert.Equal(t, domain.StatusClosed, recorded.Status)
	assert.Equal(t, domain.ExitStopLoss, recorded.ExitReason)
	assert.True(t, d("95.1").Equal(recorded.ExitPrice.Decimal))
	assert.True(t, d("-4.93").Equal(recorded.PnL.Decimal))
	require.NotNil(t, recorded.ClosedAt)
	assert.True(t, closedAt.Equal(*recorded.ClosedAt))

	assert.Equal(t, 0, env.store.Len())
	assert.Equal(t, []string{"T-1"}, env.ledger.updates)

	// a second pass finds nothing to do
	report = r.RunOnce(context.Background())
	assert.Equal(t, CycleReport{}, report)
	assert.Len(t, env.ledger.updates, 1)
	assert.Equal(t, 1, env.exchange.queries)
}

func TestRunOnce_TakeProfitHitComputesPnL(t *testing.T) {
	env := newTestEnv(t, "100")
	openTrade(t, env, "T-1")
	env.exchange.tradeState = &ports.TradeState{
		EntryStatus:    ports.OrderStatusFilled,
		EntryFilledQty: d("1"),
		ExitPrice:      nd("110"),
	}
	r := env.reconciler(t)

	r.RunOnce(context.Background())

	recorded := env.ledger.get("T-1")
	require.NotNil(t, recorded)
	assert.Equal(t, domain.ExitTakeProfit, recorded.ExitReason)
	assert.True(t, d("10").Equal(recorded.PnL.Decimal))
	require.NotNil(t, recorded.ClosedAt)
	assert.True(t, env.now.Equal(*recorded.ClosedAt))
}

func TestRunOnce_KeepsOpenTrades(t *testing.T) {
	tests := []struct {
		name       string
		state      *ports.TradeState
		err        error
		wantFailed int
	}{
		{
			name:  "position still open",
			state: &ports.TradeState{EntryStatus: ports.OrderStatusFilled, EntryFilledQty: d("1"), PositionOpen: true},
		},
		{
			name:  "flat without exit price",
			state: &ports.TradeState{EntryStatus: ports.OrderStatusFilled, EntryFilledQty: d("1")},
		},
		{
			name:       "query failure",
			err:        &ports.ExchangeError{Op: "QueryTrade", Message: "503", Err: ports.ErrExchangeUnavailable},
			wantFailed: 1,
		},
		{
			name:       "empty response",
			wantFailed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "100")
			openTrade(t, env, "T-1")
			env.exchange.tradeState = tt.state
			env.exchange.tradeErr = tt.err
			r := env.reconciler(t)

			for i := 0; i < 3; i++ {
				report := r.RunOnce(context.Background())
				assert.Equal(t, 1, report.Checked)
				assert.Equal(t, 0, report.Closed)
				assert.Equal(t, tt.wantFailed, report.Failed)
			}
			_, ok := env.store.Get("T-1")
			assert.True(t, ok)
			assert.Empty(t, env.ledger.updates)
		})
	}
}

func TestRunOnce_GracePeriod(t *testing.T) {
	env := newTestEnv(t, "100")
	trade := openTrade(t, env, "T-1")
	removed, err := env.store.Remove(context.Background(), trade.OrderID)
	require.NoError(t, err)
	require.True(t, removed)

	trade.OpenedAt = env.now.Add(-30 * time.Second)
	require.NoError(t, env.store.Insert(context.Background(), trade))
	r := env.reconciler(t)

	report := r.RunOnce(context.Background())
	assert.Equal(t, CycleReport{Skipped: 1}, report)
	assert.Equal(t, 0, env.exchange.queries)
}

func TestRunOnce_DeadEntryClosesAsUnknown(t *testing.T) {
	env := newTestEnv(t, "100")
	openTrade(t, env, "T-1")
	env.exchange.tradeState = &ports.TradeState{EntryStatus: ports.OrderStatusCancelled, EntryFilledQty: decimal.Zero}
	r := env.reconciler(t)

	report := r.RunOnce(context.Background())
	assert.Equal(t, 1, report.Closed)

	recorded := env.ledger.get("T-1")
	require.NotNil(t, recorded)
	assert.Equal(t, domain.StatusClosed, recorded.Status)
	assert.Equal(t, domain.ExitUnknown, recorded.ExitReason)
	assert.True(t, recorded.PnL.Decimal.IsZero())
	assert.Contains(t, recorded.Error, "Cancelled")
}

func TestRunOnce_AppendsWhenLedgerMissesTrade(t *testing.T) {
	env := newTestEnv(t, "100")
	trade := openTrade(t, env, "T-1")
	env.ledger = newMockLedger() // forget the open record
	env.exchange.tradeState = &ports.TradeState{EntryStatus: ports.OrderStatusFilled, EntryFilledQty: d("1"), ExitPrice: nd("101")}
	r := env.reconciler(t)

	report := r.RunOnce(context.Background())
	assert.Equal(t, 1, report.Closed)

	recorded := env.ledger.get(trade.OrderID)
	require.NotNil(t, recorded)
	assert.Equal(t, domain.StatusClosed, recorded.Status)
	assert.Equal(t, domain.ExitManual, recorded.ExitReason)
	assert.True(t, d("1").Equal(recorded.PnL.Decimal))
}

func TestRunOnce_LedgerFailureKeepsTrade(t *testing.T) {
	env := newTestEnv(t, "100")
	openTrade(t, env, "T-1")
	env.ledger.updateErr = ports.ErrUpdateFailed
	env.exchange.tradeState = &ports.TradeState{EntryStatus: ports.OrderStatusFilled, EntryFilledQty: d("1"), ExitPrice: nd("110")}
	r := env.reconciler(t)

	report := r.RunOnce(context.Background())
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Closed)
	_, ok := env.store.Get("T-1")
	assert.True(t, ok, "removal waits for a durable ledger write")

	env.ledger.updateErr = nil
	report = r.RunOnce(context.Background())
	assert.Equal(t, 1, report.Closed)
	assert.Equal(t, 0, env.store.Len())
}

func TestRunOnce_FailedPersistenceDeleteClosesOnce(t *testing.T) {
	env := newTestEnv(t, "100")
	persist := &failingDelete{saved: make(map[string]*domain.Trade)}
	env.store = store.NewOpenTrades(persist, env.logger)
	openTrade(t, env, "T-1")
	env.exchange.tradeState = &ports.TradeState{EntryStatus: ports.OrderStatusFilled, EntryFilledQty: d("1"), ExitPrice: nd("95")}
	r := env.reconciler(t)

	report := r.RunOnce(context.Background())
	assert.Equal(t, CycleReport{Checked: 1, Closed: 1}, report)
	assert.Equal(t, 0, env.store.Len())

	report = r.RunOnce(context.Background())
	assert.Equal(t, CycleReport{}, report)
	assert.Equal(t, []string{"T-1"}, env.ledger.updates)
	assert.Equal(t, 1, env.exchange.queries)
	assert.Len(t, env.notifier.all(), 1)

	// a restart skips the row the failed delete left behind
	restarted := store.NewOpenTrades(persist, env.logger)
	n, err := restarted.Restore(context.Background(), env.ledger)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunOnce_OperatorCloseDuringPass(t *testing.T) {
	env := newTestEnv(t, "100")
	openTrade(t, env, "T-1")
	env.exchange.tradeState = &ports.TradeState{EntryStatus: ports.OrderStatusFilled, EntryFilledQty: d("1"), ExitPrice: nd("95")}
	svc := env.service(t)
	env.exchange.onQuery = func() {
		_, err := svc.CloseTrade(context.Background(), CloseRequest{OrderID: "T-1", ExitPrice: d("104")})
		assert.NoError(t, err)
	}
	r := env.reconciler(t)

	report := r.RunOnce(context.Background())
	assert.Equal(t, CycleReport{Checked: 1}, report)

	recorded := env.ledger.get("T-1")
	require.NotNil(t, recorded)
	assert.Equal(t, domain.ExitManual, recorded.ExitReason)
	assert.True(t, d("104").Equal(recorded.ExitPrice.Decimal), "the operator's exit stands")
	assert.Equal(t, []string{"T-1"}, env.ledger.updates)
	assert.Len(t, env.notifier.all(), 1)
}

func TestRecordClose_RejectsClaimedTrade(t *testing.T) {
	env := newTestEnv(t, "100")
	openTrade(t, env, "T-1")

	_, ok := env.store.Claim("T-1")
	require.True(t, ok)
	_, err := RecordClose(context.Background(), env.ledger, env.store, CloseRequest{OrderID: "T-1", ExitPrice: d("104")}, env.now)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	assert.Empty(t, env.ledger.updates)

	env.store.Release("T-1")
	closed, err := RecordClose(context.Background(), env.ledger, env.store, CloseRequest{OrderID: "T-1", ExitPrice: d("104")}, env.now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
}

func TestRunOnce_ConcurrentInserts(t *testing.T) {
	env := newTestEnv(t, "100")
	env.exchange.tradeState = &ports.TradeState{EntryStatus: ports.OrderStatusFilled, EntryFilledQty: d("1"), ExitPrice: nd("95")}
	r := env.reconciler(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			trade := &domain.Trade{
				OrderID:  "C-" + strconv.Itoa(i),
				Symbol:   "BTCUSDT",
				Side:     domain.Buy,
				Quantity: d("1"),
				Status:   domain.StatusProtected,
				StopLoss: nd("95"),
				OpenedAt: env.now.Add(-time.Hour),
			}
			assert.NoError(t, env.store.Insert(ctx, trade))
		}
	}()
	for i := 0; i < 20; i++ {
		r.RunOnce(ctx)
	}
	<-done
	r.RunOnce(ctx)

	assert.Equal(t, 0, env.store.Len())
	list, err := env.ledger.List(ctx, ports.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 50)
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, "100")
	env.cfg.ReconcileInterval = 5 * time.Millisecond
	r := env.reconciler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClassifyExit(t *testing.T) {
	eps := d("0.002")
	tests := []struct {
		name string
		exit string
		tp   decimal.NullDecimal
		sl   decimal.NullDecimal
		want domain.ExitReason
	}{
		{name: "exact tp", exit: "110", tp: nd("110"), sl: nd("95"), want: domain.ExitTakeProfit},
		{name: "tp within epsilon", exit: "109.8", tp: nd("110"), sl: nd("95"), want: domain.ExitTakeProfit},
		{name: "sl within epsilon", exit: "94.9", tp: nd("110"), sl: nd("95"), want: domain.ExitStopLoss},
		{name: "between levels", exit: "101", tp: nd("110"), sl: nd("95"), want: domain.ExitManual},
		{name: "no levels", exit: "101", want: domain.ExitManual},
		{name: "both match, nearer sl wins", exit: "100.05", tp: nd("100.1"), sl: nd("100"), want: domain.ExitStopLoss},
		{name: "both match, nearer tp wins", exit: "100.09", tp: nd("100.1"), sl: nd("100"), want: domain.ExitTakeProfit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyExit(d(tt.exit), tt.tp, tt.sl, eps))
		})
	}
}

func TestComputePnL(t *testing.T) {
	long := &domain.Trade{Side: domain.Buy, Quantity: d("2"), EntryPrice: nd("100")}
	assert.True(t, d("10").Equal(computePnL(long, d("105")).Decimal))

	short := &domain.Trade{Side: domain.Sell, Quantity: d("2"), EntryPrice: nd("100")}
	assert.True(t, d("10").Equal(computePnL(short, d("95")).Decimal))

	unknown := &domain.Trade{Side: domain.Buy, Quantity: d("1")}
	assert.False(t, computePnL(unknown, d("95")).Valid)
}
