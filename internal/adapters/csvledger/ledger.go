package csvledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/utils"
)

// Row is one ledger line. The first sixteen columns keep the historical
// trades.csv layout so existing spreadsheets keep working.
type Row struct {
	Timestamp    string `csv:"timestamp"`
	Symbol       string `csv:"symbol"`
	Side         string `csv:"side"`
	Qty          string `csv:"qty"`
	EntryPrice   string `csv:"entry_price"`
	TP           string `csv:"tp"`
	SL           string `csv:"sl"`
	Trailing     string `csv:"trailing"`
	CallbackRate string `csv:"callback_rate"`
	OrderID      string `csv:"order_id"`
	ExitPrice    string `csv:"exit_price"`
	ExitReason   string `csv:"exit_reason"`
	PnL          string `csv:"pnl"`
	DurationSec  string `csv:"duration_sec"`
	Status       string `csv:"status"`
	Error        string `csv:"error"`

	ClientOrderID  string `csv:"client_order_id"`
	EffectiveTP    string `csv:"effective_tp"`
	EffectiveSL    string `csv:"effective_sl"`
	SLAutoAdjusted string `csv:"sl_auto_adjusted"`
	TPRejected     string `csv:"tp_rejected"`
	TPClamped      string `csv:"tp_clamped"`
	ClosedAt       string `csv:"closed_at"`
	StrategyTag    string `csv:"strategy_tag"`
	SignalSource   string `csv:"signal_source"`
}

// Ledger implements ports.TradeLedger on a single CSV file. The whole file is
// held in memory and rewritten atomically on every change, so Append and
// Update both cost a full rewrite that grows with the ledger. It suits a
// small ledger with a single writer process; use the sqlite or postgres
// driver for a long-lived history.
type Ledger struct {
	mu     sync.Mutex
	path   string
	rows   []*Row
	logger ports.Logger
}

// Open loads path, creating an empty ledger if the file does not exist yet.
func Open(path string, logger ports.Logger) (*Ledger, error) {
	l := &Ledger{path: path, logger: logger}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open csv ledger %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read csv ledger %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return l, nil
	}
	if err := gocsv.Unmarshal(bytes.NewReader(data), &l.rows); err != nil {
		return nil, fmt.Errorf("parse csv ledger %s: %w", path, err)
	}
	logger.Info(context.Background(), "CSV ledger loaded", map[string]interface{}{"path": path, "rows": len(l.rows)})
	return l, nil
}

func (l *Ledger) Append(ctx context.Context, trade *domain.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if trade.OrderID != "" && l.indexOf(trade.OrderID) >= 0 {
		return fmt.Errorf("trade %s: %w", trade.OrderID, ports.ErrDuplicateEntry)
	}
	rows := append(l.rows, ToRow(trade))
	if err := l.flush(rows); err != nil {
		return err
	}
	l.rows = rows
	return nil
}

func (l *Ledger) Update(ctx context.Context, orderID string, patch domain.TradePatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(orderID)
	if orderID == "" || i < 0 {
		return fmt.Errorf("trade %s not found for update: %w", orderID, ports.ErrNotFound)
	}
	trade, err := FromRow(l.rows[i])
	if err != nil {
		return fmt.Errorf("decode trade %s: %w", orderID, err)
	}
	patch.Apply(trade)

	rows := make([]*Row, len(l.rows))
	copy(rows, l.rows)
	rows[i] = ToRow(trade)
	if err := l.flush(rows); err != nil {
		return err
	}
	l.rows = rows
	return nil
}

func (l *Ledger) FindByOrderID(ctx context.Context, orderID string) (*domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(orderID)
	if orderID == "" || i < 0 {
		return nil, fmt.Errorf("trade %s: %w", orderID, ports.ErrNotFound)
	}
	return FromRow(l.rows[i])
}

// List returns matching trades in file order, which is append order.
func (l *Ledger) List(ctx context.Context, filter ports.LedgerFilter) ([]*domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*domain.Trade, 0, len(l.rows))
	for _, r := range l.rows {
		t, err := FromRow(r)
		if err != nil {
			l.logger.Warn(ctx, "Skipping unreadable ledger row", map[string]interface{}{"order_id": r.OrderID, "error": err.Error()})
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Symbol != "" && t.Symbol != filter.Symbol {
			continue
		}
		if !filter.Since.IsZero() && t.OpenedAt.Before(filter.Since) {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) Close() error { return nil }

func (l *Ledger) indexOf(orderID string) int {
	for i, r := range l.rows {
		if r.OrderID == orderID {
			return i
		}
	}
	return -1
}

func (l *Ledger) flush(rows []*Row) error {
	var buf bytes.Buffer
	if err := gocsv.Marshal(&rows, &buf); err != nil {
		return fmt.Errorf("encode csv ledger: %w: %w", ports.ErrUpdateFailed, err)
	}
	if err := utils.WriteFileAtomic(l.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write csv ledger %s: %w: %w", l.path, ports.ErrUpdateFailed, err)
	}
	return nil
}

// Encode writes trades as a ledger CSV with header, e.g. for an export download.
func Encode(w io.Writer, trades []*domain.Trade) error {
	rows := make([]*Row, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, ToRow(t))
	}
	return gocsv.Marshal(&rows, w)
}

// ToRow flattens a trade into CSV cells. Unknown values are empty cells.
func ToRow(t *domain.Trade) *Row {
	r := &Row{
		Timestamp:      t.OpenedAt.UTC().Format(time.RFC3339),
		Symbol:         t.Symbol,
		Side:           string(t.Side),
		Qty:            t.Quantity.String(),
		EntryPrice:     formatNull(t.EntryPrice),
		TP:             formatNull(t.TakeProfit),
		SL:             formatNull(t.StopLoss),
		Trailing:       strconv.FormatBool(t.TrailingEnabled),
		CallbackRate:   formatNull(t.TrailingCallbackPct),
		OrderID:        t.OrderID,
		ExitPrice:      formatNull(t.ExitPrice),
		ExitReason:     string(t.ExitReason),
		PnL:            formatNull(t.PnL),
		Status:         string(t.Status),
		Error:          t.Error,
		ClientOrderID:  t.ClientOrderID,
		EffectiveTP:    formatNull(t.EffectiveTakeProfit),
		EffectiveSL:    formatNull(t.EffectiveStopLoss),
		SLAutoAdjusted: strconv.FormatBool(t.SLAutoAdjusted),
		TPRejected:     strconv.FormatBool(t.TPRejected),
		TPClamped:      strconv.FormatBool(t.TPClamped),
		StrategyTag:    t.StrategyTag,
		SignalSource:   t.SignalSource,
	}
	if t.ClosedAt != nil {
		r.ClosedAt = t.ClosedAt.UTC().Format(time.RFC3339)
		r.DurationSec = strconv.FormatInt(int64(t.ClosedAt.Sub(t.OpenedAt).Seconds()), 10)
	}
	return r
}

// FromRow parses CSV cells back into a trade.
func FromRow(r *Row) (*domain.Trade, error) {
	t := &domain.Trade{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          domain.Side(r.Side),
		Status:        domain.TradeStatus(r.Status),
		ExitReason:    domain.ExitReason(r.ExitReason),
		Error:         r.Error,
		StrategyTag:   r.StrategyTag,
		SignalSource:  r.SignalSource,
	}

	var err error
	if t.OpenedAt, err = time.Parse(time.RFC3339, r.Timestamp); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	if t.Quantity, err = decimal.NewFromString(r.Qty); err != nil {
		return nil, fmt.Errorf("qty: %w", err)
	}

	cells := []struct {
		name string
		raw  string
		dst  *decimal.NullDecimal
	}{
		{"entry_price", r.EntryPrice, &t.EntryPrice},
		{"tp", r.TP, &t.TakeProfit},
		{"sl", r.SL, &t.StopLoss},
		{"callback_rate", r.CallbackRate, &t.TrailingCallbackPct},
		{"exit_price", r.ExitPrice, &t.ExitPrice},
		{"pnl", r.PnL, &t.PnL},
		{"effective_tp", r.EffectiveTP, &t.EffectiveTakeProfit},
		{"effective_sl", r.EffectiveSL, &t.EffectiveStopLoss},
	}
	for _, c := range cells {
		if *c.dst, err = parseNull(c.raw); err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
	}

	t.TrailingEnabled = parseBool(r.Trailing)
	t.SLAutoAdjusted = parseBool(r.SLAutoAdjusted)
	t.TPRejected = parseBool(r.TPRejected)
	t.TPClamped = parseBool(r.TPClamped)

	switch {
	case r.ClosedAt != "":
		closed, err := time.Parse(time.RFC3339, r.ClosedAt)
		if err != nil {
			return nil, fmt.Errorf("closed_at: %w", err)
		}
		t.ClosedAt = &closed
	case r.DurationSec != "":
		// rows written before closed_at existed
		secs, err := strconv.ParseInt(r.DurationSec, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("duration_sec: %w", err)
		}
		closed := t.OpenedAt.Add(time.Duration(secs) * time.Second)
		t.ClosedAt = &closed
	}
	return t, nil
}

func formatNull(n decimal.NullDecimal) string {
	if !n.Valid {
		return ""
	}
	return n.Decimal.String()
}

func parseNull(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
