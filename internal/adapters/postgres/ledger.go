package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

const uniqueViolation = "23505"

// Repository implements ports.TradeLedger and ports.OpenTradePersistence on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	logger ports.Logger
}

func NewRepository(pool *pgxpool.Pool, logger ports.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

const tradeColumns = `order_id, client_order_id, symbol, side, quantity, status,
	entry_price, take_profit, stop_loss, effective_take_profit, effective_stop_loss,
	sl_auto_adjusted, tp_rejected, tp_clamped, trailing_enabled, trailing_callback_pct,
	opened_at, closed_at, exit_price, exit_reason, pnl, strategy_tag, signal_source, error`

func (r *Repository) Append(ctx context.Context, t *domain.Trade) error {
	q := `insert into trades (` + tradeColumns + `)
	values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`

	var closedAt *time.Time
	if t.ClosedAt != nil {
		c := t.ClosedAt.UTC()
		closedAt = &c
	}

	_, err := r.pool.Exec(ctx, q,
		t.OrderID, t.ClientOrderID, t.Symbol, string(t.Side), numeric(decimal.NewNullDecimal(t.Quantity)), string(t.Status),
		numeric(t.EntryPrice), numeric(t.TakeProfit), numeric(t.StopLoss), numeric(t.EffectiveTakeProfit), numeric(t.EffectiveStopLoss),
		t.SLAutoAdjusted, t.TPRejected, t.TPClamped, t.TrailingEnabled, numeric(t.TrailingCallbackPct),
		t.OpenedAt.UTC(), closedAt, numeric(t.ExitPrice), string(t.ExitReason), numeric(t.PnL),
		t.StrategyTag, t.SignalSource, t.Error,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("trade %s: %w", t.OrderID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("insert trade %s: %w: %w", t.Symbol, ports.ErrQueryFailed, err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, orderID string, patch domain.TradePatch) error {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.EntryPrice.Valid {
		add("entry_price", numeric(patch.EntryPrice))
	}
	if patch.ExitPrice.Valid {
		add("exit_price", numeric(patch.ExitPrice))
	}
	if patch.ExitReason != nil {
		add("exit_reason", string(*patch.ExitReason))
	}
	if patch.PnL.Valid {
		add("pnl", numeric(patch.PnL))
	}
	if patch.ClosedAt != nil {
		add("closed_at", patch.ClosedAt.UTC())
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, orderID)
	q := `update trades set ` + strings.Join(sets, ", ") +
		` where order_id = $` + strconv.Itoa(len(args)) + ` and order_id <> ''`

	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update trade %s: %w: %w", orderID, ports.ErrUpdateFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s not found for update: %w", orderID, ports.ErrNotFound)
	}
	return nil
}

func (r *Repository) FindByOrderID(ctx context.Context, orderID string) (*domain.Trade, error) {
	q := `select ` + tradeColumns + ` from trades where order_id = $1 and order_id <> ''`
	t, err := scanTrade(r.pool.QueryRow(ctx, q, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", orderID, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("query trade %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	return t, nil
}

func (r *Repository) List(ctx context.Context, filter ports.LedgerFilter) ([]*domain.Trade, error) {
	var where []string
	var args []any
	cond := func(expr string, value any) {
		args = append(args, value)
		where = append(where, expr+" $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		cond("status =", string(filter.Status))
	}
	if filter.Symbol != "" {
		cond("symbol =", filter.Symbol)
	}
	if !filter.Since.IsZero() {
		cond("opened_at >=", filter.Since.UTC())
	}

	q := `select ` + tradeColumns + ` from trades`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	q += ` order by opened_at asc, id asc`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += ` limit $` + strconv.Itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	out := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) Save(ctx context.Context, t *domain.Trade) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode open trade %s: %w", t.OrderID, err)
	}
	_, err = r.pool.Exec(ctx, `
		insert into open_trades (order_id, payload, updated_at) values ($1, $2, now())
		on conflict (order_id) do update set payload = excluded.payload, updated_at = now()`,
		t.OrderID, payload)
	if err != nil {
		return fmt.Errorf("save open trade %s: %w: %w", t.OrderID, ports.ErrUpdateFailed, err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, orderID string) error {
	if _, err := r.pool.Exec(ctx, `delete from open_trades where order_id = $1`, orderID); err != nil {
		return fmt.Errorf("delete open trade %s: %w: %w", orderID, ports.ErrDeleteFailed, err)
	}
	return nil
}

func (r *Repository) LoadAll(ctx context.Context) ([]*domain.Trade, error) {
	rows, err := r.pool.Query(ctx, `select order_id, payload from open_trades order by updated_at asc`)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	out := make([]*domain.Trade, 0)
	for rows.Next() {
		var orderID string
		var payload []byte
		if err := rows.Scan(&orderID, &payload); err != nil {
			return nil, err
		}
		t := &domain.Trade{}
		if err := json.Unmarshal(payload, t); err != nil {
			r.logger.Warn(ctx, "Skipping undecodable open trade", map[string]interface{}{"order_id": orderID, "error": err.Error()})
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row pgx.Row) (*domain.Trade, error) {
	t := &domain.Trade{}
	var side, status, exitReason string
	var qty, entry, tp, sl, effTP, effSL, callback, exit, pnl pgtype.Numeric
	var closedAt *time.Time

	err := row.Scan(
		&t.OrderID, &t.ClientOrderID, &t.Symbol, &side, &qty, &status,
		&entry, &tp, &sl, &effTP, &effSL,
		&t.SLAutoAdjusted, &t.TPRejected, &t.TPClamped, &t.TrailingEnabled, &callback,
		&t.OpenedAt, &closedAt, &exit, &exitReason, &pnl,
		&t.StrategyTag, &t.SignalSource, &t.Error,
	)
	if err != nil {
		return nil, err
	}

	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	t.ExitReason = domain.ExitReason(exitReason)
	t.Quantity = nullDecimal(qty).Decimal
	t.EntryPrice = nullDecimal(entry)
	t.TakeProfit = nullDecimal(tp)
	t.StopLoss = nullDecimal(sl)
	t.EffectiveTakeProfit = nullDecimal(effTP)
	t.EffectiveStopLoss = nullDecimal(effSL)
	t.TrailingCallbackPct = nullDecimal(callback)
	t.ExitPrice = nullDecimal(exit)
	t.PnL = nullDecimal(pnl)
	t.OpenedAt = t.OpenedAt.UTC()
	if closedAt != nil {
		c := closedAt.UTC()
		t.ClosedAt = &c
	}
	return t, nil
}

// numeric keeps the exact coefficient and exponent so no float rounding happens on the way in.
func numeric(n decimal.NullDecimal) pgtype.Numeric {
	if !n.Valid {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: n.Decimal.Coefficient(), Exp: n.Decimal.Exponent(), Valid: true}
}

func nullDecimal(n pgtype.Numeric) decimal.NullDecimal {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromBigInt(n.Int, n.Exp))
}
