package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

// Repository implements ports.TradeLedger and ports.OpenTradePersistence using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, fmt.Errorf("%w: %w", ports.ErrDBConnection, err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close() // Close the connection if ping fails
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, fmt.Errorf("%w: %w", ports.ErrDBConnection, err)
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1) // SQLite handles concurrency internally, but Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// Prices and quantities are stored as TEXT so decimals round-trip exactly.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL DEFAULT '',
		client_order_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		status TEXT NOT NULL,
		entry_price TEXT NULL,
		take_profit TEXT NULL,
		stop_loss TEXT NULL,
		effective_take_profit TEXT NULL,
		effective_stop_loss TEXT NULL,
		sl_auto_adjusted INTEGER NOT NULL DEFAULT 0,
		tp_rejected INTEGER NOT NULL DEFAULT 0,
		tp_clamped INTEGER NOT NULL DEFAULT 0,
		trailing_enabled INTEGER NOT NULL DEFAULT 0,
		trailing_callback_pct TEXT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NULL,
		exit_price TEXT NULL,
		exit_reason TEXT NOT NULL DEFAULT '',
		pnl TEXT NULL,
		strategy_tag TEXT NOT NULL DEFAULT '',
		signal_source TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);
	-- failed entries carry no exchange order id
	CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_order_id ON trades (order_id) WHERE order_id <> '';
	CREATE INDEX IF NOT EXISTS idx_trades_status_opened_at ON trades (status, opened_at);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_opened_at ON trades (symbol, opened_at);

	CREATE TABLE IF NOT EXISTS open_trades (
		order_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- TradeLedger Implementation ---

const tradeColumns = `order_id, client_order_id, symbol, side, quantity, status,
	entry_price, take_profit, stop_loss, effective_take_profit, effective_stop_loss,
	sl_auto_adjusted, tp_rejected, tp_clamped, trailing_enabled, trailing_callback_pct,
	opened_at, closed_at, exit_price, exit_reason, pnl, strategy_tag, signal_source, error`

// Append records a trade snapshot.
func (r *Repository) Append(ctx context.Context, trade *domain.Trade) error {
	query := `INSERT INTO trades (` + tradeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var closedAt sql.NullTime
	if trade.ClosedAt != nil {
		closedAt = sql.NullTime{Time: trade.ClosedAt.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		trade.OrderID, trade.ClientOrderID, trade.Symbol, string(trade.Side), trade.Quantity.String(), string(trade.Status),
		trade.EntryPrice, trade.TakeProfit, trade.StopLoss, trade.EffectiveTakeProfit, trade.EffectiveStopLoss,
		trade.SLAutoAdjusted, trade.TPRejected, trade.TPClamped, trade.TrailingEnabled, trade.TrailingCallbackPct,
		trade.OpenedAt.UTC(), closedAt, trade.ExitPrice, string(trade.ExitReason), trade.PnL,
		trade.StrategyTag, trade.SignalSource, trade.Error)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("trade %s: %w", trade.OrderID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert trade for symbol %s: %w: %w", trade.Symbol, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Trade appended", map[string]interface{}{"order_id": trade.OrderID, "symbol": trade.Symbol, "status": trade.Status})
	return nil
}

// Update applies a field patch to the trade with the given order id.
func (r *Repository) Update(ctx context.Context, orderID string, patch domain.TradePatch) error {
	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.EntryPrice.Valid {
		add("entry_price", patch.EntryPrice)
	}
	if patch.ExitPrice.Valid {
		add("exit_price", patch.ExitPrice)
	}
	if patch.ExitReason != nil {
		add("exit_reason", string(*patch.ExitReason))
	}
	if patch.PnL.Valid {
		add("pnl", patch.PnL)
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

	query := `UPDATE trades SET ` + strings.Join(sets, ", ") + ` WHERE order_id = ? AND order_id <> ''`
	args = append(args, orderID)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update trade %s: %w: %w", orderID, ports.ErrUpdateFailed, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for trade %s: %w", orderID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade %s not found for update: %w", orderID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"order_id": orderID})
	return nil
}

// FindByOrderID retrieves a trade by its exchange order id.
func (r *Repository) FindByOrderID(ctx context.Context, orderID string) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE order_id = ? AND order_id <> ''`

	trade, err := scanTrade(r.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", orderID, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query trade %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	return trade, nil
}

// List retrieves trades matching the filter, oldest first.
func (r *Repository) List(ctx context.Context, filter ports.LedgerFilter) ([]*domain.Trade, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		where = append(where, "opened_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + tradeColumns + ` FROM trades`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY opened_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during List: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// --- OpenTradePersistence Implementation ---

// Save upserts the JSON snapshot of an open trade.
func (r *Repository) Save(ctx context.Context, trade *domain.Trade) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to encode open trade %s: %w", trade.OrderID, err)
	}
	const query = `
	INSERT INTO open_trades (order_id, payload, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(order_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query, trade.OrderID, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save open trade %s: %w: %w", trade.OrderID, ports.ErrUpdateFailed, err)
	}
	return nil
}

// Delete removes an open trade snapshot. Deleting a missing id is not an error.
func (r *Repository) Delete(ctx context.Context, orderID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM open_trades WHERE order_id = ?`, orderID); err != nil {
		return fmt.Errorf("failed to delete open trade %s: %w: %w", orderID, ports.ErrDeleteFailed, err)
	}
	return nil
}

// LoadAll returns every persisted open trade.
func (r *Repository) LoadAll(ctx context.Context) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT order_id, payload FROM open_trades ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		var orderID, payload string
		if err := rows.Scan(&orderID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan open trade: %w", err)
		}
		trade := &domain.Trade{}
		if err := json.Unmarshal([]byte(payload), trade); err != nil {
			r.logger.Warn(ctx, "Skipping undecodable open trade", map[string]interface{}{"order_id": orderID, "error": err.Error()})
			continue
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open trade rows: %w", err)
	}
	return trades, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row selected with tradeColumns into a domain.Trade.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var side, status, exitReason string
	var closedAt sql.NullTime
	err := s.Scan(
		&t.OrderID, &t.ClientOrderID, &t.Symbol, &side, &t.Quantity, &status,
		&t.EntryPrice, &t.TakeProfit, &t.StopLoss, &t.EffectiveTakeProfit, &t.EffectiveStopLoss,
		&t.SLAutoAdjusted, &t.TPRejected, &t.TPClamped, &t.TrailingEnabled, &t.TrailingCallbackPct,
		&t.OpenedAt, &closedAt, &t.ExitPrice, &exitReason, &t.PnL,
		&t.StrategyTag, &t.SignalSource, &t.Error)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}

	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	t.ExitReason = domain.ExitReason(exitReason)
	t.OpenedAt = t.OpenedAt.UTC()
	if closedAt.Valid {
		closed := closedAt.Time.UTC()
		t.ClosedAt = &closed
	}
	return t, nil
}
