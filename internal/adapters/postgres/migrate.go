package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates the ledger and open-trade tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`create table if not exists trades (
			id bigserial primary key,
			order_id text not null default '',
			client_order_id text not null default '',
			symbol text not null,
			side text not null,
			quantity numeric not null,
			status text not null,
			entry_price numeric null,
			take_profit numeric null,
			stop_loss numeric null,
			effective_take_profit numeric null,
			effective_stop_loss numeric null,
			sl_auto_adjusted boolean not null default false,
			tp_rejected boolean not null default false,
			tp_clamped boolean not null default false,
			trailing_enabled boolean not null default false,
			trailing_callback_pct numeric null,
			opened_at timestamptz not null,
			closed_at timestamptz null,
			exit_price numeric null,
			exit_reason text not null default '',
			pnl numeric null,
			strategy_tag text not null default '',
			signal_source text not null default '',
			error text not null default ''
		);`,
		`create unique index if not exists idx_trades_order_id on trades (order_id) where order_id <> '';`,
		`create index if not exists idx_trades_status_opened_at on trades (status, opened_at);`,
		`create index if not exists idx_trades_symbol_opened_at on trades (symbol, opened_at);`,
		`create table if not exists open_trades (
			order_id text primary key,
			payload jsonb not null,
			updated_at timestamptz not null default now()
		);`,
	}

	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
