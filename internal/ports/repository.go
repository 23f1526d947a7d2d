package ports

import (
	"context"
	"time"

	"bracketBot/internal/domain"
)

// LedgerFilter narrows a ledger listing. Zero values mean no constraint.
type LedgerFilter struct {
	Status domain.TradeStatus
	Symbol string
	Since  time.Time
	Limit  int
}

// TradeLedger is the durable record of trade lifecycle events.
// Creation is append-only; closure is a field patch keyed by order id.
type TradeLedger interface {
	// Append records a new trade snapshot. Returns ErrDuplicateEntry if the order id is already recorded.
	Append(ctx context.Context, trade *domain.Trade) error
	// Update applies a patch to the trade with the given order id.
	// Returns ErrNotFound if no such record exists.
	Update(ctx context.Context, orderID string, patch domain.TradePatch) error
	// FindByOrderID retrieves a single trade. Returns ErrNotFound if absent.
	FindByOrderID(ctx context.Context, orderID string) (*domain.Trade, error)
	// List retrieves trades ordered by open time, oldest first.
	List(ctx context.Context, filter LedgerFilter) ([]*domain.Trade, error)
	// Close releases the underlying storage.
	Close() error
}

// OpenTradePersistence backs the in-memory open-trade store so that tracking
// survives a restart. Every call is a single keyed write.
type OpenTradePersistence interface {
	Save(ctx context.Context, trade *domain.Trade) error
	Delete(ctx context.Context, orderID string) error
	LoadAll(ctx context.Context) ([]*domain.Trade, error)
}
