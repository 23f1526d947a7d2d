package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

// OpenTrades is the in-memory set of trades awaiting a terminal outcome, keyed
// by order id. All access, including persistence writes, happens under one
// mutex so an insert from the webhook path cannot interleave with a removal
// from the reconciler.
type OpenTrades struct {
	mu      sync.RWMutex
	trades  map[string]*domain.Trade
	closing map[string]struct{}        // claimed by a close in flight
	persist ports.OpenTradePersistence // optional
	logger  ports.Logger
}

// NewOpenTrades creates an empty store. persist may be nil.
func NewOpenTrades(persist ports.OpenTradePersistence, logger ports.Logger) *OpenTrades {
	return &OpenTrades{
		trades:  make(map[string]*domain.Trade),
		closing: make(map[string]struct{}),
		persist: persist,
		logger:  logger,
	}
}

// Restore loads persisted open trades into memory and returns how many it
// added. Entries without an order id or already in a terminal status are
// skipped, as are entries the ledger already records as terminal; those are
// left over from a close whose persistence delete failed and are deleted
// again here. ledger may be nil.
func (s *OpenTrades) Restore(ctx context.Context, ledger ports.TradeLedger) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	trades, err := s.persist.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore open trades: %w", err)
	}

	keep := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.OrderID == "" || !t.IsOpen() {
			s.logger.Warn(ctx, "Skipping persisted trade that is not open", map[string]interface{}{"order_id": t.OrderID, "status": t.Status})
			continue
		}
		if ledger != nil {
			recorded, err := ledger.FindByOrderID(ctx, t.OrderID)
			if err == nil && recorded.Status.IsTerminal() {
				s.logger.Warn(ctx, "Skipping persisted trade the ledger already closed", map[string]interface{}{"order_id": t.OrderID, "status": recorded.Status})
				if err := s.persist.Delete(ctx, t.OrderID); err != nil {
					s.logger.Error(ctx, err, "Failed to delete stale open trade", map[string]interface{}{"order_id": t.OrderID})
				}
				continue
			}
		}
		keep = append(keep, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range keep {
		if _, exists := s.trades[t.OrderID]; exists {
			continue
		}
		s.trades[t.OrderID] = t.Clone()
		n++
	}
	return n, nil
}

// Insert adds a trade. The trade must carry an order id and a non-terminal status.
func (s *OpenTrades) Insert(ctx context.Context, trade *domain.Trade) error {
	if trade.OrderID == "" {
		return fmt.Errorf("insert open trade: %w: empty order id", ports.ErrInvalidRequest)
	}
	if !trade.IsOpen() {
		return fmt.Errorf("insert open trade %s: %w: status %s is terminal", trade.OrderID, ports.ErrInvalidRequest, trade.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trades[trade.OrderID]; exists {
		return fmt.Errorf("insert open trade %s: %w", trade.OrderID, ports.ErrDuplicateEntry)
	}
	c := trade.Clone()
	if s.persist != nil {
		if err := s.persist.Save(ctx, c); err != nil {
			// memory stays authoritative when the write fails
			s.logger.Error(ctx, err, "Failed to persist open trade", map[string]interface{}{"order_id": trade.OrderID})
		}
	}
	s.trades[c.OrderID] = c
	return nil
}

// Claim marks a trade as being closed and returns a copy of it. Only one
// caller can hold the claim; it reports false when the trade is gone or
// already claimed. The holder either removes the trade or calls Release.
func (s *OpenTrades) Claim(orderID string) (*domain.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[orderID]
	if !ok {
		return nil, false
	}
	if _, busy := s.closing[orderID]; busy {
		return nil, false
	}
	s.closing[orderID] = struct{}{}
	return t.Clone(), true
}

// Release gives up a claim without removing the trade.
func (s *OpenTrades) Release(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.closing, orderID)
}

// Remove drops a trade and any claim on it. It reports whether the trade was
// present. The trade leaves memory even when the persistence delete fails;
// that error is logged and returned.
func (s *OpenTrades) Remove(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[orderID]; !ok {
		return false, nil
	}
	delete(s.trades, orderID)
	delete(s.closing, orderID)
	if s.persist != nil {
		if err := s.persist.Delete(ctx, orderID); err != nil {
			s.logger.Error(ctx, err, "Failed to delete persisted open trade", map[string]interface{}{"order_id": orderID})
			return true, fmt.Errorf("remove open trade %s: %w", orderID, err)
		}
	}
	return true, nil
}

// Get returns a copy of one trade.
func (s *OpenTrades) Get(orderID string) (*domain.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[orderID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Snapshot returns copies of all open trades, oldest first.
func (s *OpenTrades) Snapshot() []*domain.Trade {
	s.mu.RLock()
	out := make([]*domain.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Len returns the number of open trades.
func (s *OpenTrades) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}

// CountByStatus returns how many open trades are in the given status.
func (s *OpenTrades) CountByStatus(status domain.TradeStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.trades {
		if t.Status == status {
			n++
		}
	}
	return n
}
