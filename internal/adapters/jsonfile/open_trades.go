package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/utils"
)

// OpenTrades persists the open-trade set as one JSON document, rewritten
// atomically on every Save and Delete.
type OpenTrades struct {
	mu     sync.Mutex
	path   string
	trades map[string]*domain.Trade
}

var _ ports.OpenTradePersistence = (*OpenTrades)(nil)

// NewOpenTrades reads path if it exists. A missing file is an empty set.
func NewOpenTrades(path string) (*OpenTrades, error) {
	s := &OpenTrades{path: path, trades: make(map[string]*domain.Trade)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var list []*domain.Trade
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, t := range list {
		if t.OrderID != "" {
			s.trades[t.OrderID] = t
		}
	}
	return s, nil
}

func (s *OpenTrades) Save(ctx context.Context, trade *domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.trades[trade.OrderID]
	s.trades[trade.OrderID] = trade.Clone()
	if err := s.flush(); err != nil {
		if had {
			s.trades[trade.OrderID] = prev
		} else {
			delete(s.trades, trade.OrderID)
		}
		return err
	}
	return nil
}

func (s *OpenTrades) Delete(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.trades[orderID]
	if !had {
		return nil
	}
	delete(s.trades, orderID)
	if err := s.flush(); err != nil {
		s.trades[orderID] = prev
		return err
	}
	return nil
}

func (s *OpenTrades) LoadAll(ctx context.Context) ([]*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(), nil
}

func (s *OpenTrades) sorted() []*domain.Trade {
	out := make([]*domain.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (s *OpenTrades) flush() error {
	data, err := json.MarshalIndent(s.sorted(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode open trades: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w: %w", s.path, ports.ErrUpdateFailed, err)
	}
	return nil
}
