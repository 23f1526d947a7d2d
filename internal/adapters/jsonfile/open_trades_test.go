package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
)

func trade(id string) *domain.Trade {
	return &domain.Trade{
		OrderID:           id,
		Symbol:            "BTCUSDT",
		Side:              domain.Sell,
		Quantity:          decimal.RequireFromString("0.5"),
		Status:            domain.StatusProtected,
		EffectiveStopLoss: decimal.NewNullDecimal(decimal.RequireFromString("101.5")),
		OpenedAt:          time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpenTrades_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open_trades.json")
	ctx := context.Background()

	s, err := NewOpenTrades(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, trade("b")))
	require.NoError(t, s.Save(ctx, trade("a")))
	require.NoError(t, s.Delete(ctx, "b"))
	require.NoError(t, s.Delete(ctx, "missing"))

	reloaded, err := NewOpenTrades(path)
	require.NoError(t, err)
	all, err := reloaded.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].OrderID)
	assert.Equal(t, domain.Sell, all[0].Side)
	assert.True(t, all[0].EffectiveStopLoss.Decimal.Equal(decimal.RequireFromString("101.5")))
	assert.False(t, all[0].EntryPrice.Valid)
}

func TestOpenTrades_MissingAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	s, err := NewOpenTrades(filepath.Join(dir, "none.json"))
	require.NoError(t, err)
	all, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	_, err = NewOpenTrades(bad)
	assert.Error(t, err)
}

func TestOpenTrades_FailedWriteKeepsState(t *testing.T) {
	dir := t.TempDir()
	// a directory where the file should be makes the rename fail
	path := filepath.Join(dir, "open_trades.json")
	require.NoError(t, os.Mkdir(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "x"), nil, 0o600))

	s := &OpenTrades{path: path, trades: make(map[string]*domain.Trade)}
	require.Error(t, s.Save(context.Background(), trade("a")))

	all, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}
