package risk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
)

func TestValidateTakeProfit(t *testing.T) {
	manager := NewRiskManager(DefaultRiskConfig())
	price := d("100")

	tests := []struct {
		name        string
		side        domain.Side
		tp          string
		want        string
		wantClamped bool
		wantErr     bool
	}{
		{name: "buy within cap", side: domain.Buy, tp: "110", want: "110"},
		{name: "buy at cap", side: domain.Buy, tp: "130", want: "130"},
		{name: "buy beyond cap", side: domain.Buy, tp: "150", want: "130", wantClamped: true},
		{name: "buy at price", side: domain.Buy, tp: "100", wantErr: true},
		{name: "buy below price", side: domain.Buy, tp: "90", wantErr: true},
		{name: "sell within cap", side: domain.Sell, tp: "80", want: "80"},
		{name: "sell beyond cap", side: domain.Sell, tp: "50", want: "70", wantClamped: true},
		{name: "sell at price", side: domain.Sell, tp: "100", wantErr: true},
		{name: "sell above price", side: domain.Sell, tp: "105", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := manager.ValidateTakeProfit(d(tt.tp), price, tt.side)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrTakeProfitWrongSide))
				return
			}
			require.NoError(t, err)
			assert.True(t, d(tt.want).Equal(got.Price), "want %s got %s", tt.want, got.Price)
			assert.Equal(t, tt.wantClamped, got.Clamped)
		})
	}
}

func TestValidateStopLoss(t *testing.T) {
	manager := NewRiskManager(DefaultRiskConfig())
	price := d("100")

	tests := []struct {
		name         string
		side         domain.Side
		sl           string
		want         string
		wantAdjusted bool
	}{
		{name: "buy within distance", side: domain.Buy, sl: "95", want: "95"},
		{name: "buy at boundary", side: domain.Buy, sl: "93", want: "93"},
		{name: "buy too far", side: domain.Buy, sl: "80", want: "93", wantAdjusted: true},
		{name: "sell within distance", side: domain.Sell, sl: "105", want: "105"},
		{name: "sell too far", side: domain.Sell, sl: "120", want: "107", wantAdjusted: true},
		{name: "sell too far on the other side", side: domain.Sell, sl: "50", want: "107", wantAdjusted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := manager.ValidateStopLoss(d(tt.sl), price, tt.side)
			assert.True(t, d(tt.want).Equal(got.Price), "want %s got %s", tt.want, got.Price)
			assert.Equal(t, tt.wantAdjusted, got.Adjusted)
		})
	}
}

func TestValidateStopLossBoundaryForAnyPrice(t *testing.T) {
	manager := NewRiskManager(DefaultRiskConfig())
	for _, p := range []string{"0.5", "1", "27.3", "1999.99", "64000"} {
		price := d(p)
		far := price.Mul(d("0.5"))
		got := manager.ValidateStopLoss(far, price, domain.Buy)
		require.True(t, got.Adjusted, p)
		assert.True(t, price.Mul(d("0.93")).Equal(got.Price), p)

		near := price.Mul(d("0.99"))
		got = manager.ValidateStopLoss(near, price, domain.Buy)
		assert.False(t, got.Adjusted, p)
		assert.True(t, near.Equal(got.Price), p)
	}
}

func TestFallbackTakeProfit(t *testing.T) {
	manager := NewRiskManager(DefaultRiskConfig())
	assert.True(t, d("102").Equal(manager.FallbackTakeProfit(d("100"), domain.Buy)))
	assert.True(t, d("98").Equal(manager.FallbackTakeProfit(d("100"), domain.Sell)))
}
