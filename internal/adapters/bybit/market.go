package bybit

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"bracketBot/internal/ports"
)

const (
	opTicker     = "GetTickerPrice"
	opBalance    = "GetAvailableBalance"
	opInstrument = "GetInstrument"
)

type tickersResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

// GetTickerPrice retrieves the last traded price. The endpoint is public.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)

	var res tickersResult
	if err := c.get(ctx, opTicker, "/v5/market/tickers", q, false, &res); err != nil {
		return decimal.Zero, err
	}
	if len(res.List) == 0 {
		return decimal.Zero, c.malformed(ctx, opTicker, "empty ticker list for %s", symbol)
	}
	price, err := decimal.NewFromString(res.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, c.malformed(ctx, opTicker, "lastPrice %q: %v", res.List[0].LastPrice, err)
	}
	return price, nil
}

type walletResult struct {
	List []struct {
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		Coin                  []struct {
			Coin                string `json:"coin"`
			WalletBalance       string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

// GetAvailableBalance retrieves the unified-account balance for a coin.
func (c *Client) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	q.Set("coin", asset)

	var res walletResult
	if err := c.get(ctx, opBalance, "/v5/account/wallet-balance", q, true, &res); err != nil {
		return decimal.Zero, err
	}
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			if coin.Coin != asset {
				continue
			}
			if v, err := decimal.NewFromString(coin.AvailableToWithdraw); err == nil {
				return v, nil
			}
			if v, err := decimal.NewFromString(coin.WalletBalance); err == nil {
				return v, nil
			}
		}
	}
	return decimal.Zero, c.malformed(ctx, opBalance, "no %s balance in response", asset)
}

type instrumentsResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		LotSizeFilter struct {
			QtyStep     string `json:"qtyStep"`
			MinOrderQty string `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
	} `json:"list"`
}

// GetInstrument retrieves lot size and tick size for a symbol.
func (c *Client) GetInstrument(ctx context.Context, symbol string) (*ports.Instrument, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)

	var res instrumentsResult
	if err := c.get(ctx, opInstrument, "/v5/market/instruments-info", q, false, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, c.malformed(ctx, opInstrument, "unknown symbol %s", symbol)
	}
	item := res.List[0]
	step, err1 := decimal.NewFromString(item.LotSizeFilter.QtyStep)
	minQty, err2 := decimal.NewFromString(item.LotSizeFilter.MinOrderQty)
	tick, err3 := decimal.NewFromString(item.PriceFilter.TickSize)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, c.malformed(ctx, opInstrument, "bad filters for %s", symbol)
	}
	return &ports.Instrument{Symbol: symbol, QtyStep: step, MinQty: minQty, TickSize: tick}, nil
}

func (c *Client) malformed(ctx context.Context, op, format string, args ...interface{}) error {
	return c.handleError(ctx, op, 0, "", fmt.Errorf("%w: "+format, append([]interface{}{ports.ErrMalformedResponse}, args...)...))
}
