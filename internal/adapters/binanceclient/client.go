package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.Exchange interface using the go-binance futures library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
}

var _ ports.Exchange = (*Client)(nil)

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string // overrides UseTestnet when set
	Timeout    time.Duration
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL})

	return &Client{futuresClient: client, logger: cfg.Logger}, nil
}

// Name identifies the venue.
func (c *Client) Name() string { return "binance" }

// handleError translates common Binance API errors into ports errors.
// API rejections become *ports.ExchangeError carrying the Binance code.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022, -2014, -2015: // Bad signature, key format, key/IP permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -1001, -1007: // Disconnected, backend timeout
			mappedErr = ports.ErrExchangeUnavailable
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -4003, -4014: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010, -2021, -2022: // New order rejected, would immediately trigger, reduce-only rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2019, -3005: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -5022: // Post-only order would take liquidity
			mappedErr = ports.ErrOrderPlacementFailed
		default:
			mappedErr = ports.ErrUnknown
		}
		if operation == opPlaceOrder && mappedErr != ports.ErrOrderPlacementFailed {
			mappedErr = fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, mappedErr)
		}
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return &ports.ExchangeError{Op: operation, Code: int(apiErr.Code), Message: apiErr.Message, Err: mappedErr}
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var mappedErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout"):
		mappedErr = ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		mappedErr = ports.ErrContextCanceled
	case errors.Is(err, ports.ErrMalformedResponse):
		mappedErr = ports.ErrMalformedResponse
	case strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer"):
		mappedErr = ports.ErrConnectionFailed
	default:
		mappedErr = ports.ErrUnknown
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return &ports.ExchangeError{Op: operation, Message: err.Error(), Err: mappedErr}
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ports.ErrMalformedResponse}, args...)...)
}

// GetTickerPrice retrieves the last traded price for a given symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	op := "GetTickerPrice"
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return decimal.Zero, c.handleError(ctx, malformed("no ticker data returned for symbol %s", symbol), op)
	}

	price, err := decimal.NewFromString(tickers[0].LastPrice)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, malformed("could not parse price '%s': %v", tickers[0].LastPrice, err), op)
	}
	return price, nil
}

// GetAvailableBalance retrieves the available balance for a specific asset (e.g., "USDT").
func (c *Client) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	op := "GetAvailableBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset != asset {
			continue
		}
		balance, err := decimal.NewFromString(bal.AvailableBalance)
		if err != nil {
			return decimal.Zero, c.handleError(ctx, malformed("could not parse balance '%s' for asset %s: %v", bal.AvailableBalance, asset, err), op)
		}
		return balance, nil
	}

	// Asset not found in the account details
	return decimal.Zero, c.handleError(ctx, malformed("asset %s not found in account balance", asset), op)
}

// GetInstrument retrieves lot size and tick size from exchange info.
func (c *Client) GetInstrument(ctx context.Context, symbol string) (*ports.Instrument, error) {
	op := "GetInstrument"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		lot, price := s.LotSizeFilter(), s.PriceFilter()
		if lot == nil || price == nil {
			return nil, c.handleError(ctx, malformed("missing filters for %s", symbol), op)
		}
		step, err1 := decimal.NewFromString(lot.StepSize)
		minQty, err2 := decimal.NewFromString(lot.MinQuantity)
		tick, err3 := decimal.NewFromString(price.TickSize)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, c.handleError(ctx, malformed("bad filters for %s", symbol), op)
		}
		return &ports.Instrument{Symbol: symbol, QtyStep: step, MinQty: minQty, TickSize: tick}, nil
	}
	return nil, c.handleError(ctx, malformed("unknown symbol %s", symbol), op)
}

func toSide(s domain.Side) futures.SideType {
	if s == domain.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func fromStatus(s futures.OrderStatusType) ports.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return ports.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return ports.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return ports.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return ports.OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return ports.OrderStatusRejected
	}
	return ports.OrderStatusUnknown
}

func orderResponse(orderID int64, clientID, symbol string, status futures.OrderStatusType, avgPrice, executedQty string) *ports.OrderResponse {
	resp := &ports.OrderResponse{
		OrderID:       strconv.FormatInt(orderID, 10),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Status:        fromStatus(status),
	}
	if v, err := decimal.NewFromString(avgPrice); err == nil && v.IsPositive() {
		resp.AvgPrice = decimal.NewNullDecimal(v)
	}
	if v, err := decimal.NewFromString(executedQty); err == nil {
		resp.ExecutedQty = v
	}
	return resp
}
