package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bracketBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://api.bybit.com"
	baseURLTestnet    = "https://api-testnet.bybit.com"

	defaultRecvWindow = 5000
	defaultCategory   = "linear"
)

// Config holds configuration specific to the Bybit client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string // overrides UseTestnet when set
	RecvWindow int    // milliseconds
	Category   string // "linear" for USDT perpetuals
	Timeout    time.Duration
	Logger     ports.Logger
}

// Client implements ports.Exchange against the Bybit v5 REST API.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow string
	category   string
	httpClient *http.Client
	logger     ports.Logger
}

var _ ports.Exchange = (*Client)(nil)

// New creates a new Bybit client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Bybit client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = baseURLProduction
		if cfg.UseTestnet {
			baseURL = baseURLTestnet
		}
	}
	recvWindow := cfg.RecvWindow
	if recvWindow <= 0 {
		recvWindow = defaultRecvWindow
	}
	category := cfg.Category
	if category == "" {
		category = defaultCategory
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cfg.Logger.Info(context.Background(), "Bybit client configured", map[string]interface{}{"baseURL": baseURL, "category": category})
	return &Client{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: strconv.Itoa(recvWindow),
		category:   category,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}, nil
}

// Name identifies the venue.
func (c *Client) Name() string { return "bybit" }

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Sign computes HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload) as lowercase hex.
// payload is the JSON body for POST requests and the encoded query string for GET.
func Sign(secret, timestamp, apiKey, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs a GET; signed controls whether auth headers are attached.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, signed bool, out interface{}) error {
	payload := query.Encode()
	return c.do(ctx, op, http.MethodGet, path+"?"+payload, payload, nil, signed, out)
}

// post performs a signed POST with a JSON body.
func (c *Client) post(ctx context.Context, op, path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return c.handleError(ctx, op, 0, "", fmt.Errorf("encode body: %w", err))
	}
	return c.do(ctx, op, http.MethodPost, path, string(raw), raw, true, out)
}

func (c *Client) do(ctx context.Context, op, method, target, payload string, body []byte, signed bool, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+target, reader)
	if err != nil {
		return c.handleError(ctx, op, 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		// fresh per attempt, never reused across retries
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
		req.Header.Set("X-BAPI-SIGN", Sign(c.secretKey, ts, c.apiKey, c.recvWindow, payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.handleError(ctx, op, 0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.handleError(ctx, op, 0, "", err)
	}
	if resp.StatusCode != http.StatusOK {
		return c.handleHTTPStatus(ctx, op, resp.StatusCode, raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return c.handleError(ctx, op, 0, "", fmt.Errorf("%w: %v", ports.ErrMalformedResponse, err))
	}
	if env.RetCode != 0 {
		return c.handleError(ctx, op, env.RetCode, env.RetMsg, nil)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return c.handleError(ctx, op, 0, "", fmt.Errorf("%w: result: %v", ports.ErrMalformedResponse, err))
	}
	return nil
}

func (c *Client) handleHTTPStatus(ctx context.Context, op string, status int, body []byte) error {
	var mapped error
	switch {
	case status == http.StatusTooManyRequests:
		mapped = ports.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		mapped = ports.ErrAuthenticationFailed
	case status >= 500:
		mapped = ports.ErrExchangeUnavailable
	default:
		mapped = ports.ErrUnknown
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := &ports.ExchangeError{Op: op, Message: fmt.Sprintf("http %d: %s", status, msg), Err: mapped}
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed with HTTP status", op), map[string]interface{}{"operation": op, "status": status})
	return err
}

// handleError translates Bybit return codes and transport failures into ports errors.
// A non-zero code means the exchange answered with a rejection.
func (c *Client) handleError(ctx context.Context, op string, code int, msg string, cause error) error {
	fields := map[string]interface{}{"operation": op}

	if code != 0 {
		fields["retCode"] = code
		fields["retMsg"] = msg

		var mapped error
		switch code {
		case 10003, 10004, 10005, 10007, 33004: // bad key, bad sign, permission, auth, key expired
			mapped = ports.ErrAuthenticationFailed
		case 10002: // timestamp outside recv_window
			mapped = ports.ErrTimeout
		case 10006, 10018: // rate limits
			mapped = ports.ErrRateLimited
		case 10016: // internal server error
			mapped = ports.ErrExchangeUnavailable
		case 10001, 110003, 110004, 110017: // params, price out of range, qty invalid, reduce-only rejected
			mapped = ports.ErrInvalidRequest
		case 110001: // order does not exist
			mapped = ports.ErrOrderNotFound
		case 110007, 110012, 110044, 110045: // insufficient available balance / margin
			mapped = ports.ErrInsufficientFunds
		default:
			mapped = ports.ErrUnknown
		}
		if opErr := opSentinel(op); opErr != nil && mapped != ports.ErrOrderNotFound {
			mapped = fmt.Errorf("%w: %w", opErr, mapped)
		}
		err := &ports.ExchangeError{Op: op, Code: code, Message: msg, Err: mapped}
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", op), fields)
		return err
	}

	fields["originalError"] = cause.Error()
	var mapped error
	var netErr net.Error
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		mapped = ports.ErrTimeout
	case errors.Is(cause, context.Canceled):
		mapped = ports.ErrContextCanceled
	case errors.As(cause, &netErr) && netErr.Timeout():
		mapped = ports.ErrTimeout
	case errors.Is(cause, ports.ErrMalformedResponse):
		mapped = ports.ErrMalformedResponse
	case errors.As(cause, &netErr):
		mapped = ports.ErrConnectionFailed
	default:
		mapped = ports.ErrUnknown
	}
	err := &ports.ExchangeError{Op: op, Message: cause.Error(), Err: mapped}
	c.logger.Error(ctx, cause, fmt.Sprintf("%s failed", op), fields)
	return err
}

func opSentinel(op string) error {
	switch op {
	case opPlaceOrder, opSetTrailingStop:
		return ports.ErrOrderPlacementFailed
	case opCancelAll:
		return ports.ErrOrderCancelFailed
	}
	return nil
}
