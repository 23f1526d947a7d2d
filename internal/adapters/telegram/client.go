package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/jpillora/backoff"

	"bracketBot/internal/ports"
)

const defaultBaseURL = "https://api.telegram.org"

// Client sends messages and documents to one Telegram chat through the Bot API.
type Client struct {
	token      string
	chatID     string
	baseURL    string
	httpClient *http.Client
	logger     ports.Logger
	retries    int
	backoff    backoff.Backoff
}

var (
	_ ports.Notifier       = (*Client)(nil)
	_ ports.DocumentSender = (*Client)(nil)
)

// Config for the Telegram client. BaseURL is only overridden in tests.
type Config struct {
	Token   string
	ChatID  string
	BaseURL string
	Timeout time.Duration
	Retries int
	Logger  ports.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("%w: telegram token and chat id are required", ports.ErrConfigurationError)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Client{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
		retries:    cfg.Retries,
		backoff:    backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true},
	}, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Notify posts text to the chat with sendMessage.
func (c *Client) Notify(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":                  c.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}
	return c.do(ctx, "sendMessage", func() (io.Reader, string, error) {
		return bytes.NewReader(body), "application/json", nil
	})
}

// SendDocument uploads content as a file attachment with sendDocument.
func (c *Client) SendDocument(ctx context.Context, filename string, content io.Reader, caption string) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("reading document %s: %w", filename, err)
	}
	return c.do(ctx, "sendDocument", func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := w.WriteField("chat_id", c.chatID); err != nil {
			return nil, "", err
		}
		if caption != "" {
			if err := w.WriteField("caption", caption); err != nil {
				return nil, "", err
			}
		}
		part, err := w.CreateFormFile("document", filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	})
}

// do retries 429 and 5xx responses and transport errors.
func (c *Client) do(ctx context.Context, method string, body func() (io.Reader, string, error)) error {
	op := "telegram." + method
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	b := c.backoff

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(b.Duration()):
			}
		}

		payload, contentType, err := body()
		if err != nil {
			return fmt.Errorf("%s: building request: %w", op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, payload)
		if err != nil {
			return fmt.Errorf("%s: creating request: %w", op, err)
		}
		req.Header.Set("Content-Type", contentType)

		retry, err := c.send(req)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s: %w", op, err)
		if !retry {
			return lastErr
		}
		if c.logger != nil {
			c.logger.Warn(ctx, op+": retrying", map[string]interface{}{"attempt": attempt + 1, "error": err.Error()})
		}
	}
	return lastErr
}

func (c *Client) send(req *http.Request) (retry bool, err error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("%w: %s", ports.ErrRateLimited, parsed.Description)
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d: %s", resp.StatusCode, parsed.Description)
	case resp.StatusCode != http.StatusOK || !parsed.OK:
		return false, fmt.Errorf("status %d: %s", resp.StatusCode, parsed.Description)
	}
	return false, nil
}
