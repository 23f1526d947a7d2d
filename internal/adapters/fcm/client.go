package fcm

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"bracketBot/internal/ports"
)

// multicaster is the part of *messaging.Client this package uses.
type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client pushes lifecycle notifications to a fixed set of device tokens.
type Client struct {
	client multicaster
	tokens []string
	logger ports.Logger
}

var _ ports.Notifier = (*Client)(nil)

// NewClient initializes Firebase Cloud Messaging from a service-account file.
func NewClient(ctx context.Context, credentialsFile string, tokens []string, logger ports.Logger) (*Client, error) {
	if credentialsFile == "" || len(tokens) == 0 {
		return nil, fmt.Errorf("%w: firebase credentials file and device tokens are required", ports.ErrConfigurationError)
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	logger.Info(ctx, "Firebase Cloud Messaging initialized", map[string]interface{}{"tokens": len(tokens)})
	return &Client{client: client, tokens: tokens, logger: logger}, nil
}

// Notify sends text to every token. The first line becomes the title.
func (c *Client) Notify(ctx context.Context, text string) error {
	title, body := splitTitle(text)
	message := &messaging.MulticastMessage{
		Tokens: c.tokens,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{"text": text},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "trade_alerts",
				Priority:  messaging.PriorityHigh,
			},
		},
	}

	response, err := c.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending multicast: %w", err)
	}
	if response.FailureCount > 0 {
		c.logger.Warn(ctx, "Some push notifications failed", map[string]interface{}{
			"op":      "fcm.Notify",
			"success": response.SuccessCount,
			"failure": response.FailureCount,
		})
		if response.SuccessCount == 0 {
			return fmt.Errorf("all %d push notifications failed", response.FailureCount)
		}
	}
	return nil
}

func splitTitle(text string) (string, string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}
