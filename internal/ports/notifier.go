package ports

import (
	"context"
	"io"
)

// Notifier delivers a human-readable status message.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// DocumentSender delivers a file, e.g. a ledger export.
type DocumentSender interface {
	SendDocument(ctx context.Context, filename string, content io.Reader, caption string) error
}
