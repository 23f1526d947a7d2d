package notifier

import (
	"context"
	"errors"
	"fmt"

	"bracketBot/internal/ports"
)

// Channel is a named delivery target.
type Channel struct {
	Name     string
	Notifier ports.Notifier
}

// Multi sends every message to all channels. One failing channel does not stop the others.
type Multi struct {
	channels []Channel
}

func NewMulti(channels ...Channel) *Multi {
	return &Multi{channels: channels}
}

func (m *Multi) Len() int { return len(m.channels) }

func (m *Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Notifier.Notify(ctx, text); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
		}
	}
	return errors.Join(errs...)
}
