package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
)

// Queue delivers notifications from a single background worker so a slow
// channel never blocks order placement. When the buffer is full the message
// is dropped and counted.
type Queue struct {
	target      ports.Notifier
	logger      ports.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration

	msgs      chan string
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ ports.Notifier = (*Queue)(nil)

// NewQueue starts the worker. size <= 0 falls back to 100.
func NewQueue(target ports.Notifier, size int, sendTimeout time.Duration, logger ports.Logger, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = 100
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	q := &Queue{
		target:      target,
		logger:      logger,
		metrics:     m,
		sendTimeout: sendTimeout,
		msgs:        make(chan string, size),
		done:        make(chan struct{}),
	}
	go q.run()
	return q
}

// Notify enqueues text and returns immediately.
func (q *Queue) Notify(ctx context.Context, text string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errors.New("notification queue closed")
	}
	select {
	case q.msgs <- text:
		return nil
	default:
		q.metrics.NotificationDropped()
		q.logger.Warn(ctx, "Notification queue full, dropping message", map[string]interface{}{"op": "Notify", "queued": len(q.msgs)})
		return nil
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for text := range q.msgs {
		ctx, cancel := context.WithTimeout(context.Background(), q.sendTimeout)
		if err := q.target.Notify(ctx, text); err != nil {
			q.logger.Error(ctx, err, "Notification delivery failed", map[string]interface{}{"op": "Notify"})
		}
		cancel()
	}
}

// Close stops accepting messages and waits for the backlog to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.msgs)
		q.mu.Unlock()
	})
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
