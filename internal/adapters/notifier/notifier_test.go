package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/metrics"
)

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...map[string]interface{})        {}
func (nopLogger) Info(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Warn(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Error(context.Context, error, string, ...map[string]interface{}) {}

type recorder struct {
	mu    sync.Mutex
	texts []string
	block chan struct{}
	err   error
}

func (r *recorder) Notify(ctx context.Context, text string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestQueue_DeliversInOrderAndDrains(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(rec, 10, time.Second, nopLogger{}, nil)

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, q.Notify(context.Background(), s))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	assert.Equal(t, []string{"a", "b", "c"}, rec.got())
	assert.Error(t, q.Notify(context.Background(), "late"))
	assert.NoError(t, q.Close(ctx), "second close is a no-op")
}

func TestQueue_DropsWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	m := metrics.New(prometheus.NewRegistry())
	q := NewQueue(rec, 1, time.Second, nopLogger{}, m)

	// the worker holds one message, the buffer holds one more
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Notify(context.Background(), "msg"))
	}
	close(rec.block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	delivered := len(rec.got())
	assert.GreaterOrEqual(t, delivered, 1)
	assert.LessOrEqual(t, delivered, 2)
}

func TestQueue_DeliveryErrorsAreSwallowed(t *testing.T) {
	rec := &recorder{err: errors.New("telegram down")}
	q := NewQueue(rec, 2, time.Second, nopLogger{}, nil)
	require.NoError(t, q.Notify(context.Background(), "x"))
	require.NoError(t, q.Close(context.Background()))
	assert.Len(t, rec.got(), 1)
}

func TestMulti(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("boom")}
	m := NewMulti(Channel{Name: "bad", Notifier: bad}, Channel{Name: "ok", Notifier: ok})

	err := m.Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"hello"}, ok.got())
	assert.Equal(t, 2, m.Len())
}
