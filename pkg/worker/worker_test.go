package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/fmtp/internal/api"
	"github.com/aridsondez/fmtp/internal/engine"
	"github.com/aridsondez/fmtp/internal/queue/store/memory"
	"github.com/aridsondez/fmtp/pkg/client"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	opts := engine.Options{
		MinRetryInterval: 5 * time.Millisecond,
		MaxRetryInterval: 20 * time.Millisecond,
		Logger:           zerolog.Nop(),
	}
	st := memory.New()
	ts := httptest.NewServer(api.NewHandler(engine.NewMessageEngine(st, opts), engine.NewQueueEngine(st, opts), api.Options{Logger: zerolog.Nop()}))
	t.Cleanup(ts.Close)
	return ts
}

func TestBackoff(t *testing.T) {
	lo, hi := 500*time.Millisecond, 4*time.Second
	assert.Equal(t, lo, backoff(0, lo, hi))
	assert.Equal(t, time.Second, backoff(lo, lo, hi))
	assert.Equal(t, hi, backoff(3*time.Second, lo, hi))
	assert.Equal(t, hi, backoff(hi, lo, hi))
}

func TestRunWithoutHandlers(t *testing.T) {
	w := New(Config{BaseURL: "http://localhost", Logger: zerolog.Nop()})
	assert.Error(t, w.Run(context.Background()))
}

func TestWorkerProcessesAndAcknowledges(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	q := client.NewServer(ts.URL, "").Queue("jobs")
	for _, guid := range []string{"a", "b", "c"} {
		require.NoError(t, q.PostMessage(ctx, guid, "text/plain", []byte(guid)))
	}

	var (
		mu       sync.Mutex
		seen     []string
		attempts = map[string]int{}
	)
	w := New(Config{BaseURL: ts.URL, Logger: zerolog.Nop()})
	w.Handle("jobs", func(ctx context.Context, m *client.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[m.GUID()]++
		if m.GUID() == "b" && attempts["b"] == 1 {
			panic("flaky handler")
		}
		seen = append(seen, string(m.Body))
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		l, err := q.List(ctx)
		return err == nil && len(l.Messages) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, 2, attempts["b"], "failed message is retried on the next poll")
}

func TestFailingPageBacksOff(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	q := client.NewServer(ts.URL, "").Queue("jobs")
	require.NoError(t, q.PostMessage(ctx, "stuck", "text/plain", []byte("x")))

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	w := New(Config{BaseURL: ts.URL, Logger: zerolog.Nop()})
	w.Handle("jobs", func(ctx context.Context, m *client.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, time.Now())
		return errors.New("downstream unavailable")
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 5
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	// 5ms, 10ms, then capped at the server's 20ms maximum.
	assert.GreaterOrEqual(t, calls[4].Sub(calls[3]), 20*time.Millisecond)

	l, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, l.Messages, 1, "failed message stays on the queue")
}
