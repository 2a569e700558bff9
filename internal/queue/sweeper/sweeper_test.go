package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/fmtp/internal/engine"
	"github.com/aridsondez/fmtp/internal/queue/store/memory"
)

type fakePurger struct {
	mu      sync.Mutex
	queues  []string
	purged  map[string]int
	fail    map[string]error
	calls   []string
	listErr error
}

func (f *fakePurger) Queues(ctx context.Context) ([]string, error) {
	return f.queues, f.listErr
}

func (f *fakePurger) Purge(ctx context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err := f.fail[name]; err != nil {
		return 0, err
	}
	return f.purged[name], nil
}

func (f *fakePurger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSweepVisitsEveryQueue(t *testing.T) {
	boom := errors.New("boom")
	p := &fakePurger{
		queues: []string{"a", "b", "c"},
		purged: map[string]int{"a": 2, "c": 3},
		fail:   map[string]error{"b": boom},
	}
	s := New(p, time.Hour, zerolog.Nop())

	n, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"a", "b", "c"}, p.calls)
}

func TestSweepQueuesError(t *testing.T) {
	p := &fakePurger{listErr: errors.New("store down")}
	s := New(p, time.Hour, zerolog.Nop())

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Empty(t, p.calls)
}

func TestSweepWithEngine(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	opts := engine.Options{Clock: func() time.Time { return clock() }, Logger: zerolog.Nop()}

	st := memory.New()
	me := engine.NewMessageEngine(st, opts)
	qe := engine.NewQueueEngine(st, opts)
	ctx := context.Background()

	for _, q := range []string{"x", "y"} {
		require.NoError(t, me.Create(ctx, q, "m", "", nil))
		require.NoError(t, me.Acknowledge(ctx, q, "m"))
	}
	require.NoError(t, me.Create(ctx, "y", "keep", "", nil))

	clock = func() time.Time { return now.Add(8 * 24 * time.Hour) }

	n, err := New(qe, time.Hour, zerolog.Nop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	names, err := qe.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, names)
}

func TestStartStops(t *testing.T) {
	p := &fakePurger{queues: []string{"a"}}
	s := New(p, 5*time.Millisecond, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return p.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestStartHonoursContext(t *testing.T) {
	s := New(&fakePurger{}, time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
