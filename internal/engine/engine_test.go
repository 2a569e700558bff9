package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEngines(t *testing.T, opts Options) (*MessageEngine, *QueueEngine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	opts.Logger = zerolog.Nop()
	s := memory.New()
	return NewMessageEngine(s, opts), NewQueueEngine(s, opts), clock
}

func TestMessageLifecycle(t *testing.T) {
	me, qe, clock := newEngines(t, Options{})
	ctx := context.Background()

	require.NoError(t, me.Create(ctx, "orders", "42", "application/json", []byte(`{"id":42}`)))
	assert.ErrorIs(t, me.Create(ctx, "orders", "42", "application/json", []byte(`{"id":42}`)), queue.ErrConflict)

	m, err := me.Fetch(ctx, "orders", "42")
	require.NoError(t, err)
	assert.Equal(t, "application/json", m.ContentType)
	assert.Equal(t, []byte(`{"id":42}`), m.Body)

	listing, err := qe.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, listing.Messages, 1)
	assert.Equal(t, "42", listing.Messages[0].GUID)
	assert.True(t, clock.Now().Equal(listing.Messages[0].CreatedAt))

	clock.Advance(time.Second)
	require.NoError(t, me.Acknowledge(ctx, "orders", "42"))

	_, err = me.Fetch(ctx, "orders", "42")
	assert.ErrorIs(t, err, queue.ErrGone)
	assert.ErrorIs(t, me.Acknowledge(ctx, "orders", "42"), queue.ErrGone)
	assert.ErrorIs(t, me.Create(ctx, "orders", "42", "text/plain", []byte("again")), queue.ErrGone)

	listing, err = qe.List(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, listing.Messages)
}

func TestMissingMessage(t *testing.T) {
	me, _, _ := newEngines(t, Options{})
	ctx := context.Background()

	_, err := me.Fetch(ctx, "orders", "nope")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.ErrorIs(t, me.Acknowledge(ctx, "orders", "nope"), queue.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	me, _, _ := newEngines(t, Options{
		Admit: func(q string) bool { return q != "blocked" },
	})
	ctx := context.Background()

	for _, guid := range []string{"", "a b", "a/b", "ü", "x.y"} {
		assert.ErrorIs(t, me.Create(ctx, "orders", guid, "", nil), queue.ErrInvalidIdentifier, "guid %q", guid)
	}
	for _, guid := range []string{"abc", "A-1_b", "0"} {
		assert.NoError(t, me.Create(ctx, "orders", guid, "", nil), "guid %q", guid)
	}
	assert.ErrorIs(t, me.Create(ctx, "blocked", "abc", "", nil), queue.ErrQueueNotAllowed)
}

func TestEmptyBodyRoundTrip(t *testing.T) {
	me, _, _ := newEngines(t, Options{})
	ctx := context.Background()

	require.NoError(t, me.Create(ctx, "q", "empty", "", nil))
	m, err := me.Fetch(ctx, "q", "empty")
	require.NoError(t, err)
	assert.Empty(t, m.Body)
	assert.Empty(t, m.ContentType)
}

func TestListOrderAndLimit(t *testing.T) {
	me, qe, clock := newEngines(t, Options{ListLimit: 3})
	ctx := context.Background()

	for _, guid := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, me.Create(ctx, "jobs", guid, "", []byte(guid)))
		clock.Advance(time.Millisecond)
	}
	require.NoError(t, me.Acknowledge(ctx, "jobs", "b"))

	listing, err := qe.List(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, DefaultMinRetryInterval, listing.MinRetryInterval)
	assert.Equal(t, DefaultMaxRetryInterval, listing.MaxRetryInterval)

	var got []string
	for i, s := range listing.Messages {
		got = append(got, s.GUID)
		if i > 0 {
			assert.False(t, s.CreatedAt.Before(listing.Messages[i-1].CreatedAt))
		}
	}
	assert.Equal(t, []string{"a", "c", "d"}, got)
}

func TestListRetryIntervalsFromOptions(t *testing.T) {
	_, qe, _ := newEngines(t, Options{MinRetryInterval: time.Second, MaxRetryInterval: time.Minute})

	listing, err := qe.List(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, time.Second, listing.MinRetryInterval)
	assert.Equal(t, time.Minute, listing.MaxRetryInterval)
	assert.NotNil(t, listing.Messages)
	assert.Empty(t, listing.Messages)
}

func TestCollectGarbageRetention(t *testing.T) {
	me, qe, clock := newEngines(t, Options{})
	ctx := context.Background()

	require.NoError(t, me.Create(ctx, "q", "old", "", []byte("1")))
	require.NoError(t, me.Create(ctx, "q", "young", "", []byte("2")))
	require.NoError(t, me.Create(ctx, "q", "active", "", []byte("3")))

	require.NoError(t, me.Acknowledge(ctx, "q", "old"))
	clock.Advance(6 * 24 * time.Hour)
	require.NoError(t, me.Acknowledge(ctx, "q", "young"))
	clock.Advance(2 * 24 * time.Hour)

	// "old" was deleted 8 days ago, "young" 2 days ago.
	n, err := qe.CollectGarbage(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = me.Fetch(ctx, "q", "old")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = me.Fetch(ctx, "q", "young")
	assert.ErrorIs(t, err, queue.ErrGone)
	_, err = me.Fetch(ctx, "q", "active")
	assert.NoError(t, err)

	n, err = qe.CollectGarbage(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Purged identifiers are free again.
	assert.NoError(t, me.Create(ctx, "q", "old", "", []byte("new")))
}

func TestCollectGarbageCustomRetention(t *testing.T) {
	me, qe, clock := newEngines(t, Options{Retention: time.Hour})
	ctx := context.Background()

	require.NoError(t, me.Create(ctx, "q", "m", "", nil))
	require.NoError(t, me.Acknowledge(ctx, "q", "m"))

	clock.Advance(time.Hour)
	n, err := qe.Purge(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n, "deleted exactly at the cutoff is kept")

	clock.Advance(time.Microsecond)
	n, err = qe.Purge(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSummaryIncludesDeleted(t *testing.T) {
	me, qe, _ := newEngines(t, Options{AdminLimit: 2})
	ctx := context.Background()

	for _, guid := range []string{"a", "b", "c"} {
		require.NoError(t, me.Create(ctx, "q", guid, "text/plain", []byte(guid)))
	}
	require.NoError(t, me.Acknowledge(ctx, "q", "a"))

	all, err := qe.Summary(ctx, "q")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].GUID)
	assert.True(t, all[0].Deleted())
	assert.Equal(t, "b", all[1].GUID)
	assert.False(t, all[1].Deleted())

	empty, err := qe.Summary(ctx, "nothing")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestAccessHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []AccessRequest
	)
	deny := errors.New("no entry")
	opts := Options{Hooks: Hooks{Access: func(ctx context.Context, req AccessRequest) error {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		if req.Queue == "secret" {
			return deny
		}
		return nil
	}}}
	me, qe, _ := newEngines(t, opts)
	ctx := context.Background()

	err := me.Create(ctx, "secret", "x", "", nil)
	require.ErrorIs(t, err, queue.ErrUnauthorized)
	assert.Contains(t, err.Error(), "no entry")

	_, err = qe.List(ctx, "secret")
	assert.ErrorIs(t, err, queue.ErrUnauthorized)
	_, err = qe.Summary(ctx, "secret")
	assert.ErrorIs(t, err, queue.ErrUnauthorized)
	_, err = qe.CollectGarbage(ctx, "secret")
	assert.ErrorIs(t, err, queue.ErrUnauthorized)

	// The hook runs even when the message does not exist.
	_, err = me.Fetch(ctx, "secret", "missing")
	assert.ErrorIs(t, err, queue.ErrUnauthorized)
	assert.ErrorIs(t, me.Acknowledge(ctx, "secret", "missing"), queue.ErrUnauthorized)

	require.NoError(t, me.Create(ctx, "open", "x", "text/plain", []byte("hi")))
	_, err = me.Fetch(ctx, "open", "x")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	ops := make([]Op, 0, len(seen))
	for _, r := range seen {
		ops = append(ops, r.Op)
	}
	assert.Equal(t, []Op{OpCreate, OpList, OpInspect, OpCollect, OpFetch, OpAcknowledge, OpCreate, OpFetch}, ops)

	assert.Nil(t, seen[4].Message, "missing message is reported as nil")
	assert.Nil(t, seen[6].Message)
	require.NotNil(t, seen[7].Message)
	assert.Equal(t, "x", seen[7].Message.GUID)
	assert.Equal(t, "open", seen[7].Queue)
}

func TestAccessHookKeepsUnauthorizedError(t *testing.T) {
	me, _, _ := newEngines(t, Options{Hooks: Hooks{Access: func(context.Context, AccessRequest) error {
		return queue.ErrUnauthorized
	}}})

	err := me.Create(context.Background(), "q", "x", "", nil)
	assert.Equal(t, queue.ErrUnauthorized, err)
}

func TestEventHooks(t *testing.T) {
	var created, deleted []queue.Message
	opts := Options{Hooks: Hooks{
		OnCreated: func(ctx context.Context, m queue.Message) error {
			created = append(created, m)
			return errors.New("broker down")
		},
		OnDeleted: func(ctx context.Context, m queue.Message) error {
			deleted = append(deleted, m)
			return nil
		},
	}}
	me, _, _ := newEngines(t, opts)
	ctx := context.Background()

	require.NoError(t, me.Create(ctx, "q", "a", "text/plain", []byte("a")), "hook failure must not fail the create")
	assert.ErrorIs(t, me.Create(ctx, "q", "a", "text/plain", []byte("a")), queue.ErrConflict)
	require.NoError(t, me.Acknowledge(ctx, "q", "a"))
	assert.ErrorIs(t, me.Acknowledge(ctx, "q", "a"), queue.ErrGone)

	require.Len(t, created, 1)
	assert.Equal(t, "a", created[0].GUID)
	require.Len(t, deleted, 1)
	require.NotNil(t, deleted[0].DeletedAt)
}

func TestConcurrentCreateAndAcknowledge(t *testing.T) {
	me, _, _ := newEngines(t, Options{})
	ctx := context.Background()

	const workers = 32
	run := func(fn func() error) (ok int, errs []error) {
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := fn()
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					ok++
				} else {
					errs = append(errs, err)
				}
			}()
		}
		wg.Wait()
		return ok, errs
	}

	ok, errs := run(func() error { return me.Create(ctx, "race", "same", "", []byte("x")) })
	assert.Equal(t, 1, ok)
	for _, err := range errs {
		assert.ErrorIs(t, err, queue.ErrConflict)
	}

	ok, errs = run(func() error { return me.Acknowledge(ctx, "race", "same") })
	assert.Equal(t, 1, ok)
	for _, err := range errs {
		assert.ErrorIs(t, err, queue.ErrGone)
	}
}

func TestClockTruncatedToMicroseconds(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.FixedZone("X", 3600))
	me, qe, _ := newEngines(t, Options{Clock: func() time.Time { return at }})
	ctx := context.Background()

	require.NoError(t, me.Create(ctx, "q", "m", "", nil))
	listing, err := qe.List(ctx, "q")
	require.NoError(t, err)
	require.Len(t, listing.Messages, 1)
	got := listing.Messages[0].CreatedAt
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
}
