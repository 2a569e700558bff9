// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(queueName, guid string, offset time.Duration) queue.Message {
	return queue.Message{
		Queue:       queueName,
		GUID:        guid,
		ContentType: "text/plain",
		Body:        []byte("body of " + guid),
		CreatedAt:   base.Add(offset),
	}
}

func guids(ms []queue.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.GUID)
	}
	return out
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "alpha", "nope")
		require.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("PutIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, inserted, err := s.PutIfAbsent(ctx, msg("alpha", "one", 0))
		require.NoError(t, err)
		require.True(t, inserted)

		got, err := s.Get(ctx, "alpha", "one")
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Queue)
		assert.Equal(t, "one", got.GUID)
		assert.Equal(t, "text/plain", got.ContentType)
		assert.Equal(t, []byte("body of one"), got.Body)
		assert.True(t, got.CreatedAt.Equal(base), "created_at %v", got.CreatedAt)
		assert.Nil(t, got.DeletedAt)

		dup := msg("alpha", "one", time.Minute)
		dup.Body = []byte("other")
		existing, inserted, err := s.PutIfAbsent(ctx, dup)
		require.NoError(t, err)
		require.False(t, inserted)
		assert.Equal(t, []byte("body of one"), existing.Body)

		got, err = s.Get(ctx, "alpha", "one")
		require.NoError(t, err)
		assert.Equal(t, []byte("body of one"), got.Body, "existing record must not be overwritten")
	})

	t.Run("SameGUIDInDifferentQueues", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, q := range []string{"alpha", "beta"} {
			_, inserted, err := s.PutIfAbsent(ctx, msg(q, "shared", 0))
			require.NoError(t, err)
			require.True(t, inserted, "queue %s", q)
		}
		_, err := s.Get(ctx, "gamma", "shared")
		require.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("MarkDeleted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.MarkDeleted(ctx, "alpha", "missing", base)
		require.ErrorIs(t, err, queue.ErrNotFound)

		_, _, err = s.PutIfAbsent(ctx, msg("alpha", "one", 0))
		require.NoError(t, err)

		at := base.Add(time.Hour)
		m, swapped, err := s.MarkDeleted(ctx, "alpha", "one", at)
		require.NoError(t, err)
		require.True(t, swapped)
		require.NotNil(t, m.DeletedAt)
		assert.True(t, m.DeletedAt.Equal(at))

		m, swapped, err = s.MarkDeleted(ctx, "alpha", "one", at.Add(time.Hour))
		require.NoError(t, err)
		require.False(t, swapped)
		require.NotNil(t, m.DeletedAt)
		assert.True(t, m.DeletedAt.Equal(at), "first deletion time must be kept")

		existing, inserted, err := s.PutIfAbsent(ctx, msg("alpha", "one", 2*time.Hour))
		require.NoError(t, err)
		require.False(t, inserted)
		assert.True(t, existing.Deleted())
	})

	t.Run("ListActive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// Inserted out of creation order on purpose.
		for _, m := range []queue.Message{
			msg("alpha", "c", 3*time.Second),
			msg("alpha", "a", 1*time.Second),
			msg("alpha", "d", 4*time.Second),
			msg("alpha", "b", 2*time.Second),
			msg("beta", "x", 0),
		} {
			_, _, err := s.PutIfAbsent(ctx, m)
			require.NoError(t, err)
		}
		_, _, err := s.MarkDeleted(ctx, "alpha", "b", base.Add(time.Minute))
		require.NoError(t, err)

		got, err := s.ListActive(ctx, "alpha", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c", "d"}, guids(got))
		for _, m := range got {
			assert.Nil(t, m.DeletedAt)
		}

		got, err = s.ListActive(ctx, "alpha", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, guids(got))

		got, err = s.ListActive(ctx, "empty", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ListActiveTiesKeepInsertionOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, g := range []string{"zulu", "alpha", "mike"} {
			_, _, err := s.PutIfAbsent(ctx, msg("q", g, 0))
			require.NoError(t, err)
		}
		got, err := s.ListActive(ctx, "q", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"zulu", "alpha", "mike"}, guids(got))
	})

	t.Run("ListAll", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, g := range []string{"a", "b", "c"} {
			_, _, err := s.PutIfAbsent(ctx, msg("alpha", g, time.Duration(i)*time.Second))
			require.NoError(t, err)
		}
		_, _, err := s.PutIfAbsent(ctx, msg("beta", "z", 0))
		require.NoError(t, err)
		_, _, err = s.MarkDeleted(ctx, "alpha", "a", base.Add(time.Minute))
		require.NoError(t, err)

		got, err := s.ListAll(ctx, "alpha", 100)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, guids(got))
		assert.True(t, got[0].Deleted())
		assert.False(t, got[1].Deleted())

		got, err = s.ListAll(ctx, "alpha", 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("PurgeDeleted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := base.Add(30 * 24 * time.Hour)
		cutoff := now.Add(-7 * 24 * time.Hour)

		for _, m := range []queue.Message{
			msg("alpha", "oldenough", 0),
			msg("alpha", "tooyoung", time.Second),
			msg("alpha", "notdeleted", 2*time.Second),
			msg("alpha", "atcutoff", 3*time.Second),
			msg("beta", "wrongqueue", 0),
		} {
			_, _, err := s.PutIfAbsent(ctx, m)
			require.NoError(t, err)
		}
		for guid, at := range map[string]time.Time{
			"oldenough": now.Add(-(7*24 + 2) * time.Hour),
			"tooyoung":  now.Add(-2 * 24 * time.Hour),
			"atcutoff":  cutoff,
		} {
			_, _, err := s.MarkDeleted(ctx, "alpha", guid, at)
			require.NoError(t, err)
		}
		_, _, err := s.MarkDeleted(ctx, "beta", "wrongqueue", now.Add(-30*24*time.Hour))
		require.NoError(t, err)

		n, err := s.PurgeDeleted(ctx, "alpha", cutoff)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "alpha", "oldenough")
		assert.ErrorIs(t, err, queue.ErrNotFound)
		for _, g := range []string{"tooyoung", "notdeleted", "atcutoff"} {
			_, err = s.Get(ctx, "alpha", g)
			assert.NoError(t, err, g)
		}
		_, err = s.Get(ctx, "beta", "wrongqueue")
		assert.NoError(t, err)

		n, err = s.PurgeDeleted(ctx, "alpha", cutoff)
		require.NoError(t, err)
		assert.Zero(t, n, "second purge must be a no-op")

		// A purged identifier may be created afresh.
		_, inserted, err := s.PutIfAbsent(ctx, msg("alpha", "oldenough", time.Hour))
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("Queues", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, q := range []string{"beta", "alpha", "beta"} {
			_, _, err := s.PutIfAbsent(ctx, msg(q, fmt.Sprintf("m-%d", i), 0))
			require.NoError(t, err)
		}
		got, err := s.Queues(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, got)
	})

	t.Run("ConcurrentPutIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const workers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
			errs    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, inserted, err := s.PutIfAbsent(ctx, msg("race", "same", 0))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
				}
				if inserted {
					winners++
				}
			}()
		}
		wg.Wait()
		require.Empty(t, errs)
		assert.Equal(t, 1, winners)
	})

	t.Run("ConcurrentMarkDeleted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, _, err := s.PutIfAbsent(ctx, msg("race", "ack", 0))
		require.NoError(t, err)

		const workers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			swapped int
			errs    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.MarkDeleted(ctx, "race", "ack", base.Add(time.Hour))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
				}
				if ok {
					swapped++
				}
			}()
		}
		wg.Wait()
		require.Empty(t, errs)
		assert.Equal(t, 1, swapped)
	})
}
