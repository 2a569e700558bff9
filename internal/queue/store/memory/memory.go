// Package memory is a process-local Store used for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store"
)

// Ensure *MemoryStore implements store.Store at compile time.
var _ store.Store = (*MemoryStore)(nil)

type record struct {
	msg queue.Message
	seq uint64
}

type key struct {
	queue string
	guid  string
}

type MemoryStore struct {
	mu      sync.RWMutex
	seq     uint64
	records map[key]*record
}

func New() *MemoryStore {
	return &MemoryStore{records: make(map[key]*record)}
}

func (s *MemoryStore) Get(ctx context.Context, queueName, guid string) (queue.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key{queueName, guid}]
	if !ok {
		return queue.Message{}, queue.ErrNotFound
	}
	return clone(r.msg), nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, m queue.Message) (queue.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{m.Queue, m.GUID}
	if r, ok := s.records[k]; ok {
		return clone(r.msg), false, nil
	}
	s.seq++
	s.records[k] = &record{msg: clone(m), seq: s.seq}
	return queue.Message{}, true, nil
}

func (s *MemoryStore) MarkDeleted(ctx context.Context, queueName, guid string, at time.Time) (queue.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key{queueName, guid}]
	if !ok {
		return queue.Message{}, false, queue.ErrNotFound
	}
	if r.msg.DeletedAt != nil {
		return clone(r.msg), false, nil
	}
	r.msg.DeletedAt = &at
	return clone(r.msg), true, nil
}

func (s *MemoryStore) ListActive(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	return s.list(queueName, limit, func(m *queue.Message) bool { return m.DeletedAt == nil }), nil
}

func (s *MemoryStore) ListAll(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	return s.list(queueName, limit, func(*queue.Message) bool { return true }), nil
}

func (s *MemoryStore) PurgeDeleted(ctx context.Context, queueName string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.records {
		if k.queue != queueName || r.msg.DeletedAt == nil {
			continue
		}
		if r.msg.DeletedAt.Before(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Queues(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for k := range s.records {
		if _, ok := seen[k.queue]; ok {
			continue
		}
		seen[k.queue] = struct{}{}
		out = append(out, k.queue)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) list(queueName string, limit int, keep func(*queue.Message) bool) []queue.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var picked []*record
	for k, r := range s.records {
		if k.queue == queueName && keep(&r.msg) {
			picked = append(picked, r)
		}
	}
	sort.Slice(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}

	out := make([]queue.Message, 0, len(picked))
	for _, r := range picked {
		out = append(out, clone(r.msg))
	}
	return out
}

// clone detaches the body and timestamp pointer so callers cannot mutate
// stored state.
func clone(m queue.Message) queue.Message {
	if m.Body != nil {
		m.Body = append([]byte(nil), m.Body...)
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		m.DeletedAt = &t
	}
	return m
}
