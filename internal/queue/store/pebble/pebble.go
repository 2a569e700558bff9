// Package pebblestore keeps FMTP messages in an embedded Pebble database.
//
// Key layout (q is the uvarint-length-prefixed queue name):
//
//	'r' q guid                  -> JSON record
//	'a' q created(8) seq(8)     -> guid        (pending messages, creation order)
//	'd' q deleted(8) guid       -> empty       (deleted messages, deletion order)
//	'n' queue                   -> count(8)    (records per queue)
//	's'                         -> seq(8)
//
// Pebble has no conditional writes, so every read-modify-write runs under the
// store mutex and commits as a single batch.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store"
)

var _ store.Store = (*PebbleStore)(nil)

const (
	prefixRecord  = 'r'
	prefixActive  = 'a'
	prefixDeleted = 'd'
	prefixCount   = 'n'
)

var seqKey = []byte{'s'}

// Options configures the Pebble store.
type Options struct {
	// Dir is the path to the Pebble database directory.
	Dir string
	// Sync forces a WAL fsync on every committed batch.
	Sync bool
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

type record struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	CreatedAt   int64  `json:"created_at"` // unix microseconds
	DeletedAt   int64  `json:"deleted_at,omitempty"`
	Seq         uint64 `json:"seq"`
}

type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu  sync.Mutex // serializes read-modify-write
	seq uint64
}

// Open creates or opens the database at opts.Dir.
func Open(opts Options) (*PebbleStore, error) {
	if opts.Dir == "" {
		return nil, errors.New("pebble: Options.Dir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", opts.Dir, err)
	}

	s := &PebbleStore{db: db, writeOpts: pebble.NoSync}
	if opts.Sync {
		s.writeOpts = pebble.Sync
	}

	raw, err := s.read(seqKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, err
	default:
		s.seq = binary.BigEndian.Uint64(raw)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) Get(ctx context.Context, queueName, guid string) (queue.Message, error) {
	m, _, err := s.get(queueName, guid)
	return m, err
}

func (s *PebbleStore) PutIfAbsent(ctx context.Context, m queue.Message) (queue.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, _, err := s.get(m.Queue, m.GUID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, queue.ErrNotFound) {
		return queue.Message{}, false, err
	}

	s.seq++
	rec := record{
		ContentType: m.ContentType,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt.UnixMicro(),
		Seq:         s.seq,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return queue.Message{}, false, err
	}
	count, err := s.count(m.Queue)
	if err != nil {
		return queue.Message{}, false, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(recordKey(m.Queue, m.GUID), raw, nil)
	_ = b.Set(activeKey(m.Queue, rec.CreatedAt, rec.Seq), []byte(m.GUID), nil)
	_ = b.Set(countKey(m.Queue), u64(count+1), nil)
	_ = b.Set(seqKey, u64(s.seq), nil)
	if err := b.Commit(s.writeOpts); err != nil {
		return queue.Message{}, false, fmt.Errorf("commit put %s/%s: %w", m.Queue, m.GUID, err)
	}
	return queue.Message{}, true, nil
}

func (s *PebbleStore) MarkDeleted(ctx context.Context, queueName, guid string, at time.Time) (queue.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, rec, err := s.get(queueName, guid)
	if err != nil {
		return queue.Message{}, false, err
	}
	if m.Deleted() {
		return m, false, nil
	}

	rec.DeletedAt = at.UnixMicro()
	raw, err := json.Marshal(rec)
	if err != nil {
		return queue.Message{}, false, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(recordKey(queueName, guid), raw, nil)
	_ = b.Delete(activeKey(queueName, rec.CreatedAt, rec.Seq), nil)
	_ = b.Set(deletedKey(queueName, rec.DeletedAt, guid), nil, nil)
	if err := b.Commit(s.writeOpts); err != nil {
		return queue.Message{}, false, fmt.Errorf("commit delete %s/%s: %w", queueName, guid, err)
	}
	return rec.message(queueName, guid), true, nil
}

func (s *PebbleStore) ListActive(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	prefix := queuePrefix(prefixActive, queueName)
	var out []queue.Message
	err := s.scan(prefix, func(_, value []byte) (bool, error) {
		m, _, err := s.get(queueName, string(value))
		if errors.Is(err, queue.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if m.Deleted() {
			return true, nil
		}
		m.Body = nil
		out = append(out, m)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

func (s *PebbleStore) ListAll(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	type entry struct {
		seq uint64
		msg queue.Message
	}
	prefix := queuePrefix(prefixRecord, queueName)
	var entries []entry
	err := s.scan(prefix, func(key, value []byte) (bool, error) {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			return false, err
		}
		m := rec.message(queueName, string(key[len(prefix):]))
		m.Body = nil
		entries = append(entries, entry{seq: rec.Seq, msg: m})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]queue.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.msg)
	}
	return out, nil
}

func (s *PebbleStore) PurgeDeleted(ctx context.Context, queueName string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := queuePrefix(prefixDeleted, queueName)
	cutoff := before.UnixMicro()

	b := s.db.NewBatch()
	defer b.Close()

	n := 0
	err := s.scan(prefix, func(key, _ []byte) (bool, error) {
		rest := key[len(prefix):]
		if int64(binary.BigEndian.Uint64(rest[:8])) >= cutoff {
			return false, nil // index is ordered by deletion time
		}
		guid := string(rest[8:])
		_ = b.Delete(recordKey(queueName, guid), nil)
		_ = b.Delete(append([]byte(nil), key...), nil)
		n++
		return true, nil
	})
	if err != nil || n == 0 {
		return 0, err
	}

	count, err := s.count(queueName)
	if err != nil {
		return 0, err
	}
	if remaining := count - uint64(n); remaining > 0 {
		_ = b.Set(countKey(queueName), u64(remaining), nil)
	} else {
		_ = b.Delete(countKey(queueName), nil)
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return 0, fmt.Errorf("commit purge %s: %w", queueName, err)
	}
	return n, nil
}

func (s *PebbleStore) Queues(ctx context.Context) ([]string, error) {
	var out []string
	err := s.scan([]byte{prefixCount}, func(key, _ []byte) (bool, error) {
		out = append(out, string(key[1:]))
		return true, nil
	})
	return out, err
}

func (s *PebbleStore) get(queueName, guid string) (queue.Message, record, error) {
	raw, err := s.read(recordKey(queueName, guid))
	if errors.Is(err, pebble.ErrNotFound) {
		return queue.Message{}, record{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.Message{}, record{}, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return queue.Message{}, record{}, fmt.Errorf("decode %s/%s: %w", queueName, guid, err)
	}
	return rec.message(queueName, guid), rec, nil
}

func (s *PebbleStore) count(queueName string) (uint64, error) {
	raw, err := s.read(countKey(queueName))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// read copies the value for key.
func (s *PebbleStore) read(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// scan visits keys under prefix in order until fn returns false.
func (s *PebbleStore) scan(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func queuePrefix(kind byte, queueName string) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(queueName))
	buf = append(buf, kind)
	buf = binary.AppendUvarint(buf, uint64(len(queueName)))
	return append(buf, queueName...)
}

func recordKey(queueName, guid string) []byte {
	return append(queuePrefix(prefixRecord, queueName), guid...)
}

func activeKey(queueName string, created int64, seq uint64) []byte {
	k := queuePrefix(prefixActive, queueName)
	k = binary.BigEndian.AppendUint64(k, uint64(created))
	return binary.BigEndian.AppendUint64(k, seq)
}

func deletedKey(queueName string, deleted int64, guid string) []byte {
	k := queuePrefix(prefixDeleted, queueName)
	k = binary.BigEndian.AppendUint64(k, uint64(deleted))
	return append(k, guid...)
}

func countKey(queueName string) []byte {
	return append([]byte{prefixCount}, queueName...)
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (r record) message(queueName, guid string) queue.Message {
	m := queue.Message{
		Queue:       queueName,
		GUID:        guid,
		ContentType: r.ContentType,
		Body:        r.Body,
		CreatedAt:   time.UnixMicro(r.CreatedAt).UTC(),
	}
	if r.DeletedAt != 0 {
		t := time.UnixMicro(r.DeletedAt).UTC()
		m.DeletedAt = &t
	}
	return m
}
