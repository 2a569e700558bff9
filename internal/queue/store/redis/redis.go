// Package redisstore keeps FMTP messages in Redis.
//
// Layout per queue Q (P is the configured key prefix):
//
//	P:queue:Q:records  HASH  guid -> JSON record
//	P:queue:Q:active   ZSET  "<seq>:<guid>" scored by creation time
//	P:queue:Q:deleted  ZSET  guid scored by deletion time
//	P:queues           SET   queue names holding records
//	P:seq              STRING insertion counter
//
// Check-then-act steps run as Lua scripts so they are atomic on the server.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store"
)

var _ store.Store = (*RedisStore)(nil)

const DefaultPrefix = "fmtp"

var putScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  return existing
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[5])
return false
`)

// swapScript replaces the record only if it still equals ARGV[2].
var swapScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
return 1
`)

var purgeScript = redis.NewScript(`
local guids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, g in ipairs(guids) do
  redis.call('HDEL', KEYS[2], g)
  redis.call('ZREM', KEYS[1], g)
end
if redis.call('HLEN', KEYS[2]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[2])
end
return #guids
`)

type record struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	CreatedAt   int64  `json:"created_at"` // unix microseconds
	DeletedAt   int64  `json:"deleted_at,omitempty"`
	Seq         int64  `json:"seq"`
}

type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, queueName, guid string) (queue.Message, error) {
	m, _, _, err := s.get(ctx, queueName, guid)
	return m, err
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, m queue.Message) (queue.Message, bool, error) {
	seq, err := s.rdb.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return queue.Message{}, false, fmt.Errorf("next seq: %w", err)
	}
	rec := record{
		ContentType: m.ContentType,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt.UnixMicro(),
		Seq:         seq,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return queue.Message{}, false, err
	}

	existing, err := putScript.Run(ctx, s.rdb,
		[]string{s.queueKey(m.Queue, "records"), s.queueKey(m.Queue, "active"), s.key("queues")},
		m.GUID, raw, rec.CreatedAt, activeMember(seq, m.GUID), m.Queue,
	).Text()
	if errors.Is(err, redis.Nil) {
		return queue.Message{}, true, nil
	}
	if err != nil {
		return queue.Message{}, false, fmt.Errorf("put %s/%s: %w", m.Queue, m.GUID, err)
	}

	var prev record
	if err := json.Unmarshal([]byte(existing), &prev); err != nil {
		return queue.Message{}, false, fmt.Errorf("decode %s/%s: %w", m.Queue, m.GUID, err)
	}
	return prev.message(m.Queue, m.GUID), false, nil
}

func (s *RedisStore) MarkDeleted(ctx context.Context, queueName, guid string, at time.Time) (queue.Message, bool, error) {
	for {
		m, rec, raw, err := s.get(ctx, queueName, guid)
		if err != nil {
			return queue.Message{}, false, err
		}
		if m.Deleted() {
			return m, false, nil
		}

		rec.DeletedAt = at.UnixMicro()
		updated, err := json.Marshal(rec)
		if err != nil {
			return queue.Message{}, false, err
		}

		swapped, err := swapScript.Run(ctx, s.rdb,
			[]string{s.queueKey(queueName, "records"), s.queueKey(queueName, "active"), s.queueKey(queueName, "deleted")},
			guid, raw, updated, activeMember(rec.Seq, guid), rec.DeletedAt,
		).Int()
		if err != nil {
			return queue.Message{}, false, fmt.Errorf("mark deleted %s/%s: %w", queueName, guid, err)
		}
		if swapped == 1 {
			return rec.message(queueName, guid), true, nil
		}
		// Lost a race; re-read and decide again.
		if err := ctx.Err(); err != nil {
			return queue.Message{}, false, err
		}
	}
}

func (s *RedisStore) ListActive(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	members, err := s.rdb.ZRange(ctx, s.queueKey(queueName, "active"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	guids := make([]string, 0, len(members))
	for _, member := range members {
		_, guid, _ := strings.Cut(member, ":")
		guids = append(guids, guid)
	}
	vals, err := s.rdb.HMGet(ctx, s.queueKey(queueName, "records"), guids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]queue.Message, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // purged between the two reads
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", queueName, guids[i], err)
		}
		if rec.DeletedAt != 0 {
			continue
		}
		m := rec.message(queueName, guids[i])
		m.Body = nil
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) ListAll(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	all, err := s.rdb.HGetAll(ctx, s.queueKey(queueName, "records")).Result()
	if err != nil {
		return nil, err
	}

	type entry struct {
		seq int64
		msg queue.Message
	}
	entries := make([]entry, 0, len(all))
	for guid, raw := range all {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", queueName, guid, err)
		}
		m := rec.message(queueName, guid)
		m.Body = nil
		entries = append(entries, entry{seq: rec.Seq, msg: m})
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

func (s *RedisStore) PurgeDeleted(ctx context.Context, queueName string, before time.Time) (int, error) {
	n, err := purgeScript.Run(ctx, s.rdb,
		[]string{s.queueKey(queueName, "deleted"), s.queueKey(queueName, "records"), s.key("queues")},
		before.UnixMicro(), queueName,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", queueName, err)
	}
	return n, nil
}

func (s *RedisStore) Queues(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.key("queues")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) get(ctx context.Context, queueName, guid string) (queue.Message, record, string, error) {
	raw, err := s.rdb.HGet(ctx, s.queueKey(queueName, "records"), guid).Result()
	if errors.Is(err, redis.Nil) {
		return queue.Message{}, record{}, "", queue.ErrNotFound
	}
	if err != nil {
		return queue.Message{}, record{}, "", err
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return queue.Message{}, record{}, "", fmt.Errorf("decode %s/%s: %w", queueName, guid, err)
	}
	return rec.message(queueName, guid), rec, raw, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *RedisStore) queueKey(queueName, kind string) string {
	return s.prefix + ":queue:" + queueName + ":" + kind
}

// activeMember orders ties on creation time by insertion sequence.
func activeMember(seq int64, guid string) string {
	return fmt.Sprintf("%020d:%s", seq, guid)
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
