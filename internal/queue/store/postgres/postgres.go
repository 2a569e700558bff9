package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// SQL templates
const (
	sqlSchema = `
CREATE TABLE IF NOT EXISTS messages (
  id           BIGSERIAL PRIMARY KEY,
  queue        TEXT        NOT NULL,
  guid         TEXT        NOT NULL,
  content_type TEXT        NOT NULL DEFAULT '',
  body         BYTEA       NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL,
  deleted_at   TIMESTAMPTZ,
  UNIQUE (queue, guid)
);
CREATE INDEX IF NOT EXISTS messages_active_idx
  ON messages (queue, created_at, id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS messages_deleted_idx
  ON messages (queue, deleted_at) WHERE deleted_at IS NOT NULL;`

	sqlGet = `
SELECT queue, guid, content_type, body, created_at, deleted_at
FROM messages
WHERE queue = $1 AND guid = $2;`

	// ON CONFLICT keeps the existence check and the insert in one statement.
	sqlInsert = `
INSERT INTO messages (queue, guid, content_type, body, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (queue, guid) DO NOTHING;`

	sqlMarkDeleted = `
UPDATE messages
SET deleted_at = $3
WHERE queue = $1 AND guid = $2 AND deleted_at IS NULL
RETURNING queue, guid, content_type, body, created_at, deleted_at;`

	sqlListActive = `
SELECT queue, guid, content_type, created_at, deleted_at
FROM messages
WHERE queue = $1 AND deleted_at IS NULL
ORDER BY created_at, id
LIMIT $2;`

	sqlListAll = `
SELECT queue, guid, content_type, created_at, deleted_at
FROM messages
WHERE queue = $1
ORDER BY created_at, id
LIMIT $2;`

	sqlPurge = `
DELETE FROM messages
WHERE queue = $1
  AND deleted_at IS NOT NULL
  AND deleted_at < $2;`

	sqlQueues = `SELECT DISTINCT queue FROM messages ORDER BY queue;`
)

// Migrate creates the messages table and its indexes when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, queueName, guid string) (queue.Message, error) {
	m, err := scanFull(p.pool.QueryRow(ctx, sqlGet, queueName, guid))
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Message{}, queue.ErrNotFound
	}
	return m, err
}

func (p *PostgresStore) PutIfAbsent(ctx context.Context, m queue.Message) (queue.Message, bool, error) {
	body := m.Body
	if body == nil {
		body = []byte{} // nil would encode as NULL
	}

	// A conflicting row may be purged between the insert and the read-back;
	// the insert is retried in that case.
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := p.pool.Exec(ctx, sqlInsert,
			m.Queue,
			m.GUID,
			m.ContentType,
			body,
			m.CreatedAt,
		)
		if err != nil {
			return queue.Message{}, false, fmt.Errorf("insert message: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return queue.Message{}, true, nil
		}

		existing, err := p.Get(ctx, m.Queue, m.GUID)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return queue.Message{}, false, err
		}
		return existing, false, nil
	}
	return queue.Message{}, false, fmt.Errorf("insert message %s/%s: lost race with garbage collection", m.Queue, m.GUID)
}

func (p *PostgresStore) MarkDeleted(ctx context.Context, queueName, guid string, at time.Time) (queue.Message, bool, error) {
	m, err := scanFull(p.pool.QueryRow(ctx, sqlMarkDeleted, queueName, guid, at))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return queue.Message{}, false, fmt.Errorf("mark deleted: %w", err)
	}

	// Nothing updated: either missing or already deleted.
	existing, err := p.Get(ctx, queueName, guid)
	if err != nil {
		return queue.Message{}, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) ListActive(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	return p.list(ctx, sqlListActive, queueName, limit)
}

func (p *PostgresStore) ListAll(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	return p.list(ctx, sqlListAll, queueName, limit)
}

func (p *PostgresStore) PurgeDeleted(ctx context.Context, queueName string, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, sqlPurge, queueName, before)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", queueName, err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Queues(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, sqlQueues)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *PostgresStore) list(ctx context.Context, sql, queueName string, limit int) ([]queue.Message, error) {
	rows, err := p.pool.Query(ctx, sql, queueName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Message
	for rows.Next() {
		var m queue.Message
		// NOTE: column order must match the SELECT list.
		err = rows.Scan(
			&m.Queue,
			&m.GUID,
			&m.ContentType,
			&m.CreatedAt,
			&m.DeletedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanFull(row pgx.Row) (queue.Message, error) {
	var m queue.Message
	err := row.Scan(
		&m.Queue,
		&m.GUID,
		&m.ContentType,
		&m.Body,
		&m.CreatedAt,
		&m.DeletedAt,
	)
	return m, err
}
