package store

import (
	"context"
	"time"

	"github.com/aridsondez/fmtp/internal/queue"
)

// Store is the DB-agnostic interface the rest of the app uses.
//
// Implementations must make PutIfAbsent and MarkDeleted atomic per
// (queue, guid) key: exactly one concurrent caller may insert or delete.
type Store interface {
	// Get returns the record for the key, or queue.ErrNotFound.
	Get(ctx context.Context, queueName, guid string) (queue.Message, error)

	// PutIfAbsent inserts m unless a record with the same key exists, in which
	// case the existing record is returned with inserted == false.
	PutIfAbsent(ctx context.Context, m queue.Message) (existing queue.Message, inserted bool, err error)

	// MarkDeleted stamps DeletedAt on an active record and returns it. When the
	// record was already deleted it is returned unchanged with swapped == false.
	// Missing records yield queue.ErrNotFound.
	MarkDeleted(ctx context.Context, queueName, guid string, at time.Time) (m queue.Message, swapped bool, err error)

	// ListActive returns up to limit pending messages in creation order.
	// Bodies may be omitted.
	ListActive(ctx context.Context, queueName string, limit int) ([]queue.Message, error)

	// ListAll returns up to limit messages of the queue, deleted ones included.
	// Bodies may be omitted.
	ListAll(ctx context.Context, queueName string, limit int) ([]queue.Message, error)

	// PurgeDeleted hard-removes messages deleted strictly before the cutoff.
	PurgeDeleted(ctx context.Context, queueName string, before time.Time) (int, error)

	// Queues lists every queue name that currently holds records.
	Queues(ctx context.Context) ([]string, error)
}
