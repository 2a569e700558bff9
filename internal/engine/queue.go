package engine

import (
	"context"
	"fmt"

	"github.com/aridsondez/fmtp/internal/metrics"
	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store"
)

// QueueEngine answers queue-wide questions: listings, administrative
// summaries and garbage collection.
type QueueEngine struct {
	core
}

func NewQueueEngine(s store.Store, opts Options) *QueueEngine {
	return &QueueEngine{core: newCore(s, opts, "queue_engine")}
}

// List returns the oldest active messages of a queue with polling guidance.
func (e *QueueEngine) List(ctx context.Context, queueName string) (queue.Listing, error) {
	if err := e.authorize(ctx, AccessRequest{Op: OpList, Queue: queueName}); err != nil {
		return queue.Listing{}, err
	}

	active, err := e.store.ListActive(ctx, queueName, e.opts.ListLimit)
	if err != nil {
		return queue.Listing{}, fmt.Errorf("list %s: %w", queueName, err)
	}

	listing := queue.Listing{
		MinRetryInterval: e.opts.MinRetryInterval,
		MaxRetryInterval: e.opts.MaxRetryInterval,
		Messages:         make([]queue.Summary, 0, len(active)),
	}
	for _, m := range active {
		listing.Messages = append(listing.Messages, queue.Summary{GUID: m.GUID, CreatedAt: m.CreatedAt})
	}
	return listing, nil
}

// Summary lists every stored message of a queue, deleted ones included,
// without bodies.
func (e *QueueEngine) Summary(ctx context.Context, queueName string) ([]queue.Message, error) {
	if err := e.authorize(ctx, AccessRequest{Op: OpInspect, Queue: queueName}); err != nil {
		return nil, err
	}
	all, err := e.store.ListAll(ctx, queueName, e.opts.AdminLimit)
	if err != nil {
		return nil, fmt.Errorf("summary %s: %w", queueName, err)
	}
	if all == nil {
		all = []queue.Message{}
	}
	return all, nil
}

// CollectGarbage purges deleted messages older than the retention period and
// returns how many were removed.
func (e *QueueEngine) CollectGarbage(ctx context.Context, queueName string) (int, error) {
	if err := e.authorize(ctx, AccessRequest{Op: OpCollect, Queue: queueName}); err != nil {
		return 0, err
	}
	return e.Purge(ctx, queueName)
}

// Purge is CollectGarbage without the access check.
func (e *QueueEngine) Purge(ctx context.Context, queueName string) (int, error) {
	cutoff := e.now().Add(-e.opts.Retention)
	n, err := e.store.PurgeDeleted(ctx, queueName, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", queueName, err)
	}
	if n > 0 {
		metrics.MessagesPurged.WithLabelValues(queueName).Add(float64(n))
		e.log.Info().Str("queue", queueName).Int("purged", n).Time("cutoff", cutoff).Msg("garbage collected")
	}
	return n, nil
}

// Queues names every queue that holds at least one record.
func (e *QueueEngine) Queues(ctx context.Context) ([]string, error) {
	names, err := e.store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("queues: %w", err)
	}
	return names, nil
}
