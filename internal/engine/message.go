package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aridsondez/fmtp/internal/metrics"
	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store"
)

// MessageEngine creates, fetches and acknowledges individual messages.
type MessageEngine struct {
	core
}

func NewMessageEngine(s store.Store, opts Options) *MessageEngine {
	return &MessageEngine{core: newCore(s, opts, "message_engine")}
}

// Create stores a new message. An identifier that was ever used in the queue
// yields ErrConflict while the message is active and ErrGone once deleted.
func (e *MessageEngine) Create(ctx context.Context, queueName, guid, contentType string, body []byte) error {
	existing, err := e.lookup(ctx, queueName, guid)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, AccessRequest{Op: OpCreate, Queue: queueName, GUID: guid, Message: existing}); err != nil {
		return err
	}
	if !queue.ValidGUID(guid) {
		return queue.ErrInvalidIdentifier
	}
	if !e.opts.Admit(queueName) {
		return queue.ErrQueueNotAllowed
	}

	if body == nil {
		body = []byte{}
	}
	m := queue.Message{
		Queue:       queueName,
		GUID:        guid,
		ContentType: contentType,
		Body:        body,
		CreatedAt:   e.now(),
	}
	prev, inserted, err := e.store.PutIfAbsent(ctx, m)
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", queueName, guid, err)
	}
	if !inserted {
		if prev.Deleted() {
			return queue.ErrGone
		}
		return queue.ErrConflict
	}

	metrics.MessagesCreated.WithLabelValues(queueName).Inc()
	e.log.Debug().Str("queue", queueName).Str("guid", guid).Int("bytes", len(body)).Msg("message created")
	e.notify(ctx, e.opts.Hooks.OnCreated, "created", m)
	return nil
}

// Fetch returns an active message including its body.
func (e *MessageEngine) Fetch(ctx context.Context, queueName, guid string) (queue.Message, error) {
	existing, err := e.lookup(ctx, queueName, guid)
	if err != nil {
		return queue.Message{}, err
	}
	if err := e.authorize(ctx, AccessRequest{Op: OpFetch, Queue: queueName, GUID: guid, Message: existing}); err != nil {
		return queue.Message{}, err
	}
	if existing == nil {
		return queue.Message{}, queue.ErrNotFound
	}
	if existing.Deleted() {
		return queue.Message{}, queue.ErrGone
	}

	metrics.MessagesFetched.WithLabelValues(queueName).Inc()
	return *existing, nil
}

// Acknowledge soft-deletes an active message. Only one of several concurrent
// acknowledgements succeeds; the others get ErrGone.
func (e *MessageEngine) Acknowledge(ctx context.Context, queueName, guid string) error {
	existing, err := e.lookup(ctx, queueName, guid)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, AccessRequest{Op: OpAcknowledge, Queue: queueName, GUID: guid, Message: existing}); err != nil {
		return err
	}
	if existing == nil {
		return queue.ErrNotFound
	}
	if existing.Deleted() {
		return queue.ErrGone
	}

	m, swapped, err := e.store.MarkDeleted(ctx, queueName, guid, e.now())
	if errors.Is(err, queue.ErrNotFound) {
		return queue.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("acknowledge %s/%s: %w", queueName, guid, err)
	}
	if !swapped {
		return queue.ErrGone
	}

	metrics.MessagesAcked.WithLabelValues(queueName).Inc()
	e.log.Debug().Str("queue", queueName).Str("guid", guid).Msg("message acknowledged")
	e.notify(ctx, e.opts.Hooks.OnDeleted, "deleted", m)
	return nil
}
