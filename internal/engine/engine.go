// Package engine implements the FMTP message and queue operations on top of a
// store.Store. Engines hold no message state of their own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aridsondez/fmtp/internal/metrics"
	"github.com/aridsondez/fmtp/internal/queue"
	"github.com/aridsondez/fmtp/internal/queue/store"
)

const (
	DefaultListLimit        = 10
	DefaultAdminLimit       = 1000
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultMinRetryInterval = 500 * time.Millisecond
	DefaultMaxRetryInterval = 60 * time.Second
)

// Op names the operation an access hook is asked about.
type Op string

const (
	OpList        Op = "list"
	OpFetch       Op = "fetch"
	OpCreate      Op = "create"
	OpAcknowledge Op = "acknowledge"
	OpInspect     Op = "inspect"
	OpCollect     Op = "collect"
)

// AccessRequest describes one operation for the access hook. Message is the
// stored record when the operation targets one that exists.
type AccessRequest struct {
	Op      Op
	Queue   string
	GUID    string
	Message *queue.Message
}

// AccessFunc vetoes an operation by returning a non-nil error.
type AccessFunc func(ctx context.Context, req AccessRequest) error

// EventFunc observes a completed state change.
type EventFunc func(ctx context.Context, m queue.Message) error

type Hooks struct {
	Access    AccessFunc
	OnCreated EventFunc
	OnDeleted EventFunc
}

type Options struct {
	ListLimit        int
	AdminLimit       int
	Retention        time.Duration
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration

	// Admit reports whether messages may be created in a queue. Nil admits all.
	Admit func(queueName string) bool

	Hooks  Hooks
	Clock  func() time.Time
	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ListLimit <= 0 {
		o.ListLimit = DefaultListLimit
	}
	if o.AdminLimit <= 0 {
		o.AdminLimit = DefaultAdminLimit
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.MinRetryInterval <= 0 {
		o.MinRetryInterval = DefaultMinRetryInterval
	}
	if o.MaxRetryInterval <= 0 {
		o.MaxRetryInterval = DefaultMaxRetryInterval
	}
	if o.Admit == nil {
		o.Admit = func(string) bool { return true }
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type core struct {
	store store.Store
	opts  Options
	log   zerolog.Logger
}

func newCore(s store.Store, opts Options, component string) core {
	opts = opts.withDefaults()
	return core{
		store: s,
		opts:  opts,
		log:   opts.Logger.With().Str("component", component).Logger(),
	}
}

// now is truncated to microseconds, the finest precision every backend keeps.
func (c core) now() time.Time {
	return c.opts.Clock().UTC().Truncate(time.Microsecond)
}

func (c core) authorize(ctx context.Context, req AccessRequest) error {
	if c.opts.Hooks.Access == nil {
		return nil
	}
	err := c.opts.Hooks.Access(ctx, req)
	if err == nil {
		return nil
	}
	metrics.AccessDenied.WithLabelValues(string(req.Op)).Inc()
	c.log.Debug().Err(err).
		Str("op", string(req.Op)).
		Str("queue", req.Queue).
		Str("guid", req.GUID).
		Msg("access denied")
	if errors.Is(err, queue.ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("%w: %v", queue.ErrUnauthorized, err)
}

// lookup returns the stored record, or nil when there is none.
func (c core) lookup(ctx context.Context, queueName, guid string) (*queue.Message, error) {
	m, err := c.store.Get(ctx, queueName, guid)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", queueName, guid, err)
	}
	return &m, nil
}

func (c core) notify(ctx context.Context, fn EventFunc, event string, m queue.Message) {
	if fn == nil {
		return
	}
	if err := fn(ctx, m); err != nil {
		c.log.Warn().Err(err).
			Str("event", event).
			Str("queue", m.Queue).
			Str("guid", m.GUID).
			Msg("event hook failed")
	}
}
