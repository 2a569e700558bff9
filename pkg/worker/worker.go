package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aridsondez/fmtp/pkg/client"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (message will be acked).
// Returning an error leaves the message on the queue for the next poll.
// Listings return the oldest messages first, so a page of messages that keep
// failing hides newer ones until they are handled or acknowledged elsewhere.
// While no message of a page succeeds the worker backs off like an idle queue.
type HandlerFunc func(ctx context.Context, msg *client.Message) error

// Worker polls FMTP queues and feeds their messages to handlers.
type Worker struct {
	server         *client.Server
	handlers       map[string]HandlerFunc
	handlerTimeout time.Duration
	minInterval    time.Duration
	maxInterval    time.Duration
	logger         zerolog.Logger
}

// Config for creating a new worker
type Config struct {
	BaseURL     string // FMTP server URL
	Credentials string // "user:password" or a bearer token
	// HandlerTimeout bounds a single handler call (default: 30s).
	HandlerTimeout time.Duration
	// Polling bounds used until the server sends its own (defaults: 500ms, 60s).
	MinInterval time.Duration
	MaxInterval time.Duration
	Logger      zerolog.Logger
	Options     []client.Option
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 60 * time.Second
	}

	return &Worker{
		server:         client.NewServer(cfg.BaseURL, cfg.Credentials, cfg.Options...),
		handlers:       make(map[string]HandlerFunc),
		handlerTimeout: cfg.HandlerTimeout,
		minInterval:    cfg.MinInterval,
		maxInterval:    cfg.MaxInterval,
		logger:         cfg.Logger.With().Str("component", "worker").Logger(),
	}
}

// Handle registers a handler function for a specific queue
func (w *Worker) Handle(queue string, handler HandlerFunc) {
	w.handlers[queue] = handler
	w.logger.Info().Str("queue", queue).Msg("registered handler")
}

// Run polls every registered queue and blocks until ctx is cancelled and all
// pollers have returned.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	w.logger.Info().Int("queues", len(w.handlers)).Msg("worker starting")

	var wg sync.WaitGroup
	for queue, handler := range w.handlers {
		wg.Add(1)
		go func(queue string, handler HandlerFunc) {
			defer wg.Done()
			w.pollQueue(ctx, queue, handler)
		}(queue, handler)
	}

	<-ctx.Done()
	wg.Wait()
	w.logger.Info().Msg("worker shut down")
	return nil
}

// pollQueue waits the minimum retry interval after a non-empty listing and
// doubles the wait up to the maximum while the queue stays empty.
func (w *Worker) pollQueue(ctx context.Context, queue string, handler HandlerFunc) {
	q := w.server.Queue(queue)
	minWait, maxWait := w.minInterval, w.maxInterval
	wait := time.Duration(0)

	w.logger.Debug().Str("queue", queue).Msg("started polling")

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Str("queue", queue).Msg("stopped polling")
			return
		case <-time.After(wait):
		}

		listing, err := q.List(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn().Err(err).Str("queue", queue).Msg("list failed")
			}
			wait = backoff(wait, minWait, maxWait)
			continue
		}
		if listing.MinRetryInterval > 0 {
			minWait = listing.MinRetryInterval
		}
		if listing.MaxRetryInterval >= minWait {
			maxWait = listing.MaxRetryInterval
		}

		if len(listing.Messages) == 0 {
			wait = backoff(wait, minWait, maxWait)
			continue
		}

		w.logger.Debug().Str("queue", queue).Int("messages", len(listing.Messages)).Msg("received listing")
		progressed := false
		for _, e := range listing.Messages {
			if ctx.Err() != nil {
				return
			}
			if w.processMessage(ctx, q, e.URL, handler) {
				progressed = true
			}
		}
		if progressed {
			wait = minWait
		} else {
			wait = backoff(wait, minWait, maxWait)
		}
	}
}

// processMessage handles a single message with error recovery. It reports
// whether the message left the queue.
func (w *Worker) processMessage(ctx context.Context, q *client.Queue, url string, handler HandlerFunc) bool {
	log := w.logger.With().Str("url", url).Logger()

	msg, err := q.Fetch(ctx, url)
	if errors.Is(err, client.ErrMessageDeleted) || errors.Is(err, client.ErrMessageNotFound) {
		log.Debug().Msg("message already taken")
		return true
	}
	if err != nil {
		log.Warn().Err(err).Msg("fetch failed")
		return false
	}

	handlerCtx, cancel := context.WithTimeout(ctx, w.handlerTimeout)
	defer cancel()

	if err := safeCall(handlerCtx, handler, msg); err != nil {
		// Don't ack - the message stays listed for the next poll.
		log.Error().Err(err).Msg("handler failed")
		return false
	}

	if err := msg.Acknowledge(ctx); err != nil && !errors.Is(err, client.ErrMessageDeleted) {
		log.Warn().Err(err).Msg("ack failed")
		return false
	}
	log.Debug().Msg("processed message")
	return true
}

func safeCall(ctx context.Context, handler HandlerFunc, msg *client.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func backoff(current, lo, hi time.Duration) time.Duration {
	if current < lo {
		return lo
	}
	next := current * 2
	if next > hi {
		return hi
	}
	return next
}
