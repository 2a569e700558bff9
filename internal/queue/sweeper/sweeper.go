package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aridsondez/fmtp/internal/metrics"
)

// Purger removes expired deleted messages. *engine.QueueEngine satisfies it.
type Purger interface {
	Queues(ctx context.Context) ([]string, error)
	Purge(ctx context.Context, queueName string) (int, error)
}

// Sweeper runs garbage collection over every known queue on a fixed interval.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(purger Purger, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		purger:   purger,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped (context cancelled)")
			return

		case <-s.stopCh:
			s.logger.Info().Msg("sweeper stopped (stop signal)")
			return

		case <-ticker.C:
			count, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			} else if count > 0 {
				s.logger.Info().Int("purged", count).Msg("sweep finished")
			}
		}
	}
}

// Sweep purges every queue once. A failing queue does not stop the others;
// the first error is returned after all queues were tried.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweeperDuration.Observe(time.Since(start).Seconds()) }()

	names, err := s.purger.Queues(ctx)
	if err != nil {
		metrics.SweeperErrors.Inc()
		return 0, err
	}

	var (
		total    int
		firstErr error
	)
	for _, name := range names {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := s.purger.Purge(ctx, name)
		if err != nil {
			metrics.SweeperErrors.Inc()
			s.logger.Warn().Err(err).Str("queue", name).Msg("purge failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	return total, firstErr
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
