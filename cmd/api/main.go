package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aridsondez/fmtp/internal/admission"
	"github.com/aridsondez/fmtp/internal/api"
	"github.com/aridsondez/fmtp/internal/auth"
	"github.com/aridsondez/fmtp/internal/config"
	"github.com/aridsondez/fmtp/internal/engine"
	"github.com/aridsondez/fmtp/internal/notify"
	"github.com/aridsondez/fmtp/internal/queue/store"
	"github.com/aridsondez/fmtp/internal/queue/store/memory"
	pebblestore "github.com/aridsondez/fmtp/internal/queue/store/pebble"
	pgstore "github.com/aridsondez/fmtp/internal/queue/store/postgres"
	redisstore "github.com/aridsondez/fmtp/internal/queue/store/redis"
	"github.com/aridsondez/fmtp/internal/queue/sweeper"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "fmtp").Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger = logger.Level(level)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fmtp server failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts, closeHooks, err := engineOptions(cfg, logger)
	if err != nil {
		return err
	}
	defer closeHooks()

	messages := engine.NewMessageEngine(st, opts)
	queues := engine.NewQueueEngine(st, opts)

	swp := sweeper.New(queues, cfg.SweepInterval, logger)
	go swp.Start(ctx)
	defer swp.Stop()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, messages, queues, api.Options{
		Timeout:      cfg.RequestTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
		BaseURL:      cfg.BaseURL,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	logger.Info().Str("addr", addr).Str("store", cfg.Store).Str("auth", cfg.AuthMode).Msg("HTTP server listening")
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn().Msg("using the in-memory store; messages are lost on restart")
		return memory.New(), func() {}, nil

	case config.StorePostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgx ping: %w", err)
		}
		s := pgstore.New(pool)
		if err := s.Migrate(connectCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return s, pool.Close, nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisstore.New(rdb, redisstore.DefaultPrefix), func() { _ = rdb.Close() }, nil

	case config.StorePebble:
		s, err := pebblestore.Open(pebblestore.Options{Dir: cfg.PebbleDir, Sync: true})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Error().Err(err).Msg("close pebble")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// engineOptions wires access control, queue admission and event
// notifications into the engine options.
func engineOptions(cfg *config.Config, logger zerolog.Logger) (engine.Options, func(), error) {
	opts := engine.Options{
		ListLimit:        cfg.ListMax,
		AdminLimit:       cfg.AdminListMax,
		Retention:        cfg.Retention,
		MinRetryInterval: cfg.MinRetryInterval,
		MaxRetryInterval: cfg.MaxRetryInterval,
		Logger:           logger,
	}

	switch cfg.AuthMode {
	case config.AuthBasic:
		opts.Hooks.Access = auth.BasicPolicy(cfg.Users)
	case config.AuthJWT:
		opts.Hooks.Access = auth.JWTPolicy([]byte(cfg.JWTSecret))
	}

	policy, err := admission.Compile(cfg.QueueAdmission)
	if err != nil {
		return engine.Options{}, nil, err
	}
	opts.Admit = policy.Admit
	logger.Info().Str("rule", policy.String()).Msg("queue admission")

	closeNotifier := func() error { return nil }
	if cfg.AMQPURL != "" {
		n, err := notify.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return engine.Options{}, nil, err
		}
		opts.Hooks.OnCreated = n.OnCreated
		opts.Hooks.OnDeleted = n.OnDeleted
		closeNotifier = n.Close
	}

	return opts, func() {
		if err := closeNotifier(); err != nil {
			logger.Warn().Err(err).Msg("close notifier")
		}
	}, nil
}
