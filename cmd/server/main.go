/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fee engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, then environment)
  2. Initialize logger and metrics
  3. Open the store selected by STORE_DRIVER
  4. Create engine, summary cache and API handler
  5. Start the overdue scheduler
  6. Start server with graceful shutdown

ENVIRONMENT:
  APP_ADDR                 listen address (default :8080)
  STORE_DRIVER             memory | sqlite | postgres (default sqlite)
  SQLITE_PATH              SQLite database path (default ./fees.db)
  PG_DSN                   Postgres DSN, required for postgres
  REDIS_ADDR               enables the summary cache when set
  OVERDUE_SWEEP_SCHEDULE   cron spec, empty disables (default "0 1 * * *")
  LOG_FORMAT, LOG_LEVEL    text|json, debug|info|warn|error
  See config/config.go for the full list.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store and cache connections

EXAMPLES:
  # In-memory store, JSON logs
  STORE_DRIVER=memory LOG_FORMAT=json ./server

  # Postgres with Redis cache
  STORE_DRIVER=postgres PG_DSN=postgres://fees@localhost/fees REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/fee-engine/api"
	"github.com/warp/fee-engine/cache"
	"github.com/warp/fee-engine/config"
	"github.com/warp/fee-engine/fees"
	memstore "github.com/warp/fee-engine/fees/store"
	"github.com/warp/fee-engine/metrics"
	"github.com/warp/fee-engine/store/postgres"
	"github.com/warp/fee-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer closeStore()

	m := metrics.New()
	engine := fees.NewEngine(store,
		fees.WithLogger(logger),
		fees.WithObserver(m),
		fees.WithMaxRetries(cfg.AllocationMaxRetries),
	)

	// Summary cache (optional)
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, summaries will not be cached", "addr", cfg.RedisAddr, "error", err)
		}
	}
	summaries := cache.New(redisClient, cfg.CacheTTL, engine, logger)

	handler := api.NewHandler(engine, summaries, m, logger)

	scheduler := api.NewOverdueScheduler(handler, cfg.OverdueSweepSchedule)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start overdue scheduler: %w", err)
	}
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      api.NewRouter(handler, cfg),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.AppAddr, "store", cfg.StoreDriver, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore returns the configured store and its close function.
func openStore(ctx context.Context, cfg *config.Config) (fees.TxStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memstore.NewMemory(), func() {}, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}
