package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/savegress/oeetrack/internal/analytics"
	"github.com/savegress/oeetrack/internal/api"
	"github.com/savegress/oeetrack/internal/cache"
	"github.com/savegress/oeetrack/internal/config"
	"github.com/savegress/oeetrack/internal/lock"
	"github.com/savegress/oeetrack/internal/logger"
	"github.com/savegress/oeetrack/internal/metrics"
	"github.com/savegress/oeetrack/internal/oee"
	"github.com/savegress/oeetrack/internal/production"
	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/internal/store/postgres"
)

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting oeetrack",
		logger.String("environment", cfg.Server.Environment),
		logger.String("storage", cfg.Storage.Type),
	)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb redis.UniversalClient
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()
		rdb = client
		log.Info("redis connected")
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	m := metrics.New()
	calc := oee.NewCalculator(cfg.OEE)

	var reportCache *cache.Cache
	if rdb != nil {
		reportCache = cache.New(rdb, cache.Config{KeyPrefix: cfg.Redis.KeyPrefix + ":cache", TTL: cfg.Reports.CacheTTL})
	}
	reports := analytics.NewService(st, reportCache, calc, loc, log.With(logger.String("component", "reports")))

	opts := []production.Option{
		production.WithLogger(log.With(logger.String("component", "runs"))),
		production.WithMetrics(m),
		production.WithCompletionHook(reports.Invalidate),
	}
	if rdb != nil {
		opts = append(opts, production.WithLocker(lock.NewRedis(rdb, lock.RedisConfig{
			KeyPrefix: cfg.Redis.KeyPrefix + ":lock",
			TTL:       cfg.Runs.LockTTL,
			Wait:      cfg.Runs.LockWait,
		})))
	}
	runs := production.NewService(st, calc, cfg.Runs.Config, opts...)

	server := api.NewServer(runs, reports, st, m, log, cfg.Server.AllowedOrigins)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", logger.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Err(err))
	}

	log.Info("oeetrack stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.Store, error) {
	if cfg.Storage.Type != "postgres" {
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return nil, err
		}
		log.Info("database migrations applied")
	}

	st, err := postgres.New(ctx, postgres.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, err
	}
	log.Info("connected to postgres")
	return st, nil
}
