// Package app wires configuration, infrastructure and the per-mode entry
// points: the ops API, the worker (beat + queues + sync), the indexer child
// process and migrations.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/httpserver"
	"github.com/quarryhq/quarry/internal/platform"
	"github.com/quarryhq/quarry/internal/telemetry"
	"github.com/quarryhq/quarry/pkg/beat"
	"github.com/quarryhq/quarry/pkg/connectors"
	slackconn "github.com/quarryhq/quarry/pkg/connectors/slack"
	webconn "github.com/quarryhq/quarry/pkg/connectors/web"
	"github.com/quarryhq/quarry/pkg/indexer"
	"github.com/quarryhq/quarry/pkg/mdlserver"
	"github.com/quarryhq/quarry/pkg/queue"
	"github.com/quarryhq/quarry/pkg/search"
	"github.com/quarryhq/quarry/pkg/syncer"
	"github.com/quarryhq/quarry/pkg/watchdog"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode. The returned int is the
// process exit code (meaningful for the indexer child).
func Run(ctx context.Context, cfg *config.Config) (int, error) {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting quarry", "mode", cfg.Mode)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return 1, fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return 1, fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	var replica *redis.Client
	if cfg.RedisReplicaURL != "" {
		replica, err = platform.NewRedisClient(ctx, cfg.RedisReplicaURL)
		if err != nil {
			return 1, fmt.Errorf("connecting to redis replica: %w", err)
		}
		defer func() { _ = replica.Close() }()
	}

	switch cfg.Mode {
	case "api":
		if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
			return 1, fmt.Errorf("running global migrations: %w", err)
		}
		metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
		return 0, runAPI(ctx, cfg, logger, pool, rdb, metricsReg)
	case "worker":
		if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
			return 1, fmt.Errorf("running global migrations: %w", err)
		}
		return 0, runWorker(ctx, cfg, logger, pool, rdb, replica)
	case "indexer":
		return runIndexer(ctx, cfg, logger, pool, rdb), nil
	case "migrate":
		if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
			return 1, fmt.Errorf("running global migrations: %w", err)
		}
		logger.Info("global migrations applied")
		return 0, nil
	default:
		return 1, fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	driver := queue.NewDriver(rdb)
	srv := httpserver.NewServer(logger, pool, rdb, driver, metricsReg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down ops api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb, replica *redis.Client) error {
	driver := queue.NewDriver(rdb)
	models := mdlserver.NewClient(cfg.ModelServerURL)
	index := search.NewClient(cfg.SearchIndexURL)

	wd := watchdog.New(pool, rdb, watchdog.Config{
		DatabaseURL:              cfg.DatabaseURL,
		RedisURL:                 cfg.RedisURL,
		Period:                   cfg.WatchdogPeriod,
		FenceReadinessTimeout:    cfg.FenceReadinessTimeout,
		TrustGeneratorCompletion: cfg.TrustGeneratorCompletion,
	}, logger)

	syncWorker := syncer.NewWorker(pool, rdb, index, logger)

	registry := queue.NewRegistry()
	registry.Register(beat.IndexingTaskName, wd.Handle)
	registry.Register(syncer.TaskName, syncWorker.Handle)

	indexingPool := queue.NewWorkerPool(queue.QueueIndexing, driver, registry, logger, cfg.IndexingWorkers)
	docSyncPool := queue.NewWorkerPool(queue.QueueDocSync, driver, registry, logger, cfg.DocSyncWorkers)
	indexingPool.Start(ctx)
	docSyncPool.Start(ctx)

	coordinator := syncer.NewCoordinator(pool, rdb, driver, cfg.SyncTaskCap, true, logger)
	go func() {
		if err := coordinator.Run(ctx, cfg.SyncInterval); err != nil {
			logger.Error("sync coordinator exited", "error", err)
		}
	}()

	go runCheckpointCleanupLoop(ctx, pool, cfg.CheckpointRetention, logger)

	b := beat.New(pool, rdb, replica, driver, models, cfg.BeatInterval, logger)
	err := b.Run(ctx)

	indexingPool.Wait()
	docSyncPool.Wait()
	return err
}

func runIndexer(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client) int {
	if cfg.TenantSlug == "" || cfg.IndexAttemptID == 0 {
		logger.Error("indexer mode requires QUARRY_TENANT and QUARRY_INDEX_ATTEMPT_ID")
		return 1
	}

	models := mdlserver.NewClient(cfg.ModelServerURL)
	index := search.NewClient(cfg.SearchIndexURL)

	runner := indexer.New(pool, rdb, index, models, connectorRegistry(), cfg, logger)
	return runner.Run(ctx, os.Getenv("QUARRY_TASK_ID"))
}

// connectorRegistry lists every adapter this build ships.
func connectorRegistry() *connectors.Registry {
	registry := connectors.NewRegistry()
	registry.Register("slack", slackconn.New)
	registry.Register("web", webconn.New)
	return registry
}

// runCheckpointCleanupLoop periodically clears checkpoint blobs of old
// terminal attempts across all tenants.
func runCheckpointCleanupLoop(ctx context.Context, pool *pgxpool.Pool, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupCheckpoints(ctx, pool, retention, logger)
		}
	}
}
