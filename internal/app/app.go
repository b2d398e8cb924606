// Package app wires the engine's components from a config.Config. Both
// assessd and assessctl build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/config"
	"github.com/sbomify/assessments/pkg/database"
	"github.com/sbomify/assessments/pkg/events"
	"github.com/sbomify/assessments/pkg/ha"
	"github.com/sbomify/assessments/pkg/ingest"
	"github.com/sbomify/assessments/pkg/jobs"
	"github.com/sbomify/assessments/pkg/metrics"
	"github.com/sbomify/assessments/pkg/plugins"
	"github.com/sbomify/assessments/pkg/registry"
	"github.com/sbomify/assessments/pkg/scheduler"
	"github.com/sbomify/assessments/pkg/storage"
	"github.com/sbomify/assessments/pkg/teams"
)

// Broker is a task broker that also serves the task status API.
type Broker interface {
	jobs.Broker
	jobs.TaskReader
}

// App holds the wired components.
type App struct {
	Config       *config.Config
	DB           *gorm.DB
	Redis        *redis.Client
	Metrics      *metrics.Metrics
	Events       events.Publisher
	Registry     *registry.Registry
	Teams        *teams.Service
	Store        *storage.Store
	Runs         *assessment.RunStore
	Orchestrator *assessment.Orchestrator
	Dispatcher   *jobs.Dispatcher
	Broker       Broker
	Ingest       *ingest.Service
	Logger       *slog.Logger
}

// NewLogger builds a logger writing to w from cfg.
func NewLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New opens the database, applies migrations under the migration lock and
// wires every component. Builtin plugins are registered and the catalog
// file, when configured, is applied.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db

	var locker ha.MigrationLocker
	if cfg.HA.MigrationLockEnabled {
		locker = ha.NewMigrationLocker(db, cfg.HA.Identity)
	}
	applied, err := database.NewMigrator(db, locker, logger).Up(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("database migrated", "applied", applied)
	}

	if cfg.QueueBackend == config.QueueRedis || cfg.EventsBackend == "redis" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	}

	switch cfg.EventsBackend {
	case "redis":
		a.Events = events.NewRedisPublisher(a.Redis)
	case "none":
		a.Events = events.Nop{}
	default:
		a.Events = events.NewLogPublisher(logger)
	}

	factories := registry.NewFactories()
	if err := plugins.RegisterFactories(factories); err != nil {
		a.Close()
		return nil, err
	}
	a.Registry = registry.New(db, factories, logger)
	if err := a.Registry.RegisterAll(ctx, plugins.Builtins()); err != nil {
		a.Close()
		return nil, fmt.Errorf("register builtin plugins: %w", err)
	}
	if cfg.Plugins.CatalogPath != "" {
		catalog, err := registry.LoadCatalog(cfg.Plugins.CatalogPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.Registry.ApplyCatalog(ctx, catalog, plugins.Builtins()); err != nil {
			a.Close()
			return nil, fmt.Errorf("apply plugin catalog: %w", err)
		}
	}

	blobs, err := newBlobStore(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = storage.NewStore(storage.NewCatalog(db), blobs)
	a.Runs = assessment.NewRunStore(db)

	// The dispatcher and the team service depend on each other: uploads
	// resolve team plugins and settings changes enqueue backfills.
	teamSvc := teams.NewService(db, a.Registry, teams.WithMetrics(a.Metrics), teams.WithLogger(logger))
	a.Dispatcher = jobs.NewDispatcher(db, teamSvc, logger)
	a.Teams = teams.NewService(db, a.Registry,
		teams.WithBackfill(a.Store, a.Runs, a.Dispatcher),
		teams.WithMetrics(a.Metrics),
		teams.WithLogger(logger),
	)

	a.Orchestrator = assessment.NewOrchestrator(assessment.Deps{
		Runs:      a.Runs,
		Plugins:   a.Registry,
		Artifacts: a.Store,
		Overrides: a.Teams,
		Events:    a.Events,
		Metrics:   a.Metrics,
		Logger:    logger,
	}, cfg.Orchestrator)

	switch cfg.QueueBackend {
	case config.QueueRedis:
		a.Broker = jobs.NewRedisBroker(a.Redis, cfg.Redis.Prefix)
	default:
		a.Broker = jobs.NewJobStore(db)
	}

	a.Ingest = ingest.NewService(a.Store, a.Dispatcher, a.Events, logger)
	return a, nil
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, error) {
	if cfg.S3.Bucket != "" {
		return storage.NewS3Store(ctx, cfg.S3)
	}
	return storage.NewFileBlobStore(cfg.Dir)
}

// WorkerPool builds the task worker pool.
func (a *App) WorkerPool() *jobs.WorkerPool {
	return jobs.NewWorkerPool(a.Broker, a.Orchestrator, a.Config.Jobs, a.Logger).
		WithMetrics(a.Metrics).
		WithRunReaper(a.Runs, a.Config.Orchestrator.StaleRunTimeout)
}

// Relay builds the outbox relay.
func (a *App) Relay() *jobs.Relay {
	return jobs.NewRelay(a.DB, a.Broker, a.Config.Jobs, a.Metrics, a.Logger)
}

// Refresher builds the scheduled refresh job.
func (a *App) Refresher() *scheduler.Refresher {
	return scheduler.New(scheduler.Config{
		Spec:       a.Config.Scheduler.RefreshCron,
		Categories: a.Config.Scheduler.RefreshCategories,
	}, a.Teams, a.Registry, a.Store, a.Dispatcher, a.Logger)
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
