// Package main is the entry point for the Tierkeeper server.
// Tierkeeper orchestrates file storage across tiered locations and keeps a
// nearline availability cache in front of slow backends.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/backend/local"
	"github.com/prn-tf/tierkeeper/internal/backend/s3tier"
	"github.com/prn-tf/tierkeeper/internal/config"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/executor"
	"github.com/prn-tf/tierkeeper/internal/handler"
	"github.com/prn-tf/tierkeeper/internal/lock"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository/postgres"
	"github.com/prn-tf/tierkeeper/internal/repository/sqlite"
	"github.com/prn-tf/tierkeeper/internal/service"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg := config.MustLoad(configPath)

	logger := setupLogger(cfg.Logging)

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting Tierkeeper server")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database. The request queues are node-local and always live in the
	// embedded database; with the postgres driver the reference table and
	// the cache ledger move to the shared server so every node agrees.
	db, err := sqlite.NewDB(ctx, sqlite.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		JournalMode:     cfg.Database.JournalMode,
		BusyTimeout:     cfg.Database.BusyTimeout,
		CacheSize:       cfg.Database.CacheSize,
		SynchronousMode: cfg.Database.SynchronousMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	refRepo := sqlite.NewFileReferenceRepository(db)
	cacheRepo := sqlite.NewCacheFileRepository(db)
	if !cfg.Database.IsEmbedded() {
		pg, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run postgres migrations: %w", err)
		}
		refRepo = postgres.NewFileReferenceRepository(pg)
		cacheRepo = postgres.NewCacheFileRepository(pg)
		logger.Info().Msg("Using PostgreSQL for references and cache ledger")
	}
	locationRepo := sqlite.NewStorageLocationRepository(db)
	storageReqRepo := sqlite.NewStorageRequestRepository(db)
	deletionReqRepo := sqlite.NewDeletionRequestRepository(db)
	cacheReqRepo := sqlite.NewCacheRequestRepository(db)
	copyReqRepo := sqlite.NewCopyRequestRepository(db)

	// Coordination and events. Redis backs both in multi-instance
	// deployments; a single instance runs on in-process equivalents.
	var locker lock.Locker
	var events event.Publisher
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr(),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		locker = lock.NewRedisLocker(client)
		events = event.NewRedisPublisher(client)
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("Using Redis for locks and events")
	} else {
		locker = lock.NewMemoryLocker()
		events = event.NewLogPublisher(logger)
	}

	// Metrics
	var promRegistry *prometheus.Registry
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		promRegistry = prometheus.NewRegistry()
		m = metrics.New(promRegistry)
	} else {
		m = metrics.NewUnregistered()
	}

	// Backend registry
	registry, err := backend.NewRegistry(cfg.Backends.MaxInstances)
	if err != nil {
		return fmt.Errorf("failed to create backend registry: %w", err)
	}
	registry.Register("local", local.Factory)
	registry.Register("s3tier", s3tier.Factory)

	// Services
	cacheService := service.NewCacheService(cacheRepo, cacheReqRepo, events, m, logger, service.CacheConfig{
		Path:                cfg.Cache.Path,
		MaxSizeKB:           cfg.Cache.MaxSizeKB,
		DefaultAvailability: cfg.Cache.DefaultAvailability,
		BatchSize:           cfg.Cache.BatchSize,
	})

	if cfg.Cache.CoherenceCheck {
		if dropped, err := cacheService.CheckCoherence(ctx); err != nil {
			logger.Error().Err(err).Msg("Cache coherence check failed")
		} else if dropped > 0 {
			logger.Warn().Int("dropped", dropped).Msg("Cache coherence check dropped stale entries")
		}
	}

	locationService := service.NewLocationService(locationRepo, registry, logger)
	storageRequestService := service.NewStorageRequestService(
		storageReqRepo, refRepo, locationRepo, service.OnlineFirstAllocation{}, events, m, logger)
	deletionRequestService := service.NewDeletionRequestService(deletionReqRepo, refRepo, events, m, logger)
	restorationService := service.NewRestorationService(
		cacheReqRepo, refRepo, locationRepo, cacheService, events, m, logger)
	availabilityService := service.NewAvailabilityService(
		refRepo, locationRepo, registry, cacheService, locker, m, logger, service.AvailabilityConfig{
			BulkLimit:      cfg.Availability.BulkLimit,
			ConfirmLockTTL: cfg.Availability.ConfirmLockTTL,
		})
	downloadService := service.NewDownloadService(refRepo, locationRepo, registry, cacheService, m, logger)
	copyService := service.NewCopyService(
		copyReqRepo, refRepo, locationRepo, cacheReqRepo, cacheService,
		restorationService, storageRequestService, events, locker, logger,
		service.CopyConfig{
			Enabled:   cfg.Copy.Enabled,
			Interval:  cfg.Copy.Interval,
			BatchSize: cfg.Copy.BatchSize,
		})

	// Background work
	pool := executor.NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, logger)

	dispatcher := service.NewDispatcher(
		storageReqRepo, deletionReqRepo, cacheReqRepo,
		locationService, storageRequestService, deletionRequestService, restorationService,
		pool, m, logger, service.DispatchConfig{
			Enabled:        true,
			Interval:       cfg.Dispatch.Interval,
			RequestsPerRun: cfg.Dispatch.RequestsPerRun,
		})
	dispatcher.Start()
	defer dispatcher.Stop()

	purger := service.NewCachePurger(cacheService, locker, logger, service.CachePurgeConfig{
		Enabled:  true,
		Interval: cfg.Cache.PurgeInterval,
	})
	purger.Start()
	defer purger.Stop()

	if cfg.Copy.Enabled {
		copyService.Start()
		defer copyService.Stop()
	}

	if cfg.PendingActions.Enabled {
		runner := service.NewPendingActionRunner(refRepo, locationService, locker, events, m, logger, service.PendingActionsConfig{
			Enabled:  cfg.PendingActions.Enabled,
			Interval: cfg.PendingActions.Interval,
		})
		runner.Start()
		defer runner.Stop()
	}

	// HTTP API
	fileHandler := handler.NewFileHandler(handler.FileHandlerConfig{
		AvailabilityService: availabilityService,
		RestorationService:  restorationService,
		DownloadService:     downloadService,
		StorageRequests:     storageRequestService,
		DeletionRequests:    deletionRequestService,
		CopyService:         copyService,
		Logger:              logger,
	})
	locationHandler := handler.NewLocationHandler(locationService, logger)
	router := handler.NewRouter(handler.RouterConfig{
		FileHandler:     fileHandler,
		LocationHandler: locationHandler,
		Registry:        promRegistry,
		MetricsPath:     cfg.Metrics.Path,
		Logger:          logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	// The dispatcher feeds the pool; stop it first so nothing submits into a
	// stopping executor.
	dispatcher.Stop()
	pool.Stop(shutdownCtx)

	return nil
}

// setupLogger configures the global zerolog logger from config.
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return log.Logger
}
