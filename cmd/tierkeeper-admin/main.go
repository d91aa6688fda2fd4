// Package main is the entry point for the Tierkeeper admin CLI.
// This tool provides administrative commands for storage locations, the
// internal cache and errored requests, operating directly on the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/backend/local"
	"github.com/prn-tf/tierkeeper/internal/backend/s3tier"
	"github.com/prn-tf/tierkeeper/internal/config"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
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
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "version":
		fmt.Printf("Tierkeeper Admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)

	case "location":
		runLocation(os.Args[2:])

	case "cache":
		runCache(os.Args[2:])

	case "retry":
		runRetry(os.Args[2:])

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// env opens the database and builds the services the commands need. The CLI
// always runs single-instance, so in-process locks are enough.
type env struct {
	db           *sqlite.DB
	pg           *postgres.DB
	cache        *service.CacheService
	locations    *service.LocationService
	storageReqs  *service.StorageRequestService
	deletionReqs *service.DeletionRequestService
	restoration  *service.RestorationService
	copies       *service.CopyService
	logger       zerolog.Logger
}

func newEnv(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	db, err := sqlite.NewDB(ctx, sqlite.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		JournalMode:     cfg.Database.JournalMode,
		BusyTimeout:     cfg.Database.BusyTimeout,
		CacheSize:       cfg.Database.CacheSize,
		SynchronousMode: cfg.Database.SynchronousMode,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	refRepo := sqlite.NewFileReferenceRepository(db)
	cacheRepo := sqlite.NewCacheFileRepository(db)
	var pg *postgres.DB
	if !cfg.Database.IsEmbedded() {
		pg, err = postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			db.Close()
			return nil, err
		}
		refRepo = postgres.NewFileReferenceRepository(pg)
		cacheRepo = postgres.NewCacheFileRepository(pg)
	}
	locationRepo := sqlite.NewStorageLocationRepository(db)
	storageReqRepo := sqlite.NewStorageRequestRepository(db)
	deletionReqRepo := sqlite.NewDeletionRequestRepository(db)
	cacheReqRepo := sqlite.NewCacheRequestRepository(db)
	copyReqRepo := sqlite.NewCopyRequestRepository(db)

	m := metrics.NewUnregistered()
	events := event.NewLogPublisher(logger)

	registry, err := backend.NewRegistry(cfg.Backends.MaxInstances)
	if err != nil {
		db.Close()
		return nil, err
	}
	registry.Register("local", local.Factory)
	registry.Register("s3tier", s3tier.Factory)

	cacheService := service.NewCacheService(cacheRepo, cacheReqRepo, events, m, logger, service.CacheConfig{
		Path:                cfg.Cache.Path,
		MaxSizeKB:           cfg.Cache.MaxSizeKB,
		DefaultAvailability: cfg.Cache.DefaultAvailability,
		BatchSize:           cfg.Cache.BatchSize,
	})

	storageReqs := service.NewStorageRequestService(
		storageReqRepo, refRepo, locationRepo, service.OnlineFirstAllocation{}, events, m, logger)
	restoration := service.NewRestorationService(
		cacheReqRepo, refRepo, locationRepo, cacheService, events, m, logger)

	return &env{
		db:           db,
		pg:           pg,
		cache:        cacheService,
		locations:    service.NewLocationService(locationRepo, registry, logger),
		storageReqs:  storageReqs,
		deletionReqs: service.NewDeletionRequestService(deletionReqRepo, refRepo, events, m, logger),
		restoration:  restoration,
		copies: service.NewCopyService(
			copyReqRepo, refRepo, locationRepo, cacheReqRepo, cacheService,
			restoration, storageReqs, events, lock.NewMemoryLocker(), logger,
			service.DefaultCopyConfig()),
		logger: logger,
	}, nil
}

func (e *env) close() {
	if e.pg != nil {
		e.pg.Close()
	}
	e.db.Close()
}

func runLocation(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tierkeeper-admin location <add|list|delete> [flags]")
		os.Exit(1)
	}

	ctx := context.Background()
	sub := args[0]

	switch sub {
	case "add":
		fs := flag.NewFlagSet("location add", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		name := fs.String("name", "", "Location name")
		storageType := fs.String("type", "ONLINE", "Storage type: ONLINE, NEARLINE or OFFLINE")
		backendType := fs.String("backend", "", "Backend type (e.g. local, s3tier); empty for OFFLINE")
		params := fs.String("params", "", "Backend parameters as key=value pairs, comma separated")
		sizeKB := fs.Int64("size-kb", 0, "Allocated capacity in KB, 0 for unbounded")
		fs.Parse(args[1:])

		e := mustEnv(ctx, *configPath)
		defer e.close()

		conf, err := e.locations.Create(ctx, service.CreateLocationInput{
			Name:            *name,
			StorageType:     domain.StorageType(*storageType),
			BackendType:     *backendType,
			Parameters:      parseParams(*params),
			AllocatedSizeKB: *sizeKB,
		})
		exitOnError(err)
		printJSON(conf)

	case "list":
		fs := flag.NewFlagSet("location list", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		fs.Parse(args[1:])

		e := mustEnv(ctx, *configPath)
		defer e.close()

		confs, err := e.locations.List(ctx)
		exitOnError(err)
		printJSON(confs)

	case "delete":
		fs := flag.NewFlagSet("location delete", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		name := fs.String("name", "", "Location name")
		fs.Parse(args[1:])

		e := mustEnv(ctx, *configPath)
		defer e.close()

		exitOnError(e.locations.Delete(ctx, *name))
		fmt.Printf("Location %q deleted\n", *name)

	default:
		fmt.Fprintf(os.Stderr, "Unknown location subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func runCache(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tierkeeper-admin cache <purge|check> [flags]")
		os.Exit(1)
	}

	ctx := context.Background()
	sub := args[0]

	fs := flag.NewFlagSet("cache "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args[1:])

	e := mustEnv(ctx, *configPath)
	defer e.close()

	switch sub {
	case "purge":
		purged, err := e.cache.PurgeExpired(ctx)
		exitOnError(err)
		fmt.Printf("Purged %d expired cache entries\n", purged)

	case "check":
		dropped, err := e.cache.CheckCoherence(ctx)
		exitOnError(err)
		fmt.Printf("Dropped %d stale cache entries\n", dropped)

	default:
		fmt.Fprintf(os.Stderr, "Unknown cache subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func runRetry(args []string) {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	storage := fs.String("storage", "", "Storage location name")
	kind := fs.String("kind", "all", "Request kind: storage, deletion, restoration, copy or all")
	fs.Parse(args)

	if *storage == "" {
		fmt.Fprintln(os.Stderr, "retry: -storage is required")
		os.Exit(1)
	}

	ctx := context.Background()
	e := mustEnv(ctx, *configPath)
	defer e.close()

	total := 0
	if *kind == "storage" || *kind == "all" {
		n, err := e.storageReqs.Retry(ctx, *storage)
		exitOnError(err)
		total += n
	}
	if *kind == "deletion" || *kind == "all" {
		n, err := e.deletionReqs.Retry(ctx, *storage)
		exitOnError(err)
		total += n
	}
	if *kind == "restoration" || *kind == "all" {
		n, err := e.restoration.Retry(ctx, *storage)
		exitOnError(err)
		total += n
	}
	if *kind == "copy" || *kind == "all" {
		n, err := e.copies.Retry(ctx, *storage)
		exitOnError(err)
		total += n
	}
	fmt.Printf("Requeued %d errored requests on %q\n", total, *storage)
}

func mustEnv(ctx context.Context, configPath string) *env {
	e, err := newEnv(ctx, configPath)
	exitOnError(err)
	return e
}

func parseParams(s string) map[string]string {
	if s == "" {
		return nil
	}
	params := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			params[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return params
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Tierkeeper Admin CLI

Usage:
  tierkeeper-admin <command> [arguments]

Commands:
  location    Manage storage locations (add, list, delete)
  cache       Maintain the internal cache (purge, check)
  retry       Requeue errored requests for a storage location
  version     Print version information
  help        Show this help message

Examples:
  tierkeeper-admin location add -name archive -type NEARLINE -backend s3tier -params bucket=archive,region=eu-west-1
  tierkeeper-admin location list
  tierkeeper-admin cache purge
  tierkeeper-admin retry -storage archive -kind restoration

Use "tierkeeper-admin <command> --help" for more information about a command.`)
}
