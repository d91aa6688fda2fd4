// Package sqlite persists the reference table, the cache ledger and the
// request queues in an embedded SQLite database. The driver is
// modernc.org/sqlite, pure Go, so a single-node Tierkeeper ships as one
// binary with no CGO toolchain involved.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrations are applied in order; the index in this slice plus one is the
// schema version recorded in schema_migrations.
var migrations = []string{
	"migrations/000001_init.up.sql",
	"migrations/000002_copy_requests.up.sql",
}

// Config holds the embedded database settings.
type Config struct {
	// Path is the database file, or ":memory:" for tests.
	Path string

	// MaxOpenConns caps open connections. The queue tables see concurrent
	// writers from the dispatcher and the handlers, and SQLite serializes
	// writes anyway, so one connection avoids SQLITE_BUSY churn.
	MaxOpenConns int

	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// JournalMode is WAL in any real deployment so availability reads do
	// not stall behind queue writes.
	JournalMode string

	// BusyTimeout in milliseconds.
	BusyTimeout int

	// CacheSize in SQLite units (negative means KB).
	CacheSize int

	// SynchronousMode is NORMAL, FULL or OFF.
	SynchronousMode string
}

// DefaultConfig returns settings suited to a single-node deployment.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		JournalMode:     "WAL",
		BusyTimeout:     5000,
		CacheSize:       -2000,
		SynchronousMode: "NORMAL",
	}
}

// DB is the shared connection handle the repositories in this package run on.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
	path   string
}

// NewDB opens the database file, creating its directory when needed, and
// verifies the connection.
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf(
		"%s?_journal_mode=%s&_busy_timeout=%d&_cache_size=%d&_synchronous=%s&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout, cfg.CacheSize, cfg.SynchronousMode,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info().
		Str("path", cfg.Path).
		Str("journal_mode", cfg.JournalMode).
		Msg("Opened embedded database")

	return &DB{db: db, logger: logger, path: cfg.Path}, nil
}

// Close closes the connection handle.
func (db *DB) Close() error {
	db.logger.Info().Str("path", db.path).Msg("Closing embedded database")
	return db.db.Close()
}

// ExecContext executes a statement without returning rows.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

// Migrate brings the schema up to the latest embedded migration. Versions
// already recorded in schema_migrations are skipped, so this is safe to run
// on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := db.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i, name := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		script, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read embedded migration %s: %w", name, err)
		}
		if _, err := db.db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}
		if _, err := db.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		db.logger.Info().Int("version", version).Msg("Applied schema migration")
	}

	return nil
}
