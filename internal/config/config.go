// Package config provides configuration management for the Tierkeeper server.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Availability   AvailabilityConfig   `mapstructure:"availability"`
	Dispatch       DispatchConfig       `mapstructure:"dispatch"`
	PendingActions PendingActionsConfig `mapstructure:"pending_actions"`
	Copy           CopyConfig           `mapstructure:"copy"`
	Backends       BackendsConfig       `mapstructure:"backends"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection settings.
// Supports both PostgreSQL and SQLite backends.
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// Embedded database settings. The request queues always live here,
	// even when the references and the cache ledger are on PostgreSQL.
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if using an embedded database (SQLite).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite"
}

// RedisConfig holds Redis connection settings. Redis provides distributed
// locks and event pub/sub in multi-instance deployments; when disabled,
// in-process equivalents are used.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CacheConfig holds internal cache settings.
type CacheConfig struct {
	// Path is the root directory of the internal disk cache.
	Path string `mapstructure:"path"`

	// MaxSizeKB bounds the summed size of internally cached files.
	MaxSizeKB int64 `mapstructure:"max_size_kb"`

	// DefaultAvailability is how long a restored file stays available when
	// the caller gives no expiration.
	DefaultAvailability time.Duration `mapstructure:"default_availability"`

	// PurgeInterval is how often expired entries are evicted.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`

	// CoherenceCheck enables the startup pass that drops ledger entries
	// whose file no longer exists on disk.
	CoherenceCheck bool `mapstructure:"coherence_check"`

	// BatchSize is the page size of purge and coherence scans.
	BatchSize int `mapstructure:"batch_size"`
}

// AvailabilityConfig holds availability check settings.
type AvailabilityConfig struct {
	// BulkLimit is the maximum number of checksums in one availability request.
	BulkLimit int `mapstructure:"bulk_limit"`

	// ConfirmLockTTL bounds how long the per-checksum confirmation lock is held.
	ConfirmLockTTL time.Duration `mapstructure:"confirm_lock_ttl"`
}

// DispatchConfig holds request dispatching settings.
type DispatchConfig struct {
	// Interval is how often pending requests are collected and dispatched.
	Interval time.Duration `mapstructure:"interval"`

	// RequestsPerRun is the maximum requests per storage pulled in one run.
	RequestsPerRun int `mapstructure:"requests_per_run"`

	// Workers is the size of the executor pool.
	Workers int `mapstructure:"workers"`

	// QueueSize is the executor queue capacity.
	QueueSize int `mapstructure:"queue_size"`
}

// PendingActionsConfig holds settings for the periodic backend action runner.
type PendingActionsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// CopyConfig holds settings for the periodic copy request runner.
type CopyConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`

	// BatchSize is the page size of each copy run.
	BatchSize int `mapstructure:"batch_size"`
}

// BackendsConfig holds backend registry settings.
type BackendsConfig struct {
	// MaxInstances caps the number of live backend instances kept in memory.
	MaxInstances int `mapstructure:"max_instances"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Path is the URL path for the metrics endpoint.
	Path string `mapstructure:"path"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with TIERKEEPER_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("TIERKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file configuration
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tierkeeper")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is acceptable - use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9040)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tierkeeper")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "tierkeeper")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	// SQLite defaults
	v.SetDefault("database.path", "./data/tierkeeper.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.cache_size", -2000)
	v.SetDefault("database.synchronous_mode", "NORMAL")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)

	// Cache defaults
	v.SetDefault("cache.path", "./data/cache")
	v.SetDefault("cache.max_size_kb", 10*1024*1024) // 10GB
	v.SetDefault("cache.default_availability", 24*time.Hour)
	v.SetDefault("cache.purge_interval", 30*time.Minute)
	v.SetDefault("cache.coherence_check", true)
	v.SetDefault("cache.batch_size", 500)

	// Availability defaults
	v.SetDefault("availability.bulk_limit", 100)
	v.SetDefault("availability.confirm_lock_ttl", 30*time.Second)

	// Dispatch defaults
	v.SetDefault("dispatch.interval", 10*time.Second)
	v.SetDefault("dispatch.requests_per_run", 500)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 64)

	// Pending action defaults
	v.SetDefault("pending_actions.enabled", true)
	v.SetDefault("pending_actions.interval", 5*time.Minute)
	v.SetDefault("pending_actions.lock_ttl", 10*time.Minute)

	// Copy runner defaults
	v.SetDefault("copy.enabled", true)
	v.SetDefault("copy.interval", 30*time.Second)
	v.SetDefault("copy.batch_size", 100)

	// Backend registry defaults
	v.SetDefault("backends.max_instances", 64)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate database configuration
	validDrivers := map[string]bool{"postgres": true, "sqlite": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite'")
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	}
	// The request queues always live in the embedded database, so the path
	// is required regardless of driver.
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Validate cache configuration
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.Cache.MaxSizeKB <= 0 {
		return fmt.Errorf("cache.max_size_kb must be positive")
	}

	// Validate availability configuration
	if c.Availability.BulkLimit < 1 {
		return fmt.Errorf("availability.bulk_limit must be at least 1")
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
