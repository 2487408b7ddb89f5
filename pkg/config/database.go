package config

import (
	"fmt"
	"time"
)

// Database defaults.
const (
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 2
	DefaultConnMaxIdle     = "30s"
	DefaultConnectTimeout  = "5s"
	DefaultMaxRetries      = 3
	DefaultRetryBaseDelay  = "100ms"
	DefaultRetryMaxDelay   = "2s"
	DefaultSlowTxThreshold = "5s"
)

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver      string               `yaml:"driver"`
	SQLite      SQLiteDatabaseConfig `yaml:"sqlite,omitempty"`
	Postgres    PostgresConfig       `yaml:"postgres,omitempty"`
	Pool        PoolConfig           `yaml:"pool,omitempty"`
	Retry       RetryConfig          `yaml:"retry,omitempty"`
	AutoMigrate bool                 `yaml:"auto_migrate"`

	// SlowTxThreshold flags (but does not abort) transactions that hold a
	// connection longer than this duration.
	SlowTxThreshold string `yaml:"slow_tx_threshold,omitempty"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxIdleTime string `yaml:"conn_max_idle_time,omitempty"`
	ConnectTimeout  string `yaml:"connect_timeout,omitempty"`
}

// RetryConfig controls transaction retry behavior.
type RetryConfig struct {
	MaxRetries          int    `yaml:"max_retries"`
	BaseDelay           string `yaml:"base_delay,omitempty"`
	MaxDelay            string `yaml:"max_delay,omitempty"`
	RetryOnDuplicateKey *bool  `yaml:"retry_on_duplicate_key,omitempty"`
	RetryOnDeadlock     *bool  `yaml:"retry_on_deadlock,omitempty"`
}

func (c *DatabaseConfig) applyDefaults() {
	if c.Driver == "" {
		c.Driver = "postgres"
	}

	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}

	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}

	if c.Pool.MaxOpenConns <= 0 {
		c.Pool.MaxOpenConns = DefaultMaxOpenConns
	}

	if c.Pool.MaxIdleConns <= 0 {
		c.Pool.MaxIdleConns = DefaultMaxIdleConns
	}

	if c.Pool.ConnMaxIdleTime == "" {
		c.Pool.ConnMaxIdleTime = DefaultConnMaxIdle
	}

	if c.Pool.ConnectTimeout == "" {
		c.Pool.ConnectTimeout = DefaultConnectTimeout
	}

	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}

	if c.Retry.BaseDelay == "" {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}

	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}

	if c.SlowTxThreshold == "" {
		c.SlowTxThreshold = DefaultSlowTxThreshold
	}
}

// Validate checks the database configuration for errors.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}

		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}

	for name, value := range map[string]string{
		"pool.conn_max_idle_time": c.Pool.ConnMaxIdleTime,
		"pool.connect_timeout":    c.Pool.ConnectTimeout,
		"retry.base_delay":        c.Retry.BaseDelay,
		"retry.max_delay":         c.Retry.MaxDelay,
		"slow_tx_threshold":       c.SlowTxThreshold,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

// RetryOnDuplicateKeyEnabled reports whether duplicate-key failures are
// retried. Defaults to true when unset.
func (c *RetryConfig) RetryOnDuplicateKeyEnabled() bool {
	return c.RetryOnDuplicateKey == nil || *c.RetryOnDuplicateKey
}

// RetryOnDeadlockEnabled reports whether deadlock and serialization failures
// are retried. Defaults to true when unset.
func (c *RetryConfig) RetryOnDeadlockEnabled() bool {
	return c.RetryOnDeadlock == nil || *c.RetryOnDeadlock
}

// Duration parses a config duration string, falling back to def on error.
func Duration(value, def string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	d, _ := time.ParseDuration(def)

	return d
}
