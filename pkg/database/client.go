package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apiprobe/apiprobe/pkg/config"
)

// errNotConnected is returned by operations invoked before Connect.
var errNotConnected = errors.New("client is not connected")

// QueryResult carries the outcome of a single statement.
type QueryResult struct {
	Rows     []map[string]any
	RowCount int64
	Duration time.Duration
}

// TxFunc is a unit of work executed inside one transaction. The same
// callback may run more than once when a retryable failure triggers a fresh
// attempt, so it must be idempotent with respect to its own side effects.
type TxFunc func(tx *gorm.DB) error

// Client owns a pooled database connection and wraps units of work in
// retryable transactions.
type Client interface {
	// Connect establishes the bounded pool and probes liveness. Idempotent.
	Connect(ctx context.Context) error

	// Close drains and closes the pool. A later Connect re-establishes it.
	Close() error

	// HealthCheck reports whether the database answers a trivial query.
	// It never returns an error; any failure means unhealthy.
	HealthCheck(ctx context.Context) bool

	// Query executes one parameterized statement on a pooled connection.
	Query(ctx context.Context, stmt string, params ...any) (*QueryResult, error)

	// Transaction runs fn inside BEGIN/COMMIT, rolling back on error and
	// retrying classified-retryable failures with exponential backoff.
	Transaction(ctx context.Context, fn TxFunc, opts ...TxOption) error

	// Metrics returns this client's operational counters.
	Metrics() *Metrics

	// DB exposes the underlying gorm handle for model operations outside a
	// transaction (reads, migrations).
	DB() *gorm.DB
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	cfg     *config.DatabaseConfig
	db      *gorm.DB
	metrics *Metrics
	policy  RetryPolicy
	slowTx  time.Duration
}

// NewClient creates a database client from configuration. Connect must be
// called before use.
func NewClient(log logrus.FieldLogger, cfg *config.DatabaseConfig) Client {
	policy := RetryPolicy{
		MaxRetries:          cfg.Retry.MaxRetries,
		BaseDelay:           config.Duration(cfg.Retry.BaseDelay, config.DefaultRetryBaseDelay),
		MaxDelay:            config.Duration(cfg.Retry.MaxDelay, config.DefaultRetryMaxDelay),
		RetryOnDuplicateKey: cfg.Retry.RetryOnDuplicateKeyEnabled(),
		RetryOnDeadlock:     cfg.Retry.RetryOnDeadlockEnabled(),
	}

	return &client{
		log:     log.WithField("component", "database"),
		cfg:     cfg,
		metrics: &Metrics{},
		policy:  policy,
		slowTx:  config.Duration(cfg.SlowTxThreshold, config.DefaultSlowTxThreshold),
	}
}

// Connect opens the database connection, bounds the pool, and probes
// liveness. Calling Connect on an already-connected client is a no-op.
func (c *client) Connect(ctx context.Context) error {
	if c.db != nil {
		return nil
	}

	var dialector gorm.Dialector

	switch c.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(c.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
			c.cfg.Postgres.Host,
			c.cfg.Postgres.Port,
			c.cfg.Postgres.User,
			c.cfg.Postgres.Password,
			c.cfg.Postgres.Database,
			c.cfg.Postgres.SSLMode,
			int(config.Duration(c.cfg.Pool.ConnectTimeout, config.DefaultConnectTimeout).Seconds()),
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", c.cfg.Driver)
	}

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("opening database: %w", err)}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("getting underlying db: %w", err)}
	}

	sqlDB.SetMaxOpenConns(c.cfg.Pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(c.cfg.Pool.MaxIdleConns)
	sqlDB.SetConnMaxIdleTime(config.Duration(c.cfg.Pool.ConnMaxIdleTime, config.DefaultConnMaxIdle))

	probeCtx, cancel := context.WithTimeout(
		ctx, config.Duration(c.cfg.Pool.ConnectTimeout, config.DefaultConnectTimeout),
	)
	defer cancel()

	if err := sqlDB.PingContext(probeCtx); err != nil {
		_ = sqlDB.Close()

		return &ConnectionError{Err: fmt.Errorf("liveness probe: %w", err)}
	}

	c.db = db

	c.log.WithField("driver", c.cfg.Driver).Info("Database connected")

	return nil
}

// Close drains and closes the pool. Idempotent; Connect may be called again
// afterwards.
func (c *client) Close() error {
	if c.db == nil {
		return nil
	}

	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	c.db = nil

	return sqlDB.Close()
}

// HealthCheck reports database liveness. Any failure, including not being
// connected, is reported as unhealthy rather than an error.
func (c *client) HealthCheck(ctx context.Context) bool {
	if c.db == nil {
		return false
	}

	_, err := c.Query(ctx, "SELECT 1")

	return err == nil
}

// Query executes one parameterized statement and returns the rows, the row
// count, and the elapsed time. Failures carry a truncated statement preview.
func (c *client) Query(
	ctx context.Context, stmt string, params ...any,
) (*QueryResult, error) {
	if c.db == nil {
		return nil, &ConnectionError{Err: errNotConnected}
	}

	start := time.Now()

	var rows []map[string]any

	res := c.db.WithContext(ctx).Raw(stmt, params...).Scan(&rows)
	elapsed := time.Since(start)

	if res.Error != nil {
		return nil, &QueryError{
			Preview:  truncateStatement(stmt),
			Duration: elapsed,
			Err:      res.Error,
		}
	}

	return &QueryResult{
		Rows:     rows,
		RowCount: res.RowsAffected,
		Duration: elapsed,
	}, nil
}

// Transaction runs fn inside BEGIN/COMMIT on a dedicated connection. On
// error the transaction is rolled back; duplicate-key, deadlock, and
// serialization failures are retried on a fresh connection with exponential
// backoff until the retry budget is exhausted.
func (c *client) Transaction(
	ctx context.Context, fn TxFunc, opts ...TxOption,
) error {
	if c.db == nil {
		return &ConnectionError{Err: errNotConnected}
	}

	o := TxOptions{MaxRetries: c.policy.MaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	maxRetries := o.MaxRetries
	if o.DisableRetry {
		maxRetries = 0
	}

	var lastErr error

	for attempt := 0; ; attempt++ {
		c.metrics.incTransactions()

		err := c.runAttempt(ctx, fn)
		if err == nil {
			return nil
		}

		lastErr = err
		kind := Classify(err)

		if o.DisableRetry || !c.policy.retryable(kind) {
			return err
		}

		if attempt >= maxRetries {
			return &TransactionError{
				Kind:     kind,
				Attempts: attempt + 1,
				Err:      lastErr,
			}
		}

		c.metrics.incRetries(kind)

		delay := c.policy.delay(attempt)

		c.log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"kind":    kind.String(),
			"delay":   delay,
		}).Debug("Retrying transaction")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runAttempt performs one BEGIN/fn/COMMIT cycle, rolling back on error or
// panic and always releasing the connection.
func (c *client) runAttempt(ctx context.Context, fn TxFunc) (err error) {
	start := time.Now()

	tx := c.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("beginning transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			c.metrics.incRollbacks()
			_ = tx.Rollback()

			panic(r)
		}

		if elapsed := time.Since(start); elapsed > c.slowTx {
			c.log.WithField("duration", elapsed).
				Warn("Transaction exceeded slow threshold")
		}
	}()

	if err := fn(tx); err != nil {
		c.metrics.incRollbacks()
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Metrics returns the client's counters.
func (c *client) Metrics() *Metrics {
	return c.metrics
}

// DB returns the underlying gorm handle.
func (c *client) DB() *gorm.DB {
	return c.db
}
