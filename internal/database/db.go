package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	mssql "github.com/microsoft/go-mssqldb"

	"file-loader/internal/logging"
	"file-loader/internal/util"
)

// Retry discipline for transient database failures.
const (
	retryInitialBackoff = 200 * time.Millisecond
	retryBackoffFactor  = 2
	retryBackoffCap     = 5 * time.Second
	retryMaxAttempts    = 5
)

// DB is the process-wide database handle: a connection pool, the dialect
// selected from the connection URL, and the per-call timeout. Connections
// are checked out per operation by database/sql; no connection is shared
// across goroutines.
type DB struct {
	pool    *sql.DB
	dialect Dialect
	timeout time.Duration
}

// Open parses the connection URL, selects the dialect by scheme, opens the
// pool, and verifies connectivity.
func Open(ctx context.Context, rawURL string, timeout time.Duration) (*DB, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	var dialect Dialect
	dsn := rawURL
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		dialect = &postgresDialect{}
	case "mysql":
		dialect = &mysqlDialect{}
		dsn, err = mysqlDSN(parsed)
		if err != nil {
			return nil, err
		}
	case "sqlserver", "mssql":
		dialect = &mssqlDialect{}
	default:
		return nil, fmt.Errorf("unsupported database scheme '%s'", parsed.Scheme)
	}

	pool, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s pool: %w", dialect.Name(), err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to %s (using %s): %w",
			dialect.Name(), util.MaskCredentials(rawURL), err)
	}

	logging.Logf(logging.Info, "Database: connected (%s, %s)", dialect.Name(), util.MaskCredentials(rawURL))
	return &DB{pool: pool, dialect: dialect, timeout: timeout}, nil
}

// NewWithPool wraps an existing pool with a dialect. Used by tests to attach
// a mock driver.
func NewWithPool(pool *sql.DB, dialect Dialect, timeout time.Duration) *DB {
	return &DB{pool: pool, dialect: dialect, timeout: timeout}
}

// mysqlDSN converts a mysql:// URL into the driver's DSN form, forcing
// parseTime so DATE/DATETIME columns scan as time.Time.
func mysqlDSN(parsed *url.URL) (string, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = parsed.Host
	cfg.DBName = strings.TrimPrefix(parsed.Path, "/")
	if parsed.User != nil {
		cfg.User = parsed.User.Username()
		if pw, ok := parsed.User.Password(); ok {
			cfg.Passwd = pw
		}
	}
	cfg.ParseTime = true
	for key, vals := range parsed.Query() {
		if len(vals) > 0 {
			if cfg.Params == nil {
				cfg.Params = map[string]string{}
			}
			cfg.Params[key] = vals[0]
		}
	}
	return cfg.FormatDSN(), nil
}

// Close releases the pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

// Dialect returns the SQL emitter selected at startup.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Pool exposes the underlying pool for transaction management.
func (db *DB) Pool() *sql.DB {
	return db.pool
}

// opCtx derives the per-call timeout context.
func (db *DB) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.timeout)
}

// Exec runs a statement under the per-call timeout.
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	callCtx, cancel := db.opCtx(ctx)
	defer cancel()
	return db.pool.ExecContext(callCtx, query, args...)
}

// Query runs a read query under the per-call timeout.
func (db *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	callCtx, cancel := db.opCtx(ctx)
	defer cancel()
	return db.pool.QueryContext(callCtx, query, args...)
}

// QueryRow runs a single-row query under the per-call timeout.
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	callCtx, cancel := db.opCtx(ctx)
	defer cancel()
	return db.pool.QueryRowContext(callCtx, query, args...)
}

// WithTx runs fn inside a transaction under the per-call timeout, rolling
// back on error or panic and committing otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	callCtx, cancel := db.opCtx(ctx)
	defer cancel()

	tx, err := db.pool.BeginTx(callCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Logf(logging.Error, "Database: failed to rollback transaction: %v", rbErr)
			}
		}
	}()

	if err := fn(callCtx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// WithRetry runs fn, retrying transient failures with exponential backoff
// (200 ms initial, doubling, 5 s cap, five attempts). Non-transient errors
// and exhausted retries return the last error unwrapped for classification
// by the caller.
func (db *DB) WithRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retryInitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) || attempt >= retryMaxAttempts {
			return err
		}
		logging.Logf(logging.Warning, "Database: transient failure in %s (attempt %d/%d), retrying in %s: %v",
			op, attempt, retryMaxAttempts, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= retryBackoffFactor
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}
}

// IsTransient classifies an error as retryable: deadlocks, serialization
// failures, lock timeouts, dropped connections, and per-call timeout expiry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		// Class 08: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1213, 1205:
			return true
		}
		return false
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case 1205, 1222:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection reset", "broken pipe", "connection refused", "i/o timeout", "deadlock", "serialization"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// IsDBError reports whether err originated in a database driver or the
// database/sql layer, regardless of transience. Callers use it to separate
// fatal database failures from engine bugs once IsTransient has said no.
func IsDBError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return true
	}
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return true
	}
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, sql.ErrNoRows)
}
