package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
)

const defaultBusyTimeout = 30 * time.Second

// Store is the shared database handle.
type Store struct {
	db          *sql.DB
	dialect     Dialect
	busyTimeout time.Duration
	logger      *zap.Logger
	closed      atomic.Bool
}

// Open opens the configured backend. It does not migrate; call Migrate.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialect, err := parseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	var db *sql.DB
	switch dialect {
	case DialectSQLite:
		db, err = openSQLite(cfg.Path, busy)
	case DialectMySQL:
		db, err = openMySQL(cfg.DSN.Value())
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	logger.Info("store opened", zap.String("driver", string(dialect)), zap.Duration("busy_timeout", busy))
	return &Store{db: db, dialect: dialect, busyTimeout: busy, logger: logger}, nil
}

// sqliteDSN builds the ncruces connection string. Transactions begin
// IMMEDIATE so a writer takes the lock before its first read.
func sqliteDSN(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, busy.Milliseconds())
}

func openSQLite(path string, busy time.Duration) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path, busy))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer at a time is SQLite's model; a small pool keeps
	// readers from piling up behind it.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return db, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql dsn is required")
	}
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	// Timestamps are text columns; never let the driver convert them.
	mcfg.ParseTime = false
	mcfg.MultiStatements = false

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// DB exposes the underlying handle for tests and tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// newBusyBackoff returns a fresh policy; BackOff values are stateful.
func (s *Store) newBusyBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = s.busyTimeout
	return backoff.WithContext(bo, ctx)
}

// retry runs op until it succeeds, fails with a non-busy error, or the busy
// timeout elapses.
func (s *Store) retry(ctx context.Context, op func() error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if IsBusy(err) {
			s.logger.Debug("database busy, retrying", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}, s.newBusyBackoff(ctx))
}

// Exec runs a statement with busy retry.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.logger.Log(logging.TraceLevel, "sql exec", zap.String("sql", query), zap.Int("args", len(args)))
	var res sql.Result
	err := s.retry(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Query runs a query with busy retry on open.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	s.logger.Log(logging.TraceLevel, "sql query", zap.String("sql", query), zap.Int("args", len(args)))
	var rows *sql.Rows
	err := s.retry(ctx, func() error {
		var err error
		rows, err = s.db.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// QueryRow runs a single-row query. Busy waits are left to the driver's
// busy_timeout since *sql.Row defers its error to Scan.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn in a write transaction, committing on nil and rolling back
// otherwise. The whole closure is retried on busy errors, so fn must not have
// side effects outside tx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}
