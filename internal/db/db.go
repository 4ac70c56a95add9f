// Package db opens the agent's SQLite database and applies its schema
// migrations.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the agent database.
type DB struct {
	db   *sql.DB
	path string
}

// Options configures the database.
type Options struct {
	// Path to the SQLite database file.
	// If empty, uses a private in-memory database.
	Path string

	// CreateIfNotExists creates the parent directory if it doesn't exist.
	CreateIfNotExists bool
}

var memSeq atomic.Int64

// Open opens the database and migrates it to the latest schema version.
func Open(ctx context.Context, opts Options) (*DB, error) {
	var dsn string

	if opts.Path == "" {
		// Each in-memory database gets its own name so callers never share state.
		dsn = fmt.Sprintf("file:herald-mem-%d?mode=memory&cache=shared&_pragma=foreign_keys(ON)", memSeq.Add(1))
	} else {
		if opts.CreateIfNotExists {
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		// synchronous(FULL) makes every committed write durable before
		// the commit returns.
		dsn = opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{db: sqlDB, path: opts.Path}
	if err := d.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, d.db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// SQL returns the underlying connection pool for the stores built on it.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Path returns the database file path, empty for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// WithTx executes fn within a transaction.
// If fn returns an error, the transaction is rolled back.
// Otherwise, the transaction is committed.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UnixNano converts a stored timestamp column back to a time.Time.
// Zero maps to the zero time.
func UnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Nanos converts t to a storable column value. The zero time maps to 0.
func Nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
