// Package sqlite opens and migrates the embedded SQLite database used as the
// relay's default schedule and delivery store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // cgo-free sqlite driver
)

// DBOptions contains SQLite connection settings.
type DBOptions struct {
	// ConnMaxLifetime is the maximum connection lifetime.
	ConnMaxLifetime time.Duration
	// MaxOpenConns is kept low: SQLite has a single writer.
	MaxOpenConns int
	// MaxIdleConns is the idle connection cap.
	MaxIdleConns int
	// PingTimeout bounds the connectivity check at open time.
	PingTimeout time.Duration
	// BusyTimeout is how long a statement waits on SQLITE_BUSY.
	BusyTimeout time.Duration
}

// DefaultDBOptions returns settings tuned for embedded use.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		ConnMaxLifetime: time.Hour,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		PingTimeout:     5 * time.Second,
		BusyTimeout:     5 * time.Second,
	}
}

// NewDB opens the database at dbPath, creating the parent directory if
// needed, and applies WAL mode and foreign key enforcement.
func NewDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	return NewDBWithOptions(ctx, dbPath, DefaultDBOptions())
}

// NewDBWithOptions opens the database with explicit settings.
func NewDBWithOptions(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", dir, err)
		}
	}

	dsn := dbPath
	if opts.BusyTimeout > 0 {
		dsn = fmt.Sprintf("%s?_busy_timeout=%d", dbPath, opts.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return db, nil
}
