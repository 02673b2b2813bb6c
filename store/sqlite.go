// Package store provides the database backends behind the query pipeline:
// an embedded SQLite database (the out-of-the-box demo) and a Postgres
// backend for external databases. Both expose the same narrow operations
// the pipeline consumes: schema inspection, read-only query execution, and
// savepoint-scoped syntax verification.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteConfig holds the configuration for the SQLite backend.
type SQLiteConfig struct {
	Logger *slog.Logger

	// Path is the database file location. Empty means a private in-memory
	// database, useful for tests.
	Path string

	// Migrate applies the embedded demo schema migrations on open.
	Migrate bool

	// Seed populates the demo fixture rows when the tables are empty.
	// Requires Migrate.
	Seed bool
}

func (c *SQLiteConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Seed && !c.Migrate {
		return errors.New("seed requires migrate")
	}
	return nil
}

// SQLite is the embedded database backend. The handle is a pool safe for
// concurrent readers; the pipeline never writes outside rolled-back
// savepoints, so concurrent runs can share one SQLite value.
type SQLite struct {
	log  *slog.Logger
	db   *sql.DB
	path string
}

// NewSQLite opens (and optionally migrates and seeds) a SQLite database.
func NewSQLite(ctx context.Context, cfg *SQLiteConfig) (*SQLite, error) {
	if cfg == nil {
		cfg = &SQLiteConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate SQLite config: %w", err)
	}

	dsn := ":memory:"
	if cfg.Path != "" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if cfg.Path == "" {
		// A pooled second connection to :memory: would see a different
		// database entirely.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s := &SQLite{
		log:  cfg.Logger,
		db:   db,
		path: cfg.Path,
	}

	if cfg.Migrate {
		if err := RunMigrations(ctx, cfg.Logger, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	if cfg.Seed {
		if err := s.seed(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to seed demo data: %w", err)
		}
	}

	return s, nil
}

// Path returns the database file location, or empty for in-memory.
func (s *SQLite) Path() string {
	return s.path
}

// MigrationStatus logs the goose status of the embedded demo migrations.
func (s *SQLite) MigrationStatus(ctx context.Context) error {
	return MigrationStatus(ctx, s.log, s.db)
}

// Ping verifies the database connection is alive.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}
