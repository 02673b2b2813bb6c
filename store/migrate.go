package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
)

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// RunMigrations applies all embedded SQL migrations to the demo database
// using goose.
func RunMigrations(ctx context.Context, log *slog.Logger, db *sql.DB) error {
	log.Info("running demo database migrations with goose")

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("demo database migrations completed successfully")
	return nil
}

// MigrationStatus logs the status of all migrations.
func MigrationStatus(ctx context.Context, log *slog.Logger, db *sql.DB) error {
	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.StatusContext(ctx, db, "migrations")
}
