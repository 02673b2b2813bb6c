// Package config wires the API server's environment configuration and the
// shared database backend.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/loquelabs/babelsql/agent/pkg/workflow"
	"github.com/loquelabs/babelsql/store"
)

// Backend is the database surface the API consumes: the pipeline operations
// plus catalog inspection and lifecycle.
type Backend interface {
	workflow.SchemaFetcher
	workflow.SyntaxVerifier
	workflow.Querier
	Catalog(ctx context.Context) ([]store.Table, error)
	Ping(ctx context.Context) error
	Close() error
}

// DB is the active database backend, set by Load.
var DB Backend

// Settings holds the parsed environment configuration.
type Settings struct {
	// DatabasePath locates the embedded SQLite demo database.
	DatabasePath string

	// DatabaseURL, when set, points the API at an external Postgres
	// database instead of the embedded demo.
	DatabaseURL string

	// Model overrides the default Anthropic model when set.
	Model string

	MaxRetries int
	RetrieveK  int
}

var settings Settings

// Current returns the settings parsed by Load.
func Current() Settings {
	return settings
}

const defaultDatabasePath = "data/demo.db"

// Load parses environment variables and opens the database backend. When
// DATABASE_URL is set the API serves that Postgres database; otherwise it
// opens the embedded SQLite demo database at DATABASE_PATH, creating,
// migrating and seeding it as needed.
func Load(ctx context.Context, log *slog.Logger) error {
	settings = Settings{
		DatabasePath: os.Getenv("DATABASE_PATH"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Model:        os.Getenv("ANTHROPIC_MODEL"),
	}
	if settings.DatabasePath == "" {
		settings.DatabasePath = defaultDatabasePath
	}

	var err error
	settings.MaxRetries, err = intFromEnv("MAX_RETRIES", workflow.DefaultMaxRetries)
	if err != nil {
		return err
	}
	settings.RetrieveK, err = intFromEnv("RETRIEVE_K", workflow.DefaultRetrieveK)
	if err != nil {
		return err
	}

	if settings.DatabaseURL != "" {
		log.InfoContext(ctx, "using Postgres backend")
		pg, err := store.NewPostgres(ctx, &store.PostgresConfig{
			Logger: log,
			DSN:    settings.DatabaseURL,
			Schema: os.Getenv("DATABASE_SCHEMA"),
		})
		if err != nil {
			return fmt.Errorf("failed to open Postgres backend: %w", err)
		}
		DB = pg
		return nil
	}

	log.InfoContext(ctx, "using SQLite backend", "path", settings.DatabasePath)
	sq, err := store.NewSQLite(ctx, &store.SQLiteConfig{
		Logger:  log,
		Path:    settings.DatabasePath,
		Migrate: true,
		Seed:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to open SQLite backend: %w", err)
	}
	DB = sq
	return nil
}

// Close releases the database backend.
func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}
