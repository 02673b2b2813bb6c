// Package apitesting provides a Postgres test container and helpers for
// pointing the API at an isolated per-test schema.
package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loquelabs/babelsql/api/config"
	"github.com/loquelabs/babelsql/store"
)

// DBConfig holds the Postgres test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "postgres"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB represents a Postgres test container.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	dsn       string
	container *tcpostgres.PostgresContainer
}

// DSN returns the connection string for the container's admin database.
func (db *DB) DSN() string {
	return db.dsn
}

// Username returns the Postgres username.
func (db *DB) Username() string {
	return db.cfg.Username
}

// Password returns the Postgres password.
func (db *DB) Password() string {
	return db.cfg.Password
}

// Database returns the Postgres database name.
func (db *DB) Database() string {
	return db.cfg.Database
}

// Close terminates the Postgres container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Postgres container", "error", err)
	}
}

// NewDB creates a new Postgres testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate Postgres DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2)),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres connection string: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		dsn:       dsn,
		container: container,
	}, nil
}

// SetupTestDB creates an empty schema in the container, points config.DB at
// it and restores the previous backend on cleanup.
func SetupTestDB(t *testing.T, db *DB) {
	SetupTestDBWithData(t, db, nil)
}

// SetupTestDBWithData is SetupTestDB plus a seed hook. The seed connection
// has its search_path set to the test schema, so unqualified DDL and inserts
// land in the right place.
func SetupTestDBWithData(t *testing.T, db *DB, seed func(ctx context.Context, conn *pgx.Conn) error) {
	ctx := t.Context()

	// Create a unique schema for this test
	randomSuffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	schemaName := fmt.Sprintf("test_%s", randomSuffix)
	schemaDSN := db.dsn + "&search_path=" + schemaName

	adminConn, err := pgx.Connect(ctx, db.dsn)
	require.NoError(t, err, "failed to create Postgres admin connection")

	_, err = adminConn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err, "failed to create test schema")

	if seed != nil {
		seedConn, err := pgx.Connect(ctx, schemaDSN)
		require.NoError(t, err, "failed to create Postgres seed connection")
		seedErr := seed(ctx, seedConn)
		_ = seedConn.Close(ctx)
		require.NoError(t, seedErr, "failed to seed test schema")
	}

	backend, err := store.NewPostgres(ctx, &store.PostgresConfig{
		Logger: slog.Default(),
		DSN:    schemaDSN,
		Schema: schemaName,
	})
	require.NoError(t, err, "failed to create Postgres backend")

	// Save old config and swap
	oldDB := config.DB
	config.DB = backend

	t.Cleanup(func() {
		_ = backend.Close()
		_, _ = adminConn.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		_ = adminConn.Close(context.Background())
		config.DB = oldDB
	})
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
