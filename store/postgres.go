package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loquelabs/babelsql/agent/pkg/workflow"
)

// PostgresConfig holds the configuration for the Postgres backend.
type PostgresConfig struct {
	Logger *slog.Logger

	// DSN is a pgx connection string or URL.
	DSN string

	// Schema is the namespace to inspect (default "public").
	Schema string

	// MaxConns bounds the pool size (default 10).
	MaxConns int32
}

func (c *PostgresConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	return nil
}

// Postgres is the external database backend, pooled via pgx.
type Postgres struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema string
}

// NewPostgres connects to a Postgres database and verifies the connection.
func NewPostgres(ctx context.Context, cfg *PostgresConfig) (*Postgres, error) {
	if cfg == nil {
		cfg = &PostgresConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate Postgres config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Postgres DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}

	return &Postgres{
		log:    cfg.Logger,
		pool:   pool,
		schema: cfg.Schema,
	}, nil
}

// Ping verifies the database connection is alive.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// FetchSchema returns the database structure in the same one-line-per-table
// format as the SQLite backend, ordered by table name.
func (p *Postgres) FetchSchema(ctx context.Context) (string, error) {
	tables, err := p.Catalog(ctx)
	if err != nil {
		return "", err
	}

	var lines []string
	for _, table := range tables {
		defs := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			defs[i] = fmt.Sprintf("%s (%s)", col.Name, col.Type)
		}
		lines = append(lines, fmt.Sprintf("- %s(%s)", table.Name, strings.Join(defs, ", ")))
	}

	return strings.Join(lines, "\n"), nil
}

// Catalog enumerates tables in the configured schema with column details
// and row counts.
func (p *Postgres) Catalog(ctx context.Context) ([]Table, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position
	`, p.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	var (
		tables  []Table
		current *Table
	)
	for rows.Next() {
		var tableName, columnName, dataType, isNullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &isNullable); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		if current == nil || current.Name != tableName {
			tables = append(tables, Table{Name: tableName})
			current = &tables[len(tables)-1]
		}
		current.Columns = append(current.Columns, Column{
			Name:    columnName,
			Type:    strings.ToUpper(dataType),
			NotNull: isNullable == "NO",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate columns: %w", err)
	}

	if err := p.markPrimaryKeys(ctx, tables); err != nil {
		return nil, err
	}

	for i := range tables {
		ident := pgx.Identifier{p.schema, tables[i].Name}.Sanitize()
		if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+ident).Scan(&tables[i].RowCount); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", tables[i].Name, err)
		}
	}

	return tables, nil
}

func (p *Postgres) markPrimaryKeys(ctx context.Context, tables []Table) error {
	rows, err := p.pool.Query(ctx, `
		SELECT kcu.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1
	`, p.schema)
	if err != nil {
		return fmt.Errorf("failed to list primary keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]map[string]bool)
	for rows.Next() {
		var tableName, columnName string
		if err := rows.Scan(&tableName, &columnName); err != nil {
			return fmt.Errorf("failed to scan primary key: %w", err)
		}
		if keys[tableName] == nil {
			keys[tableName] = make(map[string]bool)
		}
		keys[tableName][columnName] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate primary keys: %w", err)
	}

	for i := range tables {
		for j := range tables[i].Columns {
			if keys[tables[i].Name][tables[i].Columns[j].Name] {
				tables[i].Columns[j].PrimaryKey = true
			}
		}
	}
	return nil
}

// Query executes a read-only SQL statement and returns materialized
// results, capped at maxResultRows.
func (p *Postgres) Query(ctx context.Context, query string) (workflow.QueryResult, error) {
	query = strings.TrimSuffix(strings.TrimSpace(query), ";")

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return workflow.QueryResult{SQL: query}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var (
		resultRows []map[string]any
		truncated  bool
	)
	for rows.Next() {
		if len(resultRows) >= maxResultRows {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return workflow.QueryResult{SQL: query}, fmt.Errorf("failed to read row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return workflow.QueryResult{SQL: query}, fmt.Errorf("failed to iterate rows: %w", err)
	}

	workflow.SanitizeRows(resultRows)

	result := workflow.QueryResult{
		SQL:       query,
		Columns:   columns,
		Rows:      resultRows,
		Count:     len(resultRows),
		Truncated: truncated,
	}
	result.Formatted = FormatResult(result)

	return result, nil
}

// Verify runs a candidate statement inside a savepoint on a transaction
// that is always rolled back. Nothing is ever committed.
func (p *Postgres) Verify(ctx context.Context, query string) error {
	query = strings.TrimSuffix(strings.TrimSpace(query), ";")

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin verification transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SAVEPOINT sql_check"); err != nil {
		return fmt.Errorf("failed to open verification savepoint: %w", err)
	}

	_, execErr := tx.Exec(ctx, query)

	if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT sql_check"); err != nil {
		if execErr != nil {
			return execErr
		}
		return fmt.Errorf("failed to roll back verification savepoint: %w", err)
	}

	return execErr
}
