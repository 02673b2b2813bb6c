package store

import (
	"context"
	"fmt"
	"strings"
)

// Column describes one column of a user table.
type Column struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
}

// Table describes one user table with its live row count.
type Table struct {
	Name     string
	RowCount int64
	Columns  []Column
}

// FetchSchema returns the database structure as one line per table:
//
//	- Customers(CustomerID (INTEGER), CustomerName (TEXT), ...)
//
// Tables are ordered by name so the output is byte-stable for an unchanged
// database. This text goes verbatim into generation and relevance prompts.
func (s *SQLite) FetchSchema(ctx context.Context) (string, error) {
	tables, err := s.tableNames(ctx)
	if err != nil {
		return "", err
	}

	var lines []string
	for _, table := range tables {
		columns, err := s.tableColumns(ctx, table)
		if err != nil {
			return "", err
		}
		defs := make([]string, len(columns))
		for i, col := range columns {
			defs[i] = fmt.Sprintf("%s (%s)", col.Name, col.Type)
		}
		lines = append(lines, fmt.Sprintf("- %s(%s)", table, strings.Join(defs, ", ")))
	}

	return strings.Join(lines, "\n"), nil
}

// Catalog enumerates the user tables with column details and row counts.
func (s *SQLite) Catalog(ctx context.Context) ([]Table, error) {
	names, err := s.tableNames(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		columns, err := s.tableColumns(ctx, name)
		if err != nil {
			return nil, err
		}
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", name)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", name, err)
		}
		tables = append(tables, Table{Name: name, RowCount: count, Columns: columns})
	}

	return tables, nil
}

// tableNames lists user tables, excluding SQLite internals and the goose
// version table.
func (s *SQLite) tableNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite_%'
		  AND name NOT LIKE 'goose_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tables: %w", err)
	}
	return names, nil
}

func (s *SQLite) tableColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var (
			cid        int
			name       string
			typ        string
			notNull    int
			defaultVal any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		columns = append(columns, Column{
			Name:       name,
			Type:       typ,
			NotNull:    notNull != 0,
			PrimaryKey: pk != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate columns of %s: %w", table, err)
	}
	return columns, nil
}
