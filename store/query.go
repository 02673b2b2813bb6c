package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loquelabs/babelsql/agent/pkg/workflow"
)

// maxResultRows caps how many rows a query materializes. Results past the
// cap set Truncated instead of growing without bound.
const maxResultRows = 50

// Query executes a read-only SQL statement and returns materialized
// results. Statement vetting happens upstream; this method only runs what
// it is given.
func (s *SQLite) Query(ctx context.Context, query string) (workflow.QueryResult, error) {
	return runQuery(ctx, s.db, query)
}

func runQuery(ctx context.Context, db *sql.DB, query string) (workflow.QueryResult, error) {
	query = strings.TrimSuffix(strings.TrimSpace(query), ";")

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return workflow.QueryResult{SQL: query}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return workflow.QueryResult{SQL: query}, fmt.Errorf("failed to read columns: %w", err)
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

		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return workflow.QueryResult{SQL: query}, fmt.Errorf("failed to scan row: %w", err)
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

// FormatResult creates a human-readable rendering of a query result.
func FormatResult(result workflow.QueryResult) string {
	if len(result.Rows) == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Results (%d rows):\n", result.Count))
	sb.WriteString("Columns: " + strings.Join(result.Columns, " | ") + "\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")

	for _, row := range result.Rows {
		values := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			values[i] = workflow.FormatValue(row[col])
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}

	if result.Truncated {
		sb.WriteString(fmt.Sprintf("... truncated at %d rows\n", maxResultRows))
	}

	return sb.String()
}
