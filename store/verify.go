package store

import (
	"context"
	"fmt"
	"strings"
)

// Verify runs a candidate statement inside a savepoint and rolls it back
// unconditionally. A nil return means the statement prepared and executed
// cleanly; either way the database comes out unchanged. The returned error
// is the bare driver error so callers can surface it verbatim.
func (s *SQLite) Verify(ctx context.Context, query string) error {
	query = strings.TrimSuffix(strings.TrimSpace(query), ";")

	// A dedicated session, so the savepoint pair is not interleaved with
	// other pooled work.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SAVEPOINT sql_check"); err != nil {
		return fmt.Errorf("failed to open verification savepoint: %w", err)
	}

	_, execErr := conn.ExecContext(ctx, query)

	if _, err := conn.ExecContext(ctx, "ROLLBACK TO sql_check"); err != nil {
		// Some failures abort the implicit transaction and take the
		// savepoint with them; make sure nothing stays open on the
		// pooled connection.
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		if execErr != nil {
			return execErr
		}
		return fmt.Errorf("failed to roll back verification savepoint: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "RELEASE sql_check"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		if execErr == nil {
			return fmt.Errorf("failed to release verification savepoint: %w", err)
		}
	}

	return execErr
}
