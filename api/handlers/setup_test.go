package handlers_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loquelabs/babelsql/api/config"
	"github.com/loquelabs/babelsql/api/handlers"
	"github.com/loquelabs/babelsql/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestStore points the handlers at a fresh in-memory demo database and
// restores the previous backend on cleanup.
func setupTestStore(t *testing.T) *store.SQLite {
	t.Helper()

	s, err := store.NewSQLite(t.Context(), &store.SQLiteConfig{
		Logger:  discardLogger(),
		Migrate: true,
		Seed:    true,
	})
	require.NoError(t, err)

	prev := config.DB
	config.DB = s
	t.Cleanup(func() {
		config.DB = prev
		_ = s.Close()
	})
	return s
}

// setEngine swaps the pipeline runner for one test.
func setEngine(t *testing.T, r handlers.Runner) {
	t.Helper()
	prev := handlers.Engine
	handlers.SetEngine(r)
	t.Cleanup(func() { handlers.SetEngine(prev) })
}

// stubLLM drives the real pipeline deterministically: both screens pass and
// generation always returns the configured response.
type stubLLM struct {
	response string
}

func (s *stubLLM) Complete(_ context.Context, system, _ string) (string, error) {
	switch {
	case strings.Contains(system, "content screen"):
		return "safe", nil
	case strings.Contains(system, "can be answered"):
		return "relevant", nil
	default:
		return s.response, nil
	}
}
