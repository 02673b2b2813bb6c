package config

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadSQLiteBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "demo.db"))
	t.Setenv("MAX_RETRIES", "2")
	t.Setenv("RETRIEVE_K", "6")

	require.NoError(t, Load(t.Context(), discardLogger()))
	t.Cleanup(func() { _ = Close() })

	require.NotNil(t, DB)
	require.NoError(t, DB.Ping(t.Context()))

	schema, err := DB.FetchSchema(t.Context())
	require.NoError(t, err)
	assert.Contains(t, schema, "Customers")

	s := Current()
	assert.Equal(t, 2, s.MaxRetries)
	assert.Equal(t, 6, s.RetrieveK)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "demo.db"))
	t.Setenv("MAX_RETRIES", "")
	t.Setenv("RETRIEVE_K", "")

	require.NoError(t, Load(t.Context(), discardLogger()))
	t.Cleanup(func() { _ = Close() })

	s := Current()
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, 4, s.RetrieveK)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "non-numeric retries", key: "MAX_RETRIES", value: "many"},
		{name: "negative retries", key: "MAX_RETRIES", value: "-1"},
		{name: "non-numeric k", key: "RETRIEVE_K", value: "lots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "demo.db"))
			t.Setenv("MAX_RETRIES", "")
			t.Setenv("RETRIEVE_K", "")
			t.Setenv(tt.key, tt.value)

			err := Load(t.Context(), discardLogger())
			require.ErrorContains(t, err, tt.key)
		})
	}
}
