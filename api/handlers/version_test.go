package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquelabs/babelsql/api/handlers"
)

func TestGetVersion(t *testing.T) {
	handlers.SetBuildInfo("1.2.3", "abc123", "2026-08-24")
	t.Cleanup(func() { handlers.SetBuildInfo("dev", "none", "unknown") })

	rr := httptest.NewRecorder()
	handlers.GetVersion(rr, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.VersionResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "abc123", resp.Commit)
	assert.Equal(t, "2026-08-24", resp.Date)
}
