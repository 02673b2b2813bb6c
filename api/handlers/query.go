package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/loquelabs/babelsql/agent/pkg/workflow"
	"github.com/loquelabs/babelsql/api/config"
	"github.com/loquelabs/babelsql/api/metrics"
)

// queryTimeout bounds direct SQL execution.
const queryTimeout = 60 * time.Second

// queryValidator screens direct SQL with the same rules the pipeline
// applies to generated statements.
var queryValidator = workflow.NewValidator()

type QueryRequest struct {
	Query string `json:"query"`
}

type QueryResponse struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"`
	ElapsedMs int64            `json:"elapsed_ms"`
	Error     string           `json:"error,omitempty"`
}

// ExecuteQuery runs a read-only SQL statement against the active backend.
// Execution failures are reported in the body so clients can surface them
// verbatim; malformed requests and rejected statements get an HTTP error
// status instead.
func ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "Query is required")
		return
	}

	if verdict := queryValidator.Check(query); verdict.Unsafe {
		writeError(w, http.StatusForbidden, "Query rejected: "+verdict.Reason())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	start := time.Now()
	result, err := config.DB.Query(ctx, query)
	duration := time.Since(start)
	metrics.RecordQuery(duration, err)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		_ = json.NewEncoder(w).Encode(QueryResponse{
			Error:     SanitizeError(err),
			ElapsedMs: duration.Milliseconds(),
		})
		return
	}

	_ = json.NewEncoder(w).Encode(QueryResponse{
		Columns:   result.Columns,
		Rows:      result.Rows,
		RowCount:  result.Count,
		Truncated: result.Truncated,
		ElapsedMs: duration.Milliseconds(),
	})
}
