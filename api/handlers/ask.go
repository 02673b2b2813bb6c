package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/loquelabs/babelsql/agent/pkg/workflow"
	"github.com/loquelabs/babelsql/api/metrics"
)

// askTimeout bounds one full pipeline run, including model retries.
const askTimeout = 120 * time.Second

// Runner executes the question pipeline. The workflow engine satisfies it;
// tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, question string) (*workflow.Result, error)
}

// Engine is the process-wide pipeline runner, wired from main.
var Engine Runner

// SetEngine sets the pipeline runner used by Ask.
func SetEngine(r Runner) {
	Engine = r
}

type AskRequest struct {
	Question string `json:"question"`
}

// AskResponse is the JSON shape of one pipeline run. Failure is carried in
// the body: the Answer is already a localized user-facing message, and
// ErrorKind tells clients which stage rejected the question.
type AskResponse struct {
	RunID       string           `json:"run_id"`
	Question    string           `json:"question"`
	Language    string           `json:"language,omitempty"`
	Answer      string           `json:"answer"`
	SQL         string           `json:"sql,omitempty"`
	Description string           `json:"description,omitempty"`
	Columns     []string         `json:"columns,omitempty"`
	Rows        []map[string]any `json:"rows,omitempty"`
	RowCount    int              `json:"row_count"`
	Failed      bool             `json:"failed"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	Retries     int              `json:"retries"`
	ElapsedMs   int64            `json:"elapsed_ms"`
	StageMs     map[string]int64 `json:"stage_ms,omitempty"`
}

// Ask runs the full question pipeline and returns the localized answer.
func Ask(w http.ResponseWriter, r *http.Request) {
	if Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "Question pipeline is not configured")
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "Question is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), askTimeout)
	defer cancel()

	span := sentry.StartSpan(ctx, "workflow.run")
	span.Description = "question pipeline"
	result, err := Engine.Run(span.Context(), req.Question)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.Finish()
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "Question processing timed out")
			return
		}
		writeInternalError(w, "Failed to run question pipeline", err)
		return
	}
	span.Status = sentry.SpanStatusOK
	span.Finish()

	outcome := "completed"
	if result.Failed() {
		outcome = string(result.ErrorKind)
	}
	metrics.RecordWorkflowRun(outcome, result.Duration)

	resp := AskResponse{
		RunID:       result.RunID,
		Question:    result.Question,
		Language:    result.DetectedLanguage,
		Answer:      result.Answer,
		SQL:         result.SQL,
		Description: result.Description,
		Columns:     result.Columns,
		Rows:        result.Rows,
		RowCount:    result.RowCount,
		Failed:      result.Failed(),
		ErrorKind:   string(result.ErrorKind),
		Retries:     result.Iterations,
		ElapsedMs:   result.Duration.Milliseconds(),
	}
	if len(result.StageDurations) > 0 {
		resp.StageMs = make(map[string]int64, len(result.StageDurations))
		for stage, d := range result.StageDurations {
			resp.StageMs[string(stage)] = d.Milliseconds()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
