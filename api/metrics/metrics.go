// Package metrics exposes Prometheus instrumentation for the API server:
// HTTP traffic, model usage, SQL execution and workflow outcomes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo is set once at startup with the binary's version labels.
var BuildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "babelsql_build_info",
		Help: "Build information, always 1.",
	},
	[]string{"version", "commit", "date"},
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babelsql_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "babelsql_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babelsql_llm_requests_total",
			Help: "Total number of model API calls.",
		},
		[]string{"operation", "status"},
	)

	llmRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "babelsql_llm_request_duration_seconds",
			Help:    "Model API call latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"operation"},
	)

	llmTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babelsql_llm_tokens_total",
			Help: "Total number of model tokens consumed.",
		},
		[]string{"direction"},
	)

	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babelsql_queries_total",
			Help: "Total number of SQL queries executed against the database.",
		},
		[]string{"status"},
	)

	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "babelsql_query_duration_seconds",
			Help:    "SQL query execution latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workflowRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babelsql_workflow_runs_total",
			Help: "Total number of question workflow runs by outcome.",
		},
		[]string{"outcome"},
	)

	workflowRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "babelsql_workflow_run_duration_seconds",
			Help:    "End-to-end question workflow latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	workflowStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "babelsql_workflow_stage_duration_seconds",
			Help:    "Per-stage question workflow latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		BuildInfo,
		httpRequestsTotal,
		httpRequestDurationSeconds,
		llmRequestsTotal,
		llmRequestDurationSeconds,
		llmTokensTotal,
		queriesTotal,
		queryDurationSeconds,
		workflowRunsTotal,
		workflowRunDurationSeconds,
		workflowStageDurationSeconds,
	)
}

// Middleware records request counts and latencies, labeled by the chi route
// pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		label := strconv.Itoa(status)
		httpRequestsTotal.WithLabelValues(r.Method, path, label).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, path, label).Observe(time.Since(start).Seconds())
	})
}

// RecordLLMRequest counts one model API call and its latency.
func RecordLLMRequest(operation string, duration time.Duration, err error) {
	llmRequestsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	llmRequestDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLLMTokens accumulates model token usage.
func RecordLLMTokens(input, output int64) {
	if input > 0 {
		llmTokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		llmTokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

// RecordQuery counts one SQL execution against the database.
func RecordQuery(duration time.Duration, err error) {
	queriesTotal.WithLabelValues(statusLabel(err)).Inc()
	queryDurationSeconds.Observe(duration.Seconds())
}

// RecordWorkflowRun counts one completed workflow run. The outcome is
// "completed" or the failure kind.
func RecordWorkflowRun(outcome string, duration time.Duration) {
	workflowRunsTotal.WithLabelValues(outcome).Inc()
	workflowRunDurationSeconds.Observe(duration.Seconds())
}

// RecordWorkflowStage records the latency of a single workflow stage.
func RecordWorkflowStage(stage string, duration time.Duration) {
	workflowStageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// LLMRecorder feeds model accounting from the workflow into these metrics.
type LLMRecorder struct{}

func (LLMRecorder) RecordLLMRequest(operation string, duration time.Duration, err error) {
	RecordLLMRequest(operation, duration, err)
}

func (LLMRecorder) RecordLLMTokens(input, output int64) {
	RecordLLMTokens(input, output)
}
