package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Stage names one step of the query pipeline. Stage values appear in logs,
// metrics labels, and progress callbacks, so they are part of the public
// surface and must stay stable.
type Stage string

const (
	StageTranslateInput  Stage = "translate_input"
	StagePreSafetyCheck  Stage = "pre_safety_check"
	StageSchemaExtract   Stage = "schema_extract"
	StageContextCheck    Stage = "context_check"
	StageGenerate        Stage = "generate"
	StagePostSafetyCheck Stage = "post_safety_check"
	StageSQLCheck        Stage = "sql_check"
	StageRunQuery        Stage = "run_query"
	StageTranslateAnswer Stage = "translate_answer"
)

// ErrorKind classifies how a run failed. Empty means success.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindSchemaUnavailable ErrorKind = "schema_unavailable"
	ErrKindInputRejected     ErrorKind = "input_rejected_unsafe"
	ErrKindNotRelevant       ErrorKind = "not_relevant"
	ErrKindGenerationFailed  ErrorKind = "generation_failed"
	ErrKindOutputRejected    ErrorKind = "output_rejected_unsafe"
	ErrKindSyntaxInvalid     ErrorKind = "syntax_invalid"
	ErrKindExecutionFailed   ErrorKind = "execution_failed"
)

// Retryable reports whether a failure of this kind may loop back to the
// generate stage. Only failures of the generated statement itself are
// retryable; everything upstream or downstream terminates the run.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindOutputRejected || k == ErrKindSyntaxInvalid
}

// Candidate is the structured output of the generation stage.
type Candidate struct {
	Description string `json:"description"`
	Statement   string `json:"sql"`
}

// State is the single mutable record threaded through every stage of one
// run. One State is created per incoming question and discarded after the
// response is assembled; it is owned exclusively by its run.
type State struct {
	RunID            string
	OriginalQuestion string
	WorkingQuestion  string
	DetectedLanguage string
	DatabaseSchema   string
	RetrievedContext []string
	Candidate        *Candidate
	Result           *QueryResult
	NoRecordsFound   bool

	// ErrorFlag marks the state terminal-bound. Once set with retries
	// exhausted, only translate_answer may still run.
	ErrorFlag    bool
	ErrorMessage string
	ErrorKind    ErrorKind

	// Iterations counts retries of the generation cycle, zero on the first
	// attempt. It never exceeds MaxRetries.
	Iterations int

	// Answer is the final user-facing text, localized to the detected
	// input language when possible.
	Answer string

	// TranslationDegraded records that input translation fell back to the
	// original text. Informational only, never fatal.
	TranslationDegraded bool

	// lastFailure carries the most recent safety/syntax failure reason
	// back into the next generation prompt.
	lastFailure string

	// stageDurations collects per-stage wall time for logging and metrics.
	stageDurations map[Stage]time.Duration
}

// Translation is the result of one translation call.
type Translation struct {
	Text             string
	DetectedLanguage string
}

// LLMClient is the interface for text completion against a language model.
type LLMClient interface {
	// Complete sends a system and user prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Translator converts text between a source language and a target language.
// Implementations must degrade gracefully: on failure they return the input
// unchanged with DetectedLanguage "unknown" rather than an error the
// pipeline would have to special-case.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (Translation, error)
}

// Retriever searches the reference snippet index.
type Retriever interface {
	// Search returns up to k snippets ordered by relevance. An empty
	// result is valid.
	Search(ctx context.Context, query string, k int) ([]string, error)
}

// Querier executes read-only SQL.
type Querier interface {
	// Query executes a SQL query and returns materialized results.
	Query(ctx context.Context, sql string) (QueryResult, error)
}

// SchemaFetcher retrieves database schema information.
type SchemaFetcher interface {
	// FetchSchema returns a formatted string describing the database schema.
	FetchSchema(ctx context.Context) (string, error)
}

// SyntaxVerifier checks a candidate statement inside a rollback-only scope.
// A nil return means the statement prepared and executed cleanly; the
// underlying database is left byte-identical either way.
type SyntaxVerifier interface {
	Verify(ctx context.Context, sql string) error
}

// PromptsProvider provides access to prompt templates.
type PromptsProvider interface {
	// GetPrompt returns the prompt content for the given name.
	GetPrompt(name string) string
}

// QueryResult holds the result of a query execution.
type QueryResult struct {
	SQL       string
	Columns   []string
	Rows      []map[string]any
	Count     int
	Truncated bool   // true when the row cap cut off the result set
	Formatted string // human-readable formatted result
}

// Progress reports a stage transition to an observer.
type Progress struct {
	Stage   Stage
	Attempt int           // generation attempt number, nonzero only inside the generate cycle
	SQL     string        // candidate statement, once one exists
	Err     string        // failure reason, when the stage flagged one
	Elapsed time.Duration // wall time spent in the stage
}

// ProgressCallback is invoked at each stage boundary. Callbacks run on the
// run's goroutine and should return quickly.
type ProgressCallback func(Progress)

// Config holds the wiring for an Engine. LLM, Querier, SchemaFetcher and
// Verifier are required; the rest default sensibly in Validate.
type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	LLM           LLMClient
	Translator    Translator
	Retriever     Retriever
	Querier       Querier
	SchemaFetcher SchemaFetcher
	Verifier      SyntaxVerifier
	Prompts       PromptsProvider

	// MaxRetries bounds the generate cycle (default 3).
	MaxRetries int
	// RetrieveK is how many reference snippets to fetch per generation
	// (default 4).
	RetrieveK int
	// WorkingLanguage is the language all generation and validation runs
	// in (default "en").
	WorkingLanguage string

	OnProgress ProgressCallback
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.SchemaFetcher == nil {
		return errors.New("schema fetcher is required")
	}
	if c.Verifier == nil {
		return errors.New("syntax verifier is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Translator == nil {
		c.Translator = IdentityTranslator{}
	}
	if c.Prompts == nil {
		prompts, err := LoadPrompts()
		if err != nil {
			return fmt.Errorf("failed to load default prompts: %w", err)
		}
		c.Prompts = prompts
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetrieveK <= 0 {
		c.RetrieveK = DefaultRetrieveK
	}
	if c.WorkingLanguage == "" {
		c.WorkingLanguage = DefaultWorkingLanguage
	}
	return nil
}

// Result is the terminal output of one run.
type Result struct {
	RunID            string
	Question         string
	DetectedLanguage string
	Answer           string
	SQL              string
	Description      string
	Columns          []string
	Rows             []map[string]any
	RowCount         int
	NoRecordsFound   bool
	Iterations       int
	ErrorKind        ErrorKind
	ErrorMessage     string
	Duration         time.Duration
	StageDurations   map[Stage]time.Duration
}

// Failed reports whether the run terminated on an error.
func (r *Result) Failed() bool {
	return r.ErrorKind != ErrKindNone
}
