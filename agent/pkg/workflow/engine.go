package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultMaxRetries bounds how many times a rejected or invalid
	// statement may be regenerated before the run terminates.
	DefaultMaxRetries = 3

	// DefaultRetrieveK is how many reference snippets are fetched per
	// generation attempt.
	DefaultRetrieveK = 4

	// DefaultWorkingLanguage is the language the pipeline reasons in.
	// Questions are translated into it and answers translated back out.
	DefaultWorkingLanguage = "en"

	// LanguageUnknown marks a question whose language could not be
	// detected. Answer translation is skipped for such runs.
	LanguageUnknown = "unknown"
)

// User-facing refusal and failure messages. They are composed in the working
// language and localized by the final stage.
const (
	msgDisallowedInput    = "Your query contains disallowed SQL operations and cannot be processed."
	msgInappropriateInput = "Your query contains inappropriate content and cannot be processed."
	msgSchemaUnavailable  = "The database schema could not be read and your question cannot be processed."
	msgNotRelevant        = "Your question is not related to the database and cannot be processed."
	msgGenerationFailed   = "Sorry, a SQL query could not be generated for your question."
	msgNoRecords          = "No records found for your query."
)

// outcome tells the dispatch loop where to go after a stage returns.
type outcome int

const (
	// outcomeProceed advances to the next stage in pipeline order.
	outcomeProceed outcome = iota
	// outcomeRetry loops back to the generate stage for another attempt.
	outcomeRetry
	// outcomeFail jumps straight to translate_answer with the failure
	// recorded on the state.
	outcomeFail
	// outcomeDone ends the run.
	outcomeDone
)

// nextStage is the nominal pipeline order. Retry and failure transitions are
// resolved by the dispatch loop from the stage outcome, so this table is the
// only place the forward order is written down.
var nextStage = map[Stage]Stage{
	StageTranslateInput:  StagePreSafetyCheck,
	StagePreSafetyCheck:  StageSchemaExtract,
	StageSchemaExtract:   StageContextCheck,
	StageContextCheck:    StageGenerate,
	StageGenerate:        StagePostSafetyCheck,
	StagePostSafetyCheck: StageSQLCheck,
	StageSQLCheck:        StageRunQuery,
	StageRunQuery:        StageTranslateAnswer,
}

// Engine drives a natural-language question through the full query pipeline:
// translate, screen, ground against the schema, generate SQL, validate it,
// execute it, and localize the answer.
type Engine struct {
	log             *slog.Logger
	clock           clockwork.Clock
	llm             LLMClient
	translator      Translator
	retriever       Retriever
	querier         Querier
	schemaFetcher   SchemaFetcher
	verifier        SyntaxVerifier
	prompts         PromptsProvider
	validator       *Validator
	maxRetries      int
	retrieveK       int
	workingLanguage string
	onProgress      ProgressCallback
}

// New creates an Engine from the given config.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow config: %w", err)
	}
	return &Engine{
		log:             cfg.Logger,
		clock:           cfg.Clock,
		llm:             cfg.LLM,
		translator:      cfg.Translator,
		retriever:       cfg.Retriever,
		querier:         cfg.Querier,
		schemaFetcher:   cfg.SchemaFetcher,
		verifier:        cfg.Verifier,
		prompts:         cfg.Prompts,
		validator:       NewValidator(),
		maxRetries:      cfg.MaxRetries,
		retrieveK:       cfg.RetrieveK,
		workingLanguage: cfg.WorkingLanguage,
		onProgress:      cfg.OnProgress,
	}, nil
}

// Run processes one question to completion and returns the terminal result.
// Pipeline failures (rejected input, invalid SQL, execution errors) are
// reported inside the Result, not as an error; the returned error is non-nil
// only for context cancellation or an empty question.
func (e *Engine) Run(ctx context.Context, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question is required")
	}

	state := &State{
		RunID:            uuid.New().String(),
		OriginalQuestion: question,
		WorkingQuestion:  question,
		DetectedLanguage: LanguageUnknown,
		stageDurations:   make(map[Stage]time.Duration),
	}

	start := e.clock.Now()
	e.logInfo(ctx, "workflow run started",
		"run_id", state.RunID,
		"question", truncate(question, 200),
	)

	// Upper bound on stage executions: four stages before the generate
	// cycle, at most MaxRetries+1 cycles of three stages each, and the
	// final answer stage. The guard keeps termination independent of stage
	// behavior.
	maxSteps := 4 + 3*(e.maxRetries+1) + 1

	stage := StageTranslateInput
	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("workflow canceled at stage %s: %w", stage, err)
		}
		if steps >= maxSteps {
			return nil, fmt.Errorf("workflow exceeded %d stage executions without terminating", maxSteps)
		}

		stageStart := e.clock.Now()
		out := e.runStage(ctx, stage, state)
		elapsed := e.clock.Since(stageStart)
		state.stageDurations[stage] += elapsed
		e.reportProgress(stage, state, elapsed, out)

		switch out {
		case outcomeProceed:
			stage = nextStage[stage]
		case outcomeRetry:
			state.Iterations++
			stage = StageGenerate
		case outcomeFail:
			stage = StageTranslateAnswer
		case outcomeDone:
			return e.finish(ctx, state, e.clock.Since(start)), nil
		}
	}
}

func (e *Engine) runStage(ctx context.Context, stage Stage, state *State) outcome {
	switch stage {
	case StageTranslateInput:
		return e.translateInput(ctx, state)
	case StagePreSafetyCheck:
		return e.preSafetyCheck(ctx, state)
	case StageSchemaExtract:
		return e.schemaExtract(ctx, state)
	case StageContextCheck:
		return e.contextCheck(ctx, state)
	case StageGenerate:
		return e.generate(ctx, state)
	case StagePostSafetyCheck:
		return e.postSafetyCheck(ctx, state)
	case StageSQLCheck:
		return e.sqlCheck(ctx, state)
	case StageRunQuery:
		return e.runQuery(ctx, state)
	case StageTranslateAnswer:
		return e.translateAnswer(ctx, state)
	default:
		e.logError(ctx, "unknown workflow stage", "run_id", state.RunID, "stage", stage)
		return e.failOrRetry(ctx, state, ErrKindGenerationFailed, msgGenerationFailed)
	}
}

// failOrRetry records a stage failure and decides whether the generate cycle
// may run again. Only retryable kinds with retry budget left loop back;
// everything else marks the state terminal-bound.
func (e *Engine) failOrRetry(ctx context.Context, state *State, kind ErrorKind, message string) outcome {
	state.lastFailure = message
	if kind.Retryable() && state.Iterations < e.maxRetries {
		e.logWarn(ctx, "stage failed, retrying generation",
			"run_id", state.RunID,
			"kind", string(kind),
			"attempt", state.Iterations+1,
			"reason", truncate(message, 200),
		)
		return outcomeRetry
	}
	state.ErrorFlag = true
	state.ErrorKind = kind
	state.ErrorMessage = message
	return outcomeFail
}

// translateInput normalizes the question into the working language. Failure
// is never fatal: the pipeline continues with the original text and answer
// translation is skipped later.
func (e *Engine) translateInput(ctx context.Context, state *State) outcome {
	tr, err := e.translator.Translate(ctx, state.OriginalQuestion, e.workingLanguage)
	if err != nil {
		e.logWarn(ctx, "input translation failed, continuing with original text",
			"run_id", state.RunID, "error", err)
		state.DetectedLanguage = LanguageUnknown
		state.TranslationDegraded = true
		return outcomeProceed
	}
	state.DetectedLanguage = normalizeLanguage(tr.DetectedLanguage)
	if text := strings.TrimSpace(tr.Text); text != "" {
		state.WorkingQuestion = text
	} else {
		state.TranslationDegraded = true
	}
	e.logInfo(ctx, "input translated",
		"run_id", state.RunID,
		"language", state.DetectedLanguage,
		"question", truncate(state.WorkingQuestion, 200),
	)
	return outcomeProceed
}

// preSafetyCheck screens the raw question before any model or database work.
// The pattern validator is authoritative; the content screen below it is
// advisory and skipped when unavailable.
func (e *Engine) preSafetyCheck(ctx context.Context, state *State) outcome {
	if verdict := e.validator.Check(state.WorkingQuestion); verdict.Unsafe {
		e.logWarn(ctx, "question rejected by safety validator",
			"run_id", state.RunID,
			"operations", strings.Join(verdict.Operations, ", "),
		)
		return e.failOrRetry(ctx, state, ErrKindInputRejected, msgDisallowedInput)
	}

	if sys := e.prompts.GetPrompt(PromptSafety); sys != "" {
		resp, err := e.llm.Complete(ctx, sys, state.WorkingQuestion)
		if err != nil {
			e.logWarn(ctx, "content screen unavailable, continuing",
				"run_id", state.RunID, "error", err)
		} else if strings.Contains(strings.ToLower(resp), "unsafe") {
			e.logWarn(ctx, "question rejected by content screen", "run_id", state.RunID)
			return e.failOrRetry(ctx, state, ErrKindInputRejected, msgInappropriateInput)
		}
	}
	return outcomeProceed
}

func (e *Engine) schemaExtract(ctx context.Context, state *State) outcome {
	schema, err := e.schemaFetcher.FetchSchema(ctx)
	if err != nil {
		e.logError(ctx, "schema fetch failed", "run_id", state.RunID, "error", err)
		return e.failOrRetry(ctx, state, ErrKindSchemaUnavailable, msgSchemaUnavailable)
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		e.logError(ctx, "schema fetch returned no tables", "run_id", state.RunID)
		return e.failOrRetry(ctx, state, ErrKindSchemaUnavailable, msgSchemaUnavailable)
	}
	state.DatabaseSchema = schema
	return outcomeProceed
}

// contextCheck asks the model whether the question can be answered from the
// schema at all. It fails closed: only an exact "relevant" verdict proceeds.
func (e *Engine) contextCheck(ctx context.Context, state *State) outcome {
	sys := renderPrompt(e.prompts.GetPrompt(PromptRelevance), map[string]string{
		placeholderSchema: state.DatabaseSchema,
	})
	resp, err := e.llm.Complete(ctx, sys, state.WorkingQuestion)
	if err != nil {
		e.logError(ctx, "relevance check failed", "run_id", state.RunID, "error", err)
		return e.failOrRetry(ctx, state, ErrKindNotRelevant, msgNotRelevant)
	}
	verdict := strings.ToLower(strings.TrimSpace(resp))
	if verdict != "relevant" {
		e.logInfo(ctx, "question judged not relevant",
			"run_id", state.RunID,
			"verdict", truncate(verdict, 50),
		)
		return e.failOrRetry(ctx, state, ErrKindNotRelevant, msgNotRelevant)
	}
	return outcomeProceed
}

// generate produces a candidate SQL statement for the working question. On a
// retry the previous failure reason is folded into the prompt so the model
// can correct itself.
func (e *Engine) generate(ctx context.Context, state *State) outcome {
	if e.retriever != nil {
		snippets, err := e.retriever.Search(ctx, state.WorkingQuestion, e.retrieveK)
		if err != nil {
			e.logWarn(ctx, "snippet retrieval failed, generating without references",
				"run_id", state.RunID, "error", err)
		}
		state.RetrievedContext = snippets
	}

	sys := renderPrompt(e.prompts.GetPrompt(PromptGenerate), map[string]string{
		placeholderSchema:   state.DatabaseSchema,
		placeholderSnippets: strings.Join(state.RetrievedContext, "\n\n"),
	})
	user := state.WorkingQuestion
	if state.lastFailure != "" {
		user = fmt.Sprintf("Previous SQL had an error: %s\n\nPlease fix this query for the original request: %s",
			state.lastFailure, state.WorkingQuestion)
	}

	resp, err := e.llm.Complete(ctx, sys, user)
	if err != nil {
		e.logError(ctx, "sql generation failed", "run_id", state.RunID, "error", err)
		return e.failOrRetry(ctx, state, ErrKindGenerationFailed, msgGenerationFailed)
	}
	cand, err := parseCandidate(resp)
	if err != nil {
		e.logError(ctx, "sql generation returned no usable statement",
			"run_id", state.RunID,
			"error", err,
			"response", truncate(resp, 200),
		)
		return e.failOrRetry(ctx, state, ErrKindGenerationFailed, msgGenerationFailed)
	}
	state.Candidate = cand
	e.logInfo(ctx, "sql generated",
		"run_id", state.RunID,
		"attempt", state.Iterations+1,
		"sql", truncate(cand.Statement, 300),
	)
	return outcomeProceed
}

// postSafetyCheck re-screens the generated statement with the same validator
// that screened the input. Generated SQL gets no trust for having come from
// the model.
func (e *Engine) postSafetyCheck(ctx context.Context, state *State) outcome {
	verdict := e.validator.Check(state.Candidate.Statement)
	if !verdict.Unsafe {
		return outcomeProceed
	}
	e.logWarn(ctx, "generated sql rejected by safety validator",
		"run_id", state.RunID,
		"operations", strings.Join(verdict.Operations, ", "),
		"sql", truncate(state.Candidate.Statement, 300),
	)
	msg := fmt.Sprintf("The generated SQL query contains disallowed SQL operations: %s and cannot be processed.",
		strings.Join(verdict.Operations, ", "))
	return e.failOrRetry(ctx, state, ErrKindOutputRejected, msg)
}

// sqlCheck dry-runs the candidate inside a rollback-only scope so syntax and
// schema-reference errors surface before the real execution.
func (e *Engine) sqlCheck(ctx context.Context, state *State) outcome {
	if err := e.verifier.Verify(ctx, state.Candidate.Statement); err != nil {
		e.logWarn(ctx, "sql verification failed",
			"run_id", state.RunID,
			"error", err,
			"sql", truncate(state.Candidate.Statement, 300),
		)
		return e.failOrRetry(ctx, state, ErrKindSyntaxInvalid,
			fmt.Sprintf("Your SQL query failed to execute: %s", err))
	}
	return outcomeProceed
}

// runQuery executes the verified statement. Execution failures are terminal;
// a statement that verified but fails here will not get better by being
// regenerated.
func (e *Engine) runQuery(ctx context.Context, state *State) outcome {
	res, err := e.querier.Query(ctx, state.Candidate.Statement)
	if err != nil {
		e.logError(ctx, "query execution failed",
			"run_id", state.RunID,
			"error", err,
			"sql", truncate(state.Candidate.Statement, 300),
		)
		return e.failOrRetry(ctx, state, ErrKindExecutionFailed,
			fmt.Sprintf("Error executing SQL query: %s", err))
	}
	if res.SQL == "" {
		res.SQL = state.Candidate.Statement
	}
	state.Result = &res
	state.NoRecordsFound = res.Count == 0
	state.Answer = composeAnswer(state)
	e.logInfo(ctx, "query executed",
		"run_id", state.RunID,
		"rows", res.Count,
		"truncated", res.Truncated,
	)
	return outcomeProceed
}

// translateAnswer localizes the final text, answer or failure message alike,
// back into the detected input language. Failure keeps the working-language
// text; the user always gets an answer.
func (e *Engine) translateAnswer(ctx context.Context, state *State) outcome {
	if state.ErrorFlag {
		state.Answer = state.ErrorMessage
	}
	if !e.needsAnswerTranslation(state) {
		return outcomeDone
	}
	tr, err := e.translator.Translate(ctx, state.Answer, state.DetectedLanguage)
	if err != nil || strings.TrimSpace(tr.Text) == "" {
		e.logWarn(ctx, "answer translation failed, returning untranslated answer",
			"run_id", state.RunID,
			"language", state.DetectedLanguage,
			"error", err,
		)
		state.TranslationDegraded = true
		return outcomeDone
	}
	state.Answer = tr.Text
	return outcomeDone
}

func (e *Engine) needsAnswerTranslation(state *State) bool {
	if state.DetectedLanguage == "" || state.DetectedLanguage == LanguageUnknown {
		return false
	}
	return !sameLanguage(state.DetectedLanguage, e.workingLanguage)
}

// composeAnswer renders the working-language answer text from the query
// result: a sentence for single values, the formatted table otherwise.
func composeAnswer(state *State) string {
	res := state.Result
	if res == nil || res.Count == 0 {
		return msgNoRecords
	}
	if res.Count == 1 && len(res.Columns) == 1 {
		return fmt.Sprintf("The answer is: %s", FormatValue(res.Rows[0][res.Columns[0]]))
	}
	return fmt.Sprintf("The result is:\n%s", res.Formatted)
}

func (e *Engine) finish(ctx context.Context, state *State, elapsed time.Duration) *Result {
	res := &Result{
		RunID:            state.RunID,
		Question:         state.OriginalQuestion,
		DetectedLanguage: state.DetectedLanguage,
		Answer:           state.Answer,
		NoRecordsFound:   state.NoRecordsFound,
		Iterations:       state.Iterations,
		ErrorKind:        state.ErrorKind,
		ErrorMessage:     state.ErrorMessage,
		Duration:         elapsed,
		StageDurations:   state.stageDurations,
	}
	if state.Candidate != nil {
		res.SQL = state.Candidate.Statement
		res.Description = state.Candidate.Description
	}
	if state.Result != nil {
		res.Columns = state.Result.Columns
		res.Rows = state.Result.Rows
		res.RowCount = state.Result.Count
	}

	if res.Failed() {
		e.logWarn(ctx, "workflow run failed",
			"run_id", state.RunID,
			"kind", string(res.ErrorKind),
			"iterations", res.Iterations,
			"duration", elapsed,
		)
	} else {
		e.logInfo(ctx, "workflow run completed",
			"run_id", state.RunID,
			"rows", res.RowCount,
			"iterations", res.Iterations,
			"duration", elapsed,
		)
	}
	return res
}

func (e *Engine) reportProgress(stage Stage, state *State, elapsed time.Duration, out outcome) {
	if e.onProgress == nil {
		return
	}
	p := Progress{
		Stage:   stage,
		Attempt: attemptNumber(stage, state),
		Elapsed: elapsed,
	}
	if state.Candidate != nil {
		p.SQL = state.Candidate.Statement
	}
	switch out {
	case outcomeRetry:
		p.Err = state.lastFailure
	case outcomeFail:
		p.Err = state.ErrorMessage
	}
	e.onProgress(p)
}

func attemptNumber(stage Stage, state *State) int {
	switch stage {
	case StageGenerate, StagePostSafetyCheck, StageSQLCheck, StageRunQuery:
		return state.Iterations + 1
	default:
		return 0
	}
}

// candidateResponse is the JSON contract the generation prompt asks the
// model to follow.
type candidateResponse struct {
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

// parseCandidate extracts {description, sql} from a model response. The
// happy path is the JSON object the prompt demands; responses that come back
// as bare SQL or a fenced code block are salvaged with an empty description.
func parseCandidate(raw string) (*Candidate, error) {
	text := stripCodeFences(raw)

	var parsed candidateResponse
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		stmt := strings.TrimSpace(stripCodeFences(parsed.SQL))
		if stmt == "" {
			return nil, errors.New("response JSON has an empty sql field")
		}
		return &Candidate{
			Description: strings.TrimSpace(parsed.Description),
			Statement:   stmt,
		}, nil
	}

	stmt := strings.TrimSpace(text)
	if stmt == "" {
		return nil, errors.New("response contains no statement")
	}
	return &Candidate{Statement: stmt}, nil
}

// stripCodeFences removes a surrounding markdown code fence, with or without
// a language tag, and returns the inner text.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line ("sql", "json", ...).
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, " \t;") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func (e *Engine) logInfo(ctx context.Context, msg string, args ...any) {
	if e.log != nil {
		e.log.InfoContext(ctx, msg, args...)
	}
}

func (e *Engine) logWarn(ctx context.Context, msg string, args ...any) {
	if e.log != nil {
		e.log.WarnContext(ctx, msg, args...)
	}
}

func (e *Engine) logError(ctx context.Context, msg string, args ...any) {
	if e.log != nil {
		e.log.ErrorContext(ctx, msg, args...)
	}
}
