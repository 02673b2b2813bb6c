package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
)

// UsageRecorder receives per-request model accounting. The API layer wires
// this to its metrics registry; a nil recorder disables recording.
type UsageRecorder interface {
	RecordLLMRequest(op string, duration time.Duration, err error)
	RecordLLMTokens(input, output int64)
}

// AnthropicConfig configures the Anthropic-backed LLM client.
type AnthropicConfig struct {
	Logger *slog.Logger

	// Model defaults to the fast production model.
	Model anthropic.Model

	// MaxTokens bounds each response (default 1024).
	MaxTokens int64

	// Usage, when set, receives per-request timing and token counts.
	Usage UsageRecorder
}

// Validate checks required fields and fills in defaults.
func (c *AnthropicConfig) Validate() error {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return errors.New("ANTHROPIC_API_KEY is required")
	}
	if c.Model == "" {
		c.Model = anthropic.ModelClaudeHaiku4_5
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return nil
}

// AnthropicClient implements LLMClient against the Anthropic Messages API.
type AnthropicClient struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	usage     UsageRecorder
}

// NewAnthropicClient creates a client. The API key is read from the
// ANTHROPIC_API_KEY environment variable by the underlying SDK.
func NewAnthropicClient(cfg *AnthropicConfig) (*AnthropicClient, error) {
	if cfg == nil {
		cfg = &AnthropicConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anthropic config: %w", err)
	}
	return &AnthropicClient{
		log:       cfg.Logger,
		client:    anthropic.NewClient(),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		usage:     cfg.Usage,
	}, nil
}

// Complete sends one system+user prompt pair and returns the response text.
func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", c.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(c.model))
	span.SetData("gen_ai.request.max_tokens", c.maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	duration := time.Since(start)
	if c.usage != nil {
		c.usage.RecordLLMRequest("messages", duration, err)
	}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	if c.usage != nil {
		c.usage.RecordLLMTokens(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	}
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.total_tokens", msg.Usage.InputTokens+msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	if c.log != nil {
		c.log.DebugContext(ctx, "anthropic request completed",
			"duration", duration,
			"input_tokens", msg.Usage.InputTokens,
			"output_tokens", msg.Usage.OutputTokens,
		)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
