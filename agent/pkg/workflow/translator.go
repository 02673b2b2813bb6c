package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// translationResponse is the JSON contract the translation prompt asks the
// model to follow.
type translationResponse struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// LLMTranslator translates text between languages by prompting the language
// model. It degrades rather than fails: any model or parse error returns the
// input unchanged with DetectedLanguage "unknown".
type LLMTranslator struct {
	log     *slog.Logger
	llm     LLMClient
	prompts PromptsProvider
}

// NewLLMTranslator creates a Translator backed by the given model client.
func NewLLMTranslator(log *slog.Logger, llm LLMClient, prompts PromptsProvider) *LLMTranslator {
	return &LLMTranslator{log: log, llm: llm, prompts: prompts}
}

// Translate converts text into targetLanguage and reports the language the
// text was written in. The error return is always nil; degradation is
// expressed through the Translation itself so callers need no special case.
func (t *LLMTranslator) Translate(ctx context.Context, text, targetLanguage string) (Translation, error) {
	degraded := Translation{Text: text, DetectedLanguage: LanguageUnknown}
	if strings.TrimSpace(text) == "" {
		return degraded, nil
	}

	sys := renderPrompt(t.prompts.GetPrompt(PromptTranslate), map[string]string{
		placeholderTargetLanguage: languageName(targetLanguage),
	})
	if sys == "" {
		return degraded, nil
	}

	resp, err := t.llm.Complete(ctx, sys, text)
	if err != nil {
		t.logWarn(ctx, "translation request failed", "target", targetLanguage, "error", err)
		return degraded, nil
	}

	var parsed translationResponse
	if err := json.Unmarshal([]byte(stripCodeFences(resp)), &parsed); err != nil {
		t.logWarn(ctx, "translation response was not valid JSON", "response", truncate(resp, 120))
		return degraded, nil
	}
	translated := strings.TrimSpace(parsed.Text)
	if translated == "" {
		return degraded, nil
	}
	return Translation{
		Text:             translated,
		DetectedLanguage: normalizeLanguage(parsed.Language),
	}, nil
}

func (t *LLMTranslator) logWarn(ctx context.Context, msg string, args ...any) {
	if t.log != nil {
		t.log.WarnContext(ctx, msg, args...)
	}
}

// IdentityTranslator returns text unchanged and reports the target language
// as detected. It serves callers known to already speak the working
// language.
type IdentityTranslator struct{}

// Translate implements the Translator interface.
func (IdentityTranslator) Translate(_ context.Context, text, targetLanguage string) (Translation, error) {
	return Translation{Text: text, DetectedLanguage: targetLanguage}, nil
}

// normalizeLanguage canonicalizes a reported language tag ("EN-us" becomes
// "en-US"). Values that do not parse as BCP 47 pass through lowercased so
// unusual model output still round-trips.
func normalizeLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || strings.EqualFold(tag, LanguageUnknown) {
		return LanguageUnknown
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return strings.ToLower(tag)
	}
	return parsed.String()
}

// sameLanguage reports whether two tags share a base language, "en-US" and
// "en" counting as the same for translation purposes.
func sameLanguage(a, b string) bool {
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	baseA, _ := ta.Base()
	baseB, _ := tb.Base()
	return baseA == baseB
}

// languageName renders a tag as an English language name for use inside
// prompts ("fr" becomes "French"). Models translate into named languages
// more reliably than into bare tags.
func languageName(tag string) string {
	parsed, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	if name := display.English.Languages().Name(parsed); name != "" {
		return name
	}
	return tag
}
