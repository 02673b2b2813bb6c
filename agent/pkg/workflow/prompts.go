package workflow

import (
	"fmt"
	"strings"

	"github.com/loquelabs/babelsql/agent/pkg/workflow/prompts"
)

// Prompt names understood by GetPrompt.
const (
	PromptGenerate  = "generate"
	PromptTranslate = "translate"
	PromptRelevance = "relevance"
	PromptSafety    = "safety"
)

// Placeholders substituted into prompt templates before use.
const (
	placeholderSchema         = "{{SCHEMA}}"
	placeholderSnippets       = "{{SNIPPETS}}"
	placeholderTargetLanguage = "{{TARGET_LANGUAGE}}"
)

// Prompts contains the pipeline prompts loaded from embedded files.
type Prompts struct {
	Generate  string // SQL generation, parameterized by schema and reference snippets
	Translate string // question and answer translation, parameterized by target language
	Relevance string // schema relevance verdict, parameterized by schema
	Safety    string // advisory content screen
}

// GetPrompt returns the prompt content for the given name.
// This implements the PromptsProvider interface.
func (p *Prompts) GetPrompt(name string) string {
	switch name {
	case PromptGenerate:
		return p.Generate
	case PromptTranslate:
		return p.Translate
	case PromptRelevance:
		return p.Relevance
	case PromptSafety:
		return p.Safety
	default:
		return ""
	}
}

// LoadPrompts loads all pipeline prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, err
	}
	if p.Translate, err = loadPrompt("TRANSLATE.md"); err != nil {
		return nil, err
	}
	if p.Relevance, err = loadPrompt("RELEVANCE.md"); err != nil {
		return nil, err
	}
	if p.Safety, err = loadPrompt("SAFETY.md"); err != nil {
		return nil, err
	}
	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.FS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// renderPrompt substitutes placeholder values into a prompt template.
func renderPrompt(template string, vars map[string]string) string {
	out := template
	for placeholder, value := range vars {
		out = strings.ReplaceAll(out, placeholder, value)
	}
	return out
}
