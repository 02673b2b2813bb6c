package workflow

import (
	"regexp"
	"strings"
)

// disallowedOperations are the operation keywords rejected wherever they
// appear, in questions and in generated SQL alike. Matches are word-bounded
// so identifiers like "created_at" pass.
var disallowedOperations = []string{
	"CREATE", "DROP", "ALTER", "TRUNCATE", "RENAME",
	"INSERT", "UPDATE", "DELETE",
	"GRANT", "REVOKE",
	"ATTACH", "DETACH", "PRAGMA", "VACUUM", "REINDEX",
	"EXEC", "EXECUTE",
}

// structuralForms are multi-word mutating forms whose head word is too
// common to ban on its own. REPLACE(...) the string function stays legal;
// REPLACE INTO does not.
var structuralForms = []struct {
	name string
	expr string
}{
	{"REPLACE INTO", `(?i)\bREPLACE\s+INTO\b`},
	{"MERGE INTO", `(?i)\bMERGE\s+INTO\b`},
}

const multipleStatementsFinding = "multiple statements"

type opPattern struct {
	name string
	re   *regexp.Regexp
}

// Validator screens free text and SQL for operations the pipeline must never
// run. It is deliberately lexical and fails closed: a question that merely
// mentions a mutating operation is rejected, because nothing downstream is
// allowed to want one either.
type Validator struct {
	operations []opPattern
	structural []opPattern

	lineComments  *regexp.Regexp
	blockComments *regexp.Regexp
}

// NewValidator compiles the screening patterns.
func NewValidator() *Validator {
	v := &Validator{
		lineComments:  regexp.MustCompile(`--[^\n]*`),
		blockComments: regexp.MustCompile(`(?s)/\*.*?\*/`),
	}
	for _, op := range disallowedOperations {
		v.operations = append(v.operations, opPattern{
			name: op,
			re:   regexp.MustCompile(`(?i)\b` + op + `\b`),
		})
	}
	for _, form := range structuralForms {
		v.structural = append(v.structural, opPattern{
			name: form.name,
			re:   regexp.MustCompile(form.expr),
		})
	}
	return v
}

// Verdict is the validator's finding for one piece of text.
type Verdict struct {
	Unsafe     bool
	Operations []string // disallowed operations found, in detection order
}

// Reason summarizes the verdict for logs.
func (v Verdict) Reason() string {
	if !v.Unsafe {
		return ""
	}
	return "disallowed SQL operations: " + strings.Join(v.Operations, ", ")
}

// Check scans text for disallowed operations and statement chaining. Both
// the raw text and a comment-stripped copy are scanned: the raw form catches
// keywords broken off by comments ("DROP/**/TABLE"), the stripped form
// catches keywords assembled from pieces ("DR/**/OP").
func (v *Validator) Check(text string) Verdict {
	stripped := v.stripComments(text)

	var found []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			found = append(found, name)
		}
	}

	for _, op := range v.operations {
		if op.re.MatchString(text) || op.re.MatchString(stripped) {
			add(op.name)
		}
	}
	for _, form := range v.structural {
		if form.re.MatchString(text) || form.re.MatchString(stripped) {
			add(form.name)
		}
	}
	if hasMultipleStatements(stripped) {
		add(multipleStatementsFinding)
	}

	return Verdict{Unsafe: len(found) > 0, Operations: found}
}

func (v *Validator) stripComments(s string) string {
	s = v.blockComments.ReplaceAllString(s, "")
	return v.lineComments.ReplaceAllString(s, "")
}

// hasMultipleStatements reports an interior semicolon, i.e. more than one
// statement chained together. Trailing semicolons are allowed.
func hasMultipleStatements(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), "; \t\n")
	return strings.Contains(s, ";")
}
