// Package retriever provides the reference snippet index backing SQL
// generation. The embedded SQL reference library is chunked and loaded into
// an in-memory FTS5 table; lookups rank chunks by bm25 against the question.
package retriever

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	// DefaultChunkSize and DefaultChunkOverlap control how reference
	// documents are split before indexing.
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50

	// DefaultK is how many snippets Search returns when the caller does
	// not say.
	DefaultK = 4

	// maxQueryTokens caps how many question tokens feed one match query.
	maxQueryTokens = 12
)

//go:embed docs/*.md
var docsFS embed.FS

// Config holds the wiring for an Index.
type Config struct {
	Logger *slog.Logger

	// ChunkSize is the target chunk length in characters (default 500).
	ChunkSize int

	// ChunkOverlap is how many characters consecutive chunks share
	// (default 50).
	ChunkOverlap int
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return errors.New("chunk overlap must be smaller than chunk size")
	}
	return nil
}

// Index is an in-memory full-text index over the embedded SQL reference
// library.
type Index struct {
	log *slog.Logger
	db  *sql.DB
}

// NewIndex builds the index from the embedded reference documents.
func NewIndex(ctx context.Context, cfg *Config) (*Index, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retriever config: %w", err)
	}

	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	// An in-memory database exists per connection; the pool must never
	// open a second one.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE snippets USING fts5(content, source UNINDEXED)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create snippet index: %w", err)
	}

	ix := &Index{log: cfg.Logger, db: db}
	count, err := ix.loadDocs(ctx, cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	ix.log.InfoContext(ctx, "snippet index ready", "snippets", count)
	return ix, nil
}

func (ix *Index) loadDocs(ctx context.Context, size, overlap int) (int, error) {
	entries, err := fs.ReadDir(docsFS, "docs")
	if err != nil {
		return 0, fmt.Errorf("failed to list reference docs: %w", err)
	}

	total := 0
	for _, entry := range entries {
		data, err := docsFS.ReadFile("docs/" + entry.Name())
		if err != nil {
			return 0, fmt.Errorf("failed to read reference doc %s: %w", entry.Name(), err)
		}
		for _, chunk := range chunkText(string(data), size, overlap) {
			if _, err := ix.db.ExecContext(ctx,
				`INSERT INTO snippets (content, source) VALUES (?, ?)`, chunk, entry.Name()); err != nil {
				return 0, fmt.Errorf("failed to index chunk from %s: %w", entry.Name(), err)
			}
			total++
		}
	}
	if total == 0 {
		return 0, errors.New("no reference snippets indexed")
	}
	return total, nil
}

// Search returns up to k snippets ranked by relevance to the query. The
// free-text query is reduced to an OR of quoted word tokens, so user
// phrasing can never break the match syntax. No matches is not an error.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		k = DefaultK
	}
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := ix.db.QueryContext(ctx,
		`SELECT content FROM snippets WHERE snippets MATCH ? ORDER BY bm25(snippets) LIMIT ?`,
		match, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search snippets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan snippet: %w", err)
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snippets: %w", err)
	}
	return out, nil
}

// Count reports how many snippets are indexed.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snippets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count snippets: %w", err)
	}
	return n, nil
}

// Close releases the index database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// buildMatchQuery turns free text into an FTS5 match expression: lowercased
// word tokens, deduplicated, each quoted so reserved words stay literal,
// joined with OR.
func buildMatchQuery(query string) string {
	tokens := tokenPattern.FindAllString(strings.ToLower(query), -1)
	seen := make(map[string]bool)
	var quoted []string
	for _, tok := range tokens {
		if len(tok) < 2 || seen[tok] {
			continue
		}
		seen[tok] = true
		quoted = append(quoted, `"`+tok+`"`)
		if len(quoted) == maxQueryTokens {
			break
		}
	}
	return strings.Join(quoted, " OR ")
}
