package retriever

import "strings"

// separators orders the boundaries chunkText prefers when splitting, from
// paragraph down to word.
var separators = []string{"\n\n", "\n", ". ", " "}

// chunkText splits text into chunks of at most size bytes, preferring
// paragraph and sentence boundaries. Consecutive chunks share up to overlap
// bytes so phrases spanning a boundary stay searchable.
func chunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			if chunk := strings.TrimSpace(text[start:]); chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}
		cut := findCut(text, start, end)
		if chunk := strings.TrimSpace(text[start:cut]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// findCut picks the split point in (start, end], taking the last occurrence
// of the strongest separator inside the window, or the window end when the
// text has no boundary at all.
func findCut(text string, start, end int) int {
	window := text[start:end]
	for _, sep := range separators {
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return start + idx + len(sep)
		}
	}
	return end
}
