// Package llm parses uploaded CSV files into book records through an
// external LLM provider.
package llm

import (
	"context"
	"strings"
)

// PromptVersion participates in the CSV result cache key. Bump it whenever
// the parsing prompt changes so stale cached parses are not reused.
const PromptVersion = "csv-parse-v3"

// ParsedBook is one book extracted from a CSV upload.
type ParsedBook struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn,omitempty"`
}

// Sanitize trims whitespace from every field.
func (b ParsedBook) Sanitize() ParsedBook {
	return ParsedBook{
		Title:  strings.TrimSpace(b.Title),
		Author: strings.TrimSpace(b.Author),
		ISBN:   strings.TrimSpace(b.ISBN),
	}
}

// CSVParser turns a raw CSV body into parsed books.
type CSVParser interface {
	Parse(ctx context.Context, csvBody []byte) ([]ParsedBook, error)
}
