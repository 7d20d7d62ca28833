package llm

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
)

// EchoParser parses CSVs locally without an LLM call. It serves tests and
// local development when no API key is configured. It expects a header row
// naming at least title and author columns.
type EchoParser struct{}

// Parse reads the CSV body directly.
func (EchoParser) Parse(_ context.Context, csvBody []byte) ([]ParsedBook, error) {
	r := csv.NewReader(bytes.NewReader(csvBody))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("csv is empty")
	}

	titleCol, authorCol, isbnCol := -1, -1, -1
	for i, name := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "title":
			titleCol = i
		case "author", "authors":
			authorCol = i
		case "isbn", "isbn13":
			isbnCol = i
		}
	}
	if titleCol < 0 || authorCol < 0 {
		return nil, fmt.Errorf("csv header missing title/author columns")
	}

	var books []ParsedBook
	for _, row := range rows[1:] {
		if titleCol >= len(row) || authorCol >= len(row) {
			continue
		}
		b := ParsedBook{Title: row[titleCol], Author: row[authorCol]}
		if isbnCol >= 0 && isbnCol < len(row) {
			b.ISBN = row[isbnCol]
		}
		b = b.Sanitize()
		if b.Title == "" {
			continue
		}
		books = append(books, b)
	}
	return books, nil
}
