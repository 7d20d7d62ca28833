// Package pipeline contains the job drivers that compose the enrichment
// worker pool, provider fan-out, cache and blob store with a Session.
package pipeline

import (
	"context"

	"github.com/jukasdrj/bookstrack-backend/internal/catalog"
)

// Enrichment statuses stamped on each output record.
const (
	StatusEnriched = "enriched"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Input limits enforced by the HTTP handlers.
const (
	MaxBatchBooks   = 100
	MaxTitleLen     = 500
	MaxAuthorLen    = 300
	MaxISBNLen      = 17
	MaxCSVBytes     = 10 << 20
	MaxImageBytes   = 10 * 1000 * 1000
	MaxScanImages   = 5
)

// BookInput is one user-supplied book to enrich.
type BookInput struct {
	Title  string `json:"title" validate:"required,max=500"`
	Author string `json:"author,omitempty" validate:"max=300"`
	ISBN   string `json:"isbn,omitempty" validate:"max=17"`
}

// EnrichedBook is the per-item output of the enrichment pipeline.
type EnrichedBook struct {
	Title            string            `json:"title"`
	Author           string            `json:"author,omitempty"`
	ISBN             string            `json:"isbn,omitempty"`
	EnrichmentStatus string            `json:"enrichmentStatus"`
	Work             *catalog.Work     `json:"work,omitempty"`
	Editions         []catalog.Edition `json:"editions,omitempty"`
	Authors          []catalog.Author  `json:"authors,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// EnrichCompletePayload is the job_complete payload for batch_enrichment.
type EnrichCompletePayload struct {
	TotalProcessed int            `json:"totalProcessed"`
	SuccessCount   int            `json:"successCount"`
	FailureCount   int            `json:"failureCount"`
	Duration       int64          `json:"duration"`
	EnrichedBooks  []EnrichedBook `json:"enrichedBooks"`
}

// MetadataLookup resolves a free-form query to normalized metadata.
// Satisfied by catalog.Fanout.
type MetadataLookup interface {
	Lookup(ctx context.Context, query string) (*catalog.Metadata, error)
}
