// Package catalog queries external book-metadata providers and normalizes
// their results into the canonical {work, editions, authors} shape consumed
// by the enrichment pipeline.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Work is the canonical work-level record.
type Work struct {
	Title          string   `json:"title"`
	Subtitle       string   `json:"subtitle,omitempty"`
	FirstPublished int      `json:"firstPublished,omitempty"`
	Subjects       []string `json:"subjects,omitempty"`
}

// Edition is one published edition of a work.
type Edition struct {
	ISBN10      string `json:"isbn10,omitempty"`
	ISBN13      string `json:"isbn13,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	PublishDate string `json:"publishDate,omitempty"`
	PageCount   int    `json:"pageCount,omitempty"`
	CoverURL    string `json:"coverUrl,omitempty"`
	Format      string `json:"format,omitempty"`
}

// Author is one contributor to a work.
type Author struct {
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
}

// Metadata is the canonical normalized result set for one lookup.
type Metadata struct {
	Work     Work      `json:"work"`
	Editions []Edition `json:"editions"`
	Authors  []Author  `json:"authors"`
	Provider string    `json:"provider,omitempty"`
}

// Empty reports whether the lookup produced no usable records.
func (m *Metadata) Empty() bool {
	return m == nil || (m.Work.Title == "" && len(m.Editions) == 0 && len(m.Authors) == 0)
}

// ErrNoResults reports that every provider returned an empty result set.
var ErrNoResults = errors.New("no results from any provider")

// ProviderError wraps a failure from one provider with its HTTP status.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ClientError reports whether the failure was caused by the request itself
// (4xx). Client errors are not negative-cached.
func (e *ProviderError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// Fingerprint reduces a free-form query to the cache key used for
// coalescing: lower-cased, whitespace-collapsed, trimmed.
func Fingerprint(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
