package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const openLibraryBaseURL = "https://openlibrary.org"

// OpenLibrary queries the Open Library search API.
type OpenLibrary struct {
	http *resty.Client
}

// NewOpenLibrary constructs the adapter. baseURL overrides the production
// endpoint when non-empty (tests).
func NewOpenLibrary(timeout time.Duration, baseURL string) *OpenLibrary {
	if baseURL == "" {
		baseURL = openLibraryBaseURL
	}
	return &OpenLibrary{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (o *OpenLibrary) Name() string { return "open_library" }

// olSearch mirrors the subset of the search response we consume.
type olSearch struct {
	NumFound int `json:"numFound"`
	Docs     []struct {
		Title            string   `json:"title"`
		Subtitle         string   `json:"subtitle"`
		AuthorName       []string `json:"author_name"`
		AuthorKey        []string `json:"author_key"`
		FirstPublishYear int      `json:"first_publish_year"`
		ISBN             []string `json:"isbn"`
		Publisher        []string `json:"publisher"`
		NumberOfPages    int      `json:"number_of_pages_median"`
		Subject          []string `json:"subject"`
		CoverI           int      `json:"cover_i"`
	} `json:"docs"`
}

// Lookup queries search.json and normalizes the response.
func (o *OpenLibrary) Lookup(ctx context.Context, query string) (*Metadata, error) {
	var out olSearch
	resp, err := o.http.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetQueryParam("limit", "5").
		SetResult(&out).
		Get("/search.json")
	if err != nil {
		return nil, &ProviderError{Provider: o.Name(), Err: err}
	}
	if resp.IsError() {
		return nil, &ProviderError{Provider: o.Name(), Status: resp.StatusCode(), Err: fmt.Errorf("search query failed")}
	}
	return normalizeOpenLibrary(&out), nil
}

// normalizeOpenLibrary is the pure normalizer for search responses.
func normalizeOpenLibrary(s *olSearch) *Metadata {
	if s == nil || len(s.Docs) == 0 {
		return &Metadata{}
	}

	doc := s.Docs[0]
	subjects := doc.Subject
	if len(subjects) > 10 {
		subjects = subjects[:10]
	}
	meta := &Metadata{
		Work: Work{
			Title:          doc.Title,
			Subtitle:       doc.Subtitle,
			FirstPublished: doc.FirstPublishYear,
			Subjects:       subjects,
		},
	}

	for i, name := range doc.AuthorName {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		a := Author{Name: name}
		if i < len(doc.AuthorKey) {
			a.Key = doc.AuthorKey[i]
		}
		meta.Authors = append(meta.Authors, a)
	}

	ed := Edition{PageCount: doc.NumberOfPages}
	if len(doc.Publisher) > 0 {
		ed.Publisher = doc.Publisher[0]
	}
	for _, isbn := range doc.ISBN {
		switch len(isbn) {
		case 10:
			if ed.ISBN10 == "" {
				ed.ISBN10 = isbn
			}
		case 13:
			if ed.ISBN13 == "" {
				ed.ISBN13 = isbn
			}
		}
		if ed.ISBN10 != "" && ed.ISBN13 != "" {
			break
		}
	}
	if doc.CoverI > 0 {
		ed.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-M.jpg", doc.CoverI)
	}
	if ed.ISBN10 != "" || ed.ISBN13 != "" || ed.Publisher != "" || ed.PageCount > 0 {
		meta.Editions = append(meta.Editions, ed)
	}

	return meta
}
