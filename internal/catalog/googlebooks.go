package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const googleBooksBaseURL = "https://www.googleapis.com/books/v1"

// GoogleBooks queries the Google Books volumes API.
type GoogleBooks struct {
	http *resty.Client
}

// NewGoogleBooks constructs the adapter. baseURL overrides the production
// endpoint when non-empty (tests).
func NewGoogleBooks(timeout time.Duration, baseURL string) *GoogleBooks {
	if baseURL == "" {
		baseURL = googleBooksBaseURL
	}
	return &GoogleBooks{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (g *GoogleBooks) Name() string { return "google_books" }

// gbVolumes mirrors the subset of the volumes response we consume.
type gbVolumes struct {
	TotalItems int `json:"totalItems"`
	Items      []struct {
		VolumeInfo struct {
			Title               string   `json:"title"`
			Subtitle            string   `json:"subtitle"`
			Authors             []string `json:"authors"`
			Publisher           string   `json:"publisher"`
			PublishedDate       string   `json:"publishedDate"`
			PageCount           int      `json:"pageCount"`
			Categories          []string `json:"categories"`
			IndustryIdentifiers []struct {
				Type       string `json:"type"`
				Identifier string `json:"identifier"`
			} `json:"industryIdentifiers"`
			ImageLinks struct {
				Thumbnail string `json:"thumbnail"`
			} `json:"imageLinks"`
		} `json:"volumeInfo"`
	} `json:"items"`
}

// Lookup queries the volumes endpoint and normalizes the response.
func (g *GoogleBooks) Lookup(ctx context.Context, query string) (*Metadata, error) {
	var out gbVolumes
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetQueryParam("maxResults", "5").
		SetResult(&out).
		Get("/volumes")
	if err != nil {
		return nil, &ProviderError{Provider: g.Name(), Err: err}
	}
	if resp.IsError() {
		return nil, &ProviderError{Provider: g.Name(), Status: resp.StatusCode(), Err: fmt.Errorf("volumes query failed")}
	}
	return normalizeGoogleBooks(&out), nil
}

// normalizeGoogleBooks is the pure normalizer for volume responses.
func normalizeGoogleBooks(v *gbVolumes) *Metadata {
	if v == nil || len(v.Items) == 0 {
		return &Metadata{}
	}

	first := v.Items[0].VolumeInfo
	meta := &Metadata{
		Work: Work{
			Title:          first.Title,
			Subtitle:       first.Subtitle,
			FirstPublished: yearOf(first.PublishedDate),
			Subjects:       first.Categories,
		},
	}

	seen := make(map[string]bool)
	for _, a := range first.Authors {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		meta.Authors = append(meta.Authors, Author{Name: a})
	}

	for _, item := range v.Items {
		info := item.VolumeInfo
		ed := Edition{
			Publisher:   info.Publisher,
			PublishDate: info.PublishedDate,
			PageCount:   info.PageCount,
			CoverURL:    info.ImageLinks.Thumbnail,
		}
		for _, id := range info.IndustryIdentifiers {
			switch id.Type {
			case "ISBN_10":
				ed.ISBN10 = id.Identifier
			case "ISBN_13":
				ed.ISBN13 = id.Identifier
			}
		}
		if ed.ISBN10 == "" && ed.ISBN13 == "" && ed.Publisher == "" {
			continue
		}
		meta.Editions = append(meta.Editions, ed)
	}

	return meta
}

// yearOf extracts the leading 4-digit year from a date string, 0 if absent.
func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	var year int
	if _, err := fmt.Sscanf(date[:4], "%d", &year); err != nil {
		return 0
	}
	return year
}
