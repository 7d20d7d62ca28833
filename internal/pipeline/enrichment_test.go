package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jukasdrj/bookstrack-backend/internal/cache"
	"github.com/jukasdrj/bookstrack-backend/internal/catalog"
	"github.com/jukasdrj/bookstrack-backend/internal/database"
	"github.com/jukasdrj/bookstrack-backend/internal/session"
)

func newTestSession(t *testing.T, jobID, pipeline string, total int64) *session.Session {
	t.Helper()
	ctx := context.Background()

	db, err := database.InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})

	reg := session.NewRegistry(database.NewStore(db))
	s, err := reg.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("registry get: %v", err)
	}
	if err := s.InitJobState(ctx, pipeline, total); err != nil {
		t.Fatalf("InitJobState: %v", err)
	}
	return s
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(64, 64)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c
}

type fakeLookup struct {
	mu    sync.Mutex
	calls int
	fn    func(query string) (*catalog.Metadata, error)
}

func (f *fakeLookup) Lookup(_ context.Context, query string) (*catalog.Metadata, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(query)
}

func (f *fakeLookup) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func metaFor(title string) *catalog.Metadata {
	return &catalog.Metadata{
		Work:     catalog.Work{Title: title},
		Authors:  []catalog.Author{{Name: "A. Writer"}},
		Provider: "google-books",
	}
}

func TestEnrichmentRunMixedOutcomes(t *testing.T) {
	sess := newTestSession(t, "enrich-mixed", session.PipelineBatchEnrichment, 3)

	lookup := &fakeLookup{fn: func(query string) (*catalog.Metadata, error) {
		switch {
		case query == "Dune Frank Herbert":
			return metaFor("Dune"), nil
		case query == "Unknown Nobody":
			return nil, catalog.ErrNoResults
		default:
			return nil, errors.New("provider exploded")
		}
	}}

	e := NewEnrichment(lookup, newTestCache(t), 2)
	e.readyWait = 10 * time.Millisecond

	e.Run(context.Background(), sess, []BookInput{
		{Title: "Dune", Author: "Frank Herbert"},
		{Title: "Unknown", Author: "Nobody"},
		{Title: "Broken", Author: "Provider"},
	})

	state := sess.GetJobState()
	if state.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %q (error %q)", state.Status, state.Error)
	}

	var payload EnrichCompletePayload
	if err := json.Unmarshal([]byte(state.Results), &payload); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if payload.TotalProcessed != 3 || payload.SuccessCount != 1 || payload.FailureCount != 2 {
		t.Fatalf("wrong counts: %+v", payload)
	}

	// Output order mirrors input order regardless of worker interleaving.
	wantStatus := []string{StatusEnriched, StatusNotFound, StatusError}
	for i, want := range wantStatus {
		if got := payload.EnrichedBooks[i].EnrichmentStatus; got != want {
			t.Fatalf("book %d: expected status %q, got %q", i, want, got)
		}
	}
	if payload.EnrichedBooks[0].Work == nil || payload.EnrichedBooks[0].Work.Title != "Dune" {
		t.Fatalf("enriched record missing work: %+v", payload.EnrichedBooks[0])
	}
	if payload.EnrichedBooks[2].Error == "" {
		t.Fatal("failed record must carry the error message")
	}
}

func TestEnrichmentISBNCacheSkipsLookup(t *testing.T) {
	sess := newTestSession(t, "enrich-cached", session.PipelineBatchEnrichment, 1)

	c := newTestCache(t)
	c.Put("isbn", "9780441172719", metaFor("Dune"), time.Hour)

	lookup := &fakeLookup{fn: func(string) (*catalog.Metadata, error) {
		return nil, errors.New("must not be called")
	}}

	e := NewEnrichment(lookup, c, 1)
	e.readyWait = 10 * time.Millisecond

	e.Run(context.Background(), sess, []BookInput{
		{Title: "Dune", Author: "Frank Herbert", ISBN: "9780441172719"},
	})

	if lookup.callCount() != 0 {
		t.Fatalf("cached isbn must skip the provider, got %d calls", lookup.callCount())
	}

	state := sess.GetJobState()
	if state.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %q", state.Status)
	}
	var payload EnrichCompletePayload
	if err := json.Unmarshal([]byte(state.Results), &payload); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if payload.SuccessCount != 1 {
		t.Fatalf("expected one success, got %+v", payload)
	}
}

func TestEnrichmentPopulatesISBNCache(t *testing.T) {
	sess := newTestSession(t, "enrich-fill", session.PipelineBatchEnrichment, 1)

	c := newTestCache(t)
	lookup := &fakeLookup{fn: func(string) (*catalog.Metadata, error) {
		return metaFor("Dune"), nil
	}}

	e := NewEnrichment(lookup, c, 1)
	e.readyWait = 10 * time.Millisecond

	e.Run(context.Background(), sess, []BookInput{
		{Title: "Dune", Author: "Frank Herbert", ISBN: "9780441172719"},
	})

	entry, ok := c.Get("isbn", "9780441172719")
	if !ok || entry.Negative {
		t.Fatal("successful lookup with an isbn must populate the cache")
	}
}
