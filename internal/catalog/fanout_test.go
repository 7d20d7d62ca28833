package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jukasdrj/bookstrack-backend/internal/cache"
)

type fakeProvider struct {
	name  string
	meta  *Metadata
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Lookup(ctx context.Context, query string) (*Metadata, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, &ProviderError{Provider: p.name, Err: ctx.Err()}
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.meta, nil
}

func newFanoutCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(64, 64)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c
}

func metaFor(title string) *Metadata {
	return &Metadata{Work: Work{Title: title}, Authors: []Author{{Name: "Someone"}}}
}

func TestFingerprint(t *testing.T) {
	cases := []struct{ in, want string }{
		{"1984 Orwell", "1984 orwell"},
		{"  Dune\t Herbert ", "dune herbert"},
		{"The   GREAT  Gatsby", "the great gatsby"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Fingerprint(c.in); got != c.want {
			t.Fatalf("Fingerprint(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFirstNonEmptyWins(t *testing.T) {
	fast := &fakeProvider{name: "fast", meta: metaFor("Dune")}
	slow := &fakeProvider{name: "slow", meta: metaFor("Wrong"), delay: 2 * time.Second}

	f := NewFanout([]Provider{fast, slow}, time.Second, newFanoutCache(t))

	meta, err := f.Lookup(context.Background(), "Dune Herbert")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if meta.Work.Title != "Dune" {
		t.Fatalf("expected fast provider to win, got %q", meta.Work.Title)
	}
	if meta.Provider != "fast" {
		t.Fatalf("expected provider tag fast, got %q", meta.Provider)
	}
}

func TestAllEmptyIsNoResults(t *testing.T) {
	a := &fakeProvider{name: "a", meta: &Metadata{}}
	b := &fakeProvider{name: "b", meta: &Metadata{}}
	c := newFanoutCache(t)

	f := NewFanout([]Provider{a, b}, time.Second, c)

	_, err := f.Lookup(context.Background(), "unknown book")
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}

	// The empty outcome is negative-cached: a second lookup must not
	// touch the providers again.
	_, err = f.Lookup(context.Background(), "Unknown   BOOK")
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected cached ErrNoResults, got %v", err)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("expected one call per provider, got %d/%d", a.calls.Load(), b.calls.Load())
	}
}

func TestAllErrorIsMergedError(t *testing.T) {
	a := &fakeProvider{name: "a", err: &ProviderError{Provider: "a", Status: 503, Err: errors.New("down")}}
	b := &fakeProvider{name: "b", err: &ProviderError{Provider: "b", Status: 500, Err: errors.New("boom")}}

	f := NewFanout([]Provider{a, b}, time.Second, newFanoutCache(t))

	_, err := f.Lookup(context.Background(), "anything")
	if err == nil || errors.Is(err, ErrNoResults) {
		t.Fatalf("expected merged provider error, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a ProviderError in the chain, got %v", err)
	}
}

func TestServerErrorIsNegativeCached(t *testing.T) {
	a := &fakeProvider{name: "a", err: &ProviderError{Provider: "a", Status: 503, Err: errors.New("down")}}

	f := NewFanout([]Provider{a}, time.Second, newFanoutCache(t))

	if _, err := f.Lookup(context.Background(), "q"); err == nil {
		t.Fatal("expected error")
	}
	// Second call hits the negative entry instead of the provider.
	if _, err := f.Lookup(context.Background(), "q"); err == nil {
		t.Fatal("expected error from negative cache")
	}
	if a.calls.Load() != 1 {
		t.Fatalf("expected provider called once, got %d", a.calls.Load())
	}
}

func TestClientErrorNotNegativeCached(t *testing.T) {
	a := &fakeProvider{name: "a", err: &ProviderError{Provider: "a", Status: 400, Err: errors.New("bad query")}}

	f := NewFanout([]Provider{a}, time.Second, newFanoutCache(t))

	_, err := f.Lookup(context.Background(), "q")
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("client-typed failure should surface as no_results, got %v", err)
	}

	// Not negative-cached: the provider is consulted again.
	if _, err := f.Lookup(context.Background(), "q"); !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected no_results again, got %v", err)
	}
	if a.calls.Load() != 2 {
		t.Fatalf("expected provider called twice, got %d", a.calls.Load())
	}
}

func TestEmptyBeatsErrors(t *testing.T) {
	// One provider definitively empty, one erroring: the batch answer is
	// no_results, not error.
	empty := &fakeProvider{name: "empty", meta: &Metadata{}}
	broken := &fakeProvider{name: "broken", err: &ProviderError{Provider: "broken", Status: 502, Err: errors.New("bad gateway")}}

	f := NewFanout([]Provider{empty, broken}, time.Second, newFanoutCache(t))

	_, err := f.Lookup(context.Background(), "q")
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
}

func TestWinnerIsCached(t *testing.T) {
	p := &fakeProvider{name: "p", meta: metaFor("1984")}
	f := NewFanout([]Provider{p}, time.Second, newFanoutCache(t))

	for i := 0; i < 3; i++ {
		meta, err := f.Lookup(context.Background(), "1984 orwell")
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		if meta.Work.Title != "1984" {
			t.Fatalf("unexpected title %q", meta.Work.Title)
		}
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected a single provider call, got %d", p.calls.Load())
	}
}

func TestSlowProviderTimesOut(t *testing.T) {
	slow := &fakeProvider{name: "slow", meta: metaFor("late"), delay: 5 * time.Second}
	f := NewFanout([]Provider{slow}, 50*time.Millisecond, newFanoutCache(t))

	start := time.Now()
	_, err := f.Lookup(context.Background(), "q")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("lookup did not respect provider timeout, took %s", elapsed)
	}
}
