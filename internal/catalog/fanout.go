package catalog

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jukasdrj/bookstrack-backend/internal/cache"
	"github.com/jukasdrj/bookstrack-backend/internal/metrics"
)

const (
	// cacheNS is the cache namespace for fan-out results.
	cacheNS = "catalog"
	// positiveTTL is how long a successful lookup stays cached.
	positiveTTL = 24 * time.Hour
	// defaultProviderTimeout bounds each provider call.
	defaultProviderTimeout = 10 * time.Second
)

// Fanout queries an ordered list of providers in parallel. The first
// provider returning a non-empty normalized result wins and the rest are
// canceled. Lookups are coalesced and cached on the query fingerprint.
type Fanout struct {
	providers []Provider
	timeout   time.Duration
	cache     *cache.Cache
}

// NewFanout constructs a Fanout. timeout <= 0 selects the 10 s default.
func NewFanout(providers []Provider, timeout time.Duration, c *cache.Cache) *Fanout {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &Fanout{providers: providers, timeout: timeout, cache: c}
}

// Lookup resolves query through the cache, coalescing concurrent callers.
// Returns ErrNoResults when every provider answered empty.
func (f *Fanout) Lookup(ctx context.Context, query string) (*Metadata, error) {
	fp := Fingerprint(query)
	if fp == "" {
		return nil, ErrNoResults
	}

	v, err := f.cache.Coalesce(ctx, cacheNS, fp, func(ctx context.Context) (any, error) {
		return f.race(ctx, fp, query)
	})
	if err != nil {
		var neg *cache.NegativeError
		if errors.As(err, &neg) && neg.Kind == cache.KindNoResults {
			return nil, ErrNoResults
		}
		return nil, err
	}
	return v.(*Metadata), nil
}

type raceOutcome struct {
	provider string
	meta     *Metadata
	err      error
}

// race runs every provider in parallel under the per-provider timeout and
// returns the first non-empty result. On total failure it records the
// negative entry (unless the failure was purely client-typed) and returns
// the merged cause.
func (f *Fanout) race(ctx context.Context, fp, query string) (*Metadata, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceOutcome, len(f.providers))
	for _, p := range f.providers {
		go func(p Provider) {
			pctx, pcancel := context.WithTimeout(raceCtx, f.timeout)
			defer pcancel()

			meta, err := p.Lookup(pctx, query)
			if err != nil {
				metrics.ProviderLookups.WithLabelValues(p.Name(), "error").Inc()
			} else if meta.Empty() {
				metrics.ProviderLookups.WithLabelValues(p.Name(), "empty").Inc()
			} else {
				metrics.ProviderLookups.WithLabelValues(p.Name(), "hit").Inc()
			}
			results <- raceOutcome{provider: p.Name(), meta: meta, err: err}
		}(p)
	}

	var errs []error
	sawEmpty := false
	for range f.providers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out := <-results:
			if out.err != nil {
				errs = append(errs, out.err)
				continue
			}
			if out.meta.Empty() {
				sawEmpty = true
				continue
			}
			// Winner: cancel the stragglers and cache the result.
			cancel()
			out.meta.Provider = out.provider
			f.cache.Put(cacheNS, fp, out.meta, positiveTTL)
			return out.meta, nil
		}
	}

	if sawEmpty || len(errs) == 0 {
		// At least one provider answered definitively empty (or there were
		// no providers at all): that is a no_results, not an error.
		f.cache.PutNegative(cacheNS, fp, cache.KindNoResults, 0)
		return nil, ErrNoResults
	}

	merged := errors.Join(errs...)
	if clientOnly(errs) {
		// Client-typed failures are the request's fault; suppress the
		// negative cache and surface them as no_results.
		log.WithField("query", fp).WithError(merged).Debug("all providers rejected query")
		return nil, ErrNoResults
	}

	f.cache.PutNegative(cacheNS, fp, cache.KindError, mergedStatus(errs))
	return nil, merged
}

// clientOnly reports whether every failure in errs is a 4xx provider error.
func clientOnly(errs []error) bool {
	for _, err := range errs {
		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.ClientError() {
			return false
		}
	}
	return true
}

// mergedStatus picks the first server-side status for the negative entry.
func mergedStatus(errs []error) int {
	for _, err := range errs {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Status >= 500 {
			return pe.Status
		}
	}
	return 0
}
