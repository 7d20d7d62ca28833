// Package cache provides the typed TTL cache with negative entries and
// in-flight request coalescing shared by the metadata fan-out and the CSV
// pipeline.
package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/jukasdrj/bookstrack-backend/internal/metrics"
)

// NegativeTTL is the fixed lifetime of negative entries.
const NegativeTTL = 5 * time.Minute

// NegativeKind classifies a negative entry.
type NegativeKind string

const (
	// KindNoResults records that every provider returned an empty set.
	KindNoResults NegativeKind = "no_results"
	// KindError records a server-side provider failure.
	KindError NegativeKind = "error"
)

// Entry is one cache slot. Positive entries carry Value; negative entries
// carry Kind and Status instead.
type Entry struct {
	Value     any
	Negative  bool
	Kind      NegativeKind
	Status    int
	CreatedAt time.Time
	TTL       time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// NegativeError is returned by Coalesce when a negative entry short-circuits
// the producer.
type NegativeError struct {
	Kind   NegativeKind
	Status int
}

func (e *NegativeError) Error() string {
	return fmt.Sprintf("negative cache entry: %s (status %d)", e.Kind, e.Status)
}

// Cache is a namespaced TTL cache over two bounded LRUs (positive and
// negative entries never collide) with singleflight coalescing.
type Cache struct {
	pos   *lru.Cache[string, Entry]
	neg   *lru.Cache[string, Entry]
	group singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

// New constructs a Cache bounded to posCap positive and negCap negative entries.
func New(posCap, negCap int) (*Cache, error) {
	pos, err := lru.New[string, Entry](posCap)
	if err != nil {
		return nil, fmt.Errorf("positive lru: %w", err)
	}
	neg, err := lru.New[string, Entry](negCap)
	if err != nil {
		return nil, fmt.Errorf("negative lru: %w", err)
	}
	return &Cache{pos: pos, neg: neg, now: time.Now}, nil
}

func cacheKey(ns, key string) string {
	return ns + "\x00" + key
}

// Get returns the live entry for (ns, key), negative entries included.
func (c *Cache) Get(ns, key string) (Entry, bool) {
	k := cacheKey(ns, key)
	now := c.now()

	if e, ok := c.neg.Get(k); ok {
		if e.expired(now) {
			c.neg.Remove(k)
		} else {
			metrics.CacheHits.WithLabelValues("negative").Inc()
			return e, true
		}
	}
	if e, ok := c.pos.Get(k); ok {
		if e.expired(now) {
			c.pos.Remove(k)
		} else {
			metrics.CacheHits.WithLabelValues("hit").Inc()
			return e, true
		}
	}
	metrics.CacheHits.WithLabelValues("miss").Inc()
	return Entry{}, false
}

// Put stores a positive entry for (ns, key) and drops any negative entry
// recorded for it.
func (c *Cache) Put(ns, key string, value any, ttl time.Duration) {
	k := cacheKey(ns, key)
	c.neg.Remove(k)
	c.pos.Add(k, Entry{Value: value, CreatedAt: c.now(), TTL: ttl})
}

// PutNegative stores a negative entry for (ns, key) with the fixed TTL.
func (c *Cache) PutNegative(ns, key string, kind NegativeKind, status int) {
	k := cacheKey(ns, key)
	c.neg.Add(k, Entry{Negative: true, Kind: kind, Status: status, CreatedAt: c.now(), TTL: NegativeTTL})
}

// Remove drops both the positive and negative entry for (ns, key).
func (c *Cache) Remove(ns, key string) {
	k := cacheKey(ns, key)
	c.pos.Remove(k)
	c.neg.Remove(k)
}

// Coalesce returns the cached value for (ns, key) if live, short-circuits on
// a negative entry with *NegativeError, and otherwise runs producer exactly
// once for all concurrent callers of the same (ns, key). The producer's
// result — success or failure — is delivered to every waiter. Coalescing is
// process-local.
func (c *Cache) Coalesce(ctx context.Context, ns, key string, producer func(ctx context.Context) (any, error)) (any, error) {
	if e, ok := c.Get(ns, key); ok {
		if e.Negative {
			return nil, &NegativeError{Kind: e.Kind, Status: e.Status}
		}
		return e.Value, nil
	}

	v, err, _ := c.group.Do(cacheKey(ns, key), func() (any, error) {
		// Re-check under the flight: a waiter queued behind a finished
		// flight must still observe the entry that flight stored.
		if e, ok := c.Get(ns, key); ok {
			if e.Negative {
				return nil, &NegativeError{Kind: e.Kind, Status: e.Status}
			}
			return e.Value, nil
		}
		return producer(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
