// Package ratelimit implements the persisted per-key fixed-window rate
// limiter used by the expensive job endpoints.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/jukasdrj/bookstrack-backend/internal/database"
	"github.com/jukasdrj/bookstrack-backend/internal/metrics"
)

const shardCount = 64

// Result reports one admission decision.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the whole number of seconds until the window resets.
	// Only meaningful when Allowed is false.
	RetryAfter int
}

// Limiter is a fixed-window limiter whose buckets are persisted through the
// single-writer store. A sharded per-key mutex serializes the read of a
// bucket with the write that increments it, so two concurrent requests for
// the same key can never both observe the pre-increment count.
type Limiter struct {
	store  *database.Store
	max    int
	window time.Duration

	shards [shardCount]sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// New constructs a Limiter admitting max requests per key per window.
func New(store *database.Store, max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, max: max, window: window, now: time.Now}
}

func (l *Limiter) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// CheckAndIncrement atomically admits or denies one request for key.
// A denied request never mutates the bucket. Storage errors deny admission.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string) (Result, error) {
	mu := l.shard(key)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()

	b, err := l.store.GetBucket(ctx, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Result{}, fmt.Errorf("rate limit read: %w", err)
	}

	// New key or expired window: admit and start a fresh window at count 1.
	if errors.Is(err, sql.ErrNoRows) || !now.Before(b.ResetAt) {
		resetAt := now.Add(l.window)
		if err := l.store.PutBucket(ctx, key, 1, resetAt); err != nil {
			return Result{}, fmt.Errorf("rate limit write: %w", err)
		}
		return Result{Allowed: true, Remaining: l.max - 1, ResetAt: resetAt}, nil
	}

	if b.Count >= int64(l.max) {
		metrics.RateLimited.Inc()
		retry := int(math.Ceil(b.ResetAt.Sub(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: b.ResetAt, RetryAfter: retry}, nil
	}

	if err := l.store.PutBucket(ctx, key, b.Count+1, b.ResetAt); err != nil {
		return Result{}, fmt.Errorf("rate limit write: %w", err)
	}
	return Result{Allowed: true, Remaining: l.max - int(b.Count) - 1, ResetAt: b.ResetAt}, nil
}

// Status reports the bucket for key without incrementing it.
func (l *Limiter) Status(ctx context.Context, key string) (Result, error) {
	now := l.now()

	b, err := l.store.GetBucket(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{Allowed: true, Remaining: l.max, ResetAt: now.Add(l.window)}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("rate limit status: %w", err)
	}
	if !now.Before(b.ResetAt) {
		return Result{Allowed: true, Remaining: l.max, ResetAt: now.Add(l.window)}, nil
	}
	remaining := l.max - int(b.Count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: remaining > 0, Remaining: remaining, ResetAt: b.ResetAt}, nil
}

// Reset clears the bucket for key (test hook).
func (l *Limiter) Reset(ctx context.Context, key string) error {
	mu := l.shard(key)
	mu.Lock()
	defer mu.Unlock()
	return l.store.DeleteBucket(ctx, key)
}

// Max returns the per-window admission limit.
func (l *Limiter) Max() int { return l.max }

// Window returns the fixed window duration.
func (l *Limiter) Window() time.Duration { return l.window }
