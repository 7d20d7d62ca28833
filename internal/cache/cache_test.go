package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	c, err := New(128, 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func TestPutGet(t *testing.T) {
	c, _ := newTestCache(t)

	c.Put("books", "isbn:123", "value", time.Minute)
	e, ok := c.Get("books", "isbn:123")
	if !ok {
		t.Fatal("expected hit")
	}
	if e.Negative {
		t.Fatal("expected positive entry")
	}
	if e.Value.(string) != "value" {
		t.Fatalf("unexpected value: %v", e.Value)
	}
}

func TestExpiry(t *testing.T) {
	c, now := newTestCache(t)

	c.Put("ns", "k", 1, time.Minute)
	*now = now.Add(61 * time.Second)

	if _, ok := c.Get("ns", "k"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestNamespacesDoNotCollide(t *testing.T) {
	c, _ := newTestCache(t)

	c.Put("a", "k", "from-a", time.Minute)
	c.Put("b", "k", "from-b", time.Minute)

	ea, _ := c.Get("a", "k")
	eb, _ := c.Get("b", "k")
	if ea.Value.(string) != "from-a" || eb.Value.(string) != "from-b" {
		t.Fatalf("namespace collision: %v / %v", ea.Value, eb.Value)
	}
}

func TestNegativeEntry(t *testing.T) {
	c, now := newTestCache(t)

	c.PutNegative("ns", "k", KindNoResults, 404)
	e, ok := c.Get("ns", "k")
	if !ok || !e.Negative {
		t.Fatalf("expected negative hit, got ok=%v entry=%+v", ok, e)
	}
	if e.Kind != KindNoResults || e.Status != 404 {
		t.Fatalf("unexpected negative entry: %+v", e)
	}

	// Negative entries expire after the fixed 5 minute TTL.
	*now = now.Add(NegativeTTL + time.Second)
	if _, ok := c.Get("ns", "k"); ok {
		t.Fatal("expected negative entry to expire")
	}
}

func TestPutClearsNegative(t *testing.T) {
	c, _ := newTestCache(t)

	c.PutNegative("ns", "k", KindError, 503)
	c.Put("ns", "k", "recovered", time.Minute)

	e, ok := c.Get("ns", "k")
	if !ok || e.Negative {
		t.Fatalf("expected positive entry to shadow negative, got ok=%v entry=%+v", ok, e)
	}
}

func TestCoalesceShortCircuitsOnNegative(t *testing.T) {
	c, _ := newTestCache(t)
	c.PutNegative("ns", "k", KindNoResults, 0)

	called := false
	_, err := c.Coalesce(context.Background(), "ns", "k", func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	if called {
		t.Fatal("producer must not run when a negative entry exists")
	}
	var neg *NegativeError
	if !errors.As(err, &neg) || neg.Kind != KindNoResults {
		t.Fatalf("expected NegativeError{no_results}, got %v", err)
	}
}

func TestCoalesceRunsProducerOnce(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	producer := func(context.Context) (any, error) {
		calls.Add(1)
		close(started)
		<-release
		return "result", nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]any, waiters)
	errs := make([]error, waiters)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Coalesce(ctx, "ns", "k", producer)
	}()
	<-started

	for i := 1; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Coalesce(ctx, "ns", "k", producer)
		}(i)
	}
	// Give the stragglers a moment to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("producer invoked %d times, want 1", n)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d error: %v", i, errs[i])
		}
		if results[i].(string) != "result" {
			t.Fatalf("waiter %d got %v", i, results[i])
		}
	}
}

func TestCoalesceSharesFailure(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	boom := errors.New("provider down")
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = c.Coalesce(ctx, "ns", "fail", func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, boom
		})
	}()
	<-started
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Coalesce(ctx, "ns", "fail", func(context.Context) (any, error) {
				t.Error("second producer must not run")
				return nil, nil
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("waiter %d: expected shared failure, got %v", i, err)
		}
	}
}

func TestCoalesceUsesCachedValue(t *testing.T) {
	c, _ := newTestCache(t)
	c.Put("ns", "k", "cached", time.Minute)

	v, err := c.Coalesce(context.Background(), "ns", "k", func(context.Context) (any, error) {
		t.Fatal("producer must not run on a cache hit")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Coalesce: %v", err)
	}
	if v.(string) != "cached" {
		t.Fatalf("expected cached value, got %v", v)
	}
}
