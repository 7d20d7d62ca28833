package enrich

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func intLabel(i int) string { return strconv.Itoa(i) }

func TestAllPreservesOrder(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	// Later items complete first; output order must still match input.
	out := All(context.Background(), items, 4,
		func(_ context.Context, i int) (string, error) {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return fmt.Sprintf("v%d", i), nil
		},
		intLabel, nil)

	if len(out) != len(items) {
		t.Fatalf("expected %d outcomes, got %d", len(items), len(out))
	}
	for i, o := range out {
		if o.Err != nil {
			t.Fatalf("item %d: unexpected error %v", i, o.Err)
		}
		if o.Value != fmt.Sprintf("v%d", i) {
			t.Fatalf("item %d out of order: %q", i, o.Value)
		}
	}
}

func TestAllBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32

	All(context.Background(), make([]int, 50), 3,
		func(_ context.Context, _ int) (int, error) {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return 0, nil
		},
		intLabel, nil)

	if p := peak.Load(); p > 3 {
		t.Fatalf("concurrency bound violated: peak %d", p)
	}
}

func TestAllPerItemFailureDoesNotAbort(t *testing.T) {
	items := []int{0, 1, 2, 3}
	boom := errors.New("lookup failed")

	out := All(context.Background(), items, 2,
		func(_ context.Context, i int) (int, error) {
			if i == 1 {
				return 0, boom
			}
			return i * 10, nil
		},
		intLabel, nil)

	if !errors.Is(out[1].Err, boom) {
		t.Fatalf("expected item 1 error, got %v", out[1].Err)
	}
	for _, i := range []int{0, 2, 3} {
		if out[i].Err != nil {
			t.Fatalf("sibling %d aborted: %v", i, out[i].Err)
		}
		if out[i].Value != i*10 {
			t.Fatalf("sibling %d wrong value: %d", i, out[i].Value)
		}
	}
}

func TestAllRecoversPanic(t *testing.T) {
	out := All(context.Background(), []int{0, 1, 2}, 2,
		func(_ context.Context, i int) (int, error) {
			if i == 1 {
				panic("unexpected provider response shape")
			}
			return i, nil
		},
		intLabel, nil)

	if out[1].Err == nil {
		t.Fatal("expected panicked item to carry an error")
	}
	if out[0].Err != nil || out[2].Err != nil {
		t.Fatalf("panic leaked into siblings: %v / %v", out[0].Err, out[2].Err)
	}
}

func TestAllProgressCallback(t *testing.T) {
	var mu sync.Mutex
	var completions []int
	errorsSeen := 0

	All(context.Background(), []int{0, 1, 2, 3, 4}, 2,
		func(_ context.Context, i int) (int, error) {
			if i == 2 {
				return 0, errors.New("nope")
			}
			return i, nil
		},
		intLabel,
		func(completed, total int, label string, hasError bool) {
			mu.Lock()
			defer mu.Unlock()
			completions = append(completions, completed)
			if total != 5 {
				t.Errorf("expected total 5, got %d", total)
			}
			if hasError {
				errorsSeen++
			}
		})

	if len(completions) != 5 {
		t.Fatalf("expected 5 progress callbacks, got %d", len(completions))
	}
	// completed counts are strictly increasing 1..5.
	for i, c := range completions {
		if c != i+1 {
			t.Fatalf("expected completion %d at index %d, got %d", i+1, i, c)
		}
	}
	if errorsSeen != 1 {
		t.Fatalf("expected exactly one error completion, got %d", errorsSeen)
	}
}

func TestAllCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := All(ctx, []int{0, 1, 2}, 1,
		func(_ context.Context, i int) (int, error) { return i, nil },
		intLabel, nil)

	for i, o := range out {
		if !errors.Is(o.Err, context.Canceled) {
			t.Fatalf("item %d: expected context.Canceled, got %v", i, o.Err)
		}
	}
}

func TestAllEmptyInput(t *testing.T) {
	out := All(context.Background(), nil, 4,
		func(_ context.Context, i int) (int, error) { return i, nil },
		intLabel, nil)
	if len(out) != 0 {
		t.Fatalf("expected no outcomes, got %d", len(out))
	}
}
