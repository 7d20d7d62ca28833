// Package enrich runs bounded-concurrency enrichment over a batch of items,
// preserving input order and isolating per-item faults.
package enrich

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DefaultConcurrency is the worker-pool width when callers pass <= 0.
const DefaultConcurrency = 10

// Progress is invoked once per completed item (success or failure).
// completed counts items finished so far; label identifies the item.
type Progress func(completed, total int, label string, hasError bool)

// Outcome is the per-item result. Err is set for items whose enrichment
// failed or panicked; failed items never abort their siblings.
type Outcome[O any] struct {
	Value O
	Err   error
}

// All maps items through one with at most concurrency in-flight calls.
// The returned slice has exactly len(items) outcomes in input order.
// A panic inside one is recovered and reported as that item's error.
// Context cancellation stops dispatch; undispatched items carry ctx.Err().
func All[I, O any](
	ctx context.Context,
	items []I,
	concurrency int,
	one func(ctx context.Context, item I) (O, error),
	label func(item I) string,
	onProgress Progress,
) []Outcome[O] {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	total := len(items)
	out := make([]Outcome[O], total)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	slots := make(chan struct{}, concurrency)

	finish := func(lbl string, hasErr bool) {
		mu.Lock()
		completed++
		done := completed
		mu.Unlock()
		if onProgress != nil {
			onProgress(done, total, lbl, hasErr)
		}
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			out[i] = Outcome[O]{Err: err}
			finish(label(item), true)
			continue
		}
		select {
		case <-ctx.Done():
			out[i] = Outcome[O]{Err: ctx.Err()}
			finish(label(item), true)
			continue
		case slots <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, item I) {
			defer wg.Done()
			defer func() { <-slots }()

			lbl := label(item)
			hasErr := false
			defer func() {
				if r := recover(); r != nil {
					log.WithField("item", lbl).
						WithField("stack", string(debug.Stack())).
						Errorf("recovered panic during enrichment: %v", r)
					out[i] = Outcome[O]{Err: fmt.Errorf("enrichment panicked: %v", r)}
					hasErr = true
				}
				finish(lbl, hasErr)
			}()

			v, err := one(ctx, item)
			if err != nil {
				out[i] = Outcome[O]{Err: err}
				hasErr = true
				return
			}
			out[i] = Outcome[O]{Value: v}
		}(i, item)
	}

	wg.Wait()
	return out
}
