// Package batch runs a worker over a slice of items with bounded
// concurrency, and provides a typed retry combinator for flaky operations.
package batch

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Result pairs one input item with its outcome. Err is nil on success.
type Result[T, R any] struct {
	Item T
	Out  R
	Err  error
}

// Run processes items with up to concurrency workers pulling from a shared
// cursor. Results come back in input order regardless of which worker
// finished when. A worker error or panic is captured in that item's Result;
// it never stops the other items. Run itself only errors when ctx is
// cancelled before all items were claimed.
func Run[T, R any](ctx context.Context, items []T, concurrency int, worker func(ctx context.Context, item T) (R, error)) []Result[T, R] {
	results := make([]Result[T, R], len(items))
	if len(items) == 0 {
		return results
	}

	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	var cursor atomic.Int64
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				idx := int(cursor.Add(1)) - 1
				if idx >= len(items) {
					return nil
				}
				if err := ctx.Err(); err != nil {
					results[idx] = Result[T, R]{Item: items[idx], Err: err}
					continue
				}
				results[idx] = runOne(ctx, items[idx], worker)
			}
		})
	}

	_ = g.Wait()
	return results
}

func runOne[T, R any](ctx context.Context, item T, worker func(ctx context.Context, item T) (R, error)) (res Result[T, R]) {
	res.Item = item
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	res.Out, res.Err = worker(ctx, item)
	return res
}
