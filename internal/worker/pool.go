package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool bounds how many per-item operations of a batch run at once.
// A nil *Pool runs items sequentially.
type Pool struct {
	size int
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size}
}

// Each calls fn for every index in [0, n) and returns the per-index errors.
// One item's failure never stops the others; items not started before ctx
// is done get ctx.Err().
func (p *Pool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	if p == nil {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				continue
			}
			errs[i] = fn(ctx, i)
		}
		return errs
	}

	var g errgroup.Group
	g.SetLimit(p.size)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			errs[i] = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
