package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/querygate/querygate/internal/observability"
)

// workerPool bounds how many requests run the pipeline at once. Requests
// beyond capacity wait for a slot instead of starting.
type workerPool struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(workers))}
}

func (p *workerPool) acquire(ctx context.Context) (func(), error) {
	p.waiting.Add(1)
	p.report()
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		p.report()
		return nil, err
	}
	p.inFlight.Add(1)
	p.report()

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		p.inFlight.Add(-1)
		p.sem.Release(1)
		p.report()
	}, nil
}

func (p *workerPool) report() {
	observability.SetWorkerPool(p.inFlight.Load(), p.waiting.Load())
}
