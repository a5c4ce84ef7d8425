package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool runs probe drivers, one goroutine per driver, and joins them.
type Pool struct {
	workerCount int
	now         func() time.Time
	onDone      func(Result)
}

type PoolOption func(*Pool)

// WithWorkerCount caps how many drivers run at once. Zero means every job
// gets its own worker.
func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

func WithNow(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithOnDone registers a callback invoked from the worker goroutine as soon
// as a driver returns.
func WithOnDone(fn func(Result)) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.onDone = fn
		}
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		now:    time.Now,
		onDone: func(Result) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts every job and blocks until all of them returned. Results are in
// job order. Cancelling ctx is propagated to every driver; Run still waits
// for each to finish its own cleanup.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	var g errgroup.Group
	if p.workerCount > 0 {
		g.SetLimit(p.workerCount)
	}
	for i, job := range jobs {
		g.Go(func() error {
			started := p.now()
			series := job.Driver.Run(ctx)
			res := Result{Job: job, Series: series, Started: started, Finished: p.now()}
			results[i] = res
			p.onDone(res)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
