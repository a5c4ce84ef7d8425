package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/pingsantohq/sdnharness/internal/scheduler"
	"github.com/pingsantohq/sdnharness/internal/worker"
)

type Option func(*config)

type config struct {
	schedulerOpts []scheduler.Option
	workerOpts    []worker.PoolOption
	now           func() time.Time
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(c *config) {
		c.schedulerOpts = append(c.schedulerOpts, opts...)
	}
}

func WithWorkerOptions(opts ...worker.PoolOption) Option {
	return func(c *config) {
		c.workerOpts = append(c.workerOpts, opts...)
	}
}

// Runtime drives one measurement window: the probe drivers on the worker
// pool and the phase timeline on the scheduler.
type Runtime struct {
	scheduler *scheduler.Scheduler
	pool      *worker.Pool
	now       func() time.Time
}

func New(opts ...Option) *Runtime {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runtime{
		scheduler: scheduler.New(cfg.schedulerOpts...),
		pool:      worker.NewPool(cfg.workerOpts...),
		now:       cfg.now,
	}
}

// Start launches the timeline and returns a stop function that cancels it
// and waits for the scheduler goroutine to exit.
func (r *Runtime) Start(ctx context.Context, timeline []scheduler.Action) func() {
	r.scheduler.Update(timeline)
	schedCtx, cancel := context.WithCancel(ctx)
	var schedWG sync.WaitGroup
	schedWG.Add(1)
	go func() {
		defer schedWG.Done()
		r.scheduler.Start(schedCtx)
	}()
	return func() {
		cancel()
		schedWG.Wait()
	}
}

// Measure runs jobs alongside the timeline and keeps the window open until
// window has elapsed, even when every driver returned early. The timeline is
// stopped before Measure returns. Cancelling ctx ends the window at once.
func (r *Runtime) Measure(ctx context.Context, window time.Duration, jobs []worker.Job, timeline []scheduler.Action) []worker.Result {
	start := r.now()
	stop := r.Start(ctx, timeline)
	defer stop()

	results := r.pool.Run(ctx, jobs)
	if rest := window - r.now().Sub(start); rest > 0 {
		timer := time.NewTimer(rest)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return results
}

func WithTickResolution(d time.Duration) Option {
	return WithSchedulerOptions(scheduler.WithTickResolution(d))
}

func WithWorkerCount(n int) Option {
	return WithWorkerOptions(worker.WithWorkerCount(n))
}

func WithNow(now func() time.Time) Option {
	return func(c *config) {
		if now == nil {
			return
		}
		c.now = now
		c.schedulerOpts = append(c.schedulerOpts, scheduler.WithNow(now))
		c.workerOpts = append(c.workerOpts, worker.WithNow(now))
	}
}
