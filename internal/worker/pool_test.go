package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pingsantohq/sdnharness/internal/probe"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

type fakeDriver struct {
	spec    probe.Spec
	delay   time.Duration
	running *atomic.Int32
	peak    *atomic.Int32
}

func (d *fakeDriver) Spec() probe.Spec { return d.spec }

func (d *fakeDriver) Run(ctx context.Context) *types.Series {
	n := d.running.Add(1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer d.running.Add(-1)

	s := types.NewSeries(d.spec.Key())
	select {
	case <-ctx.Done():
	case <-time.After(d.delay):
		_ = s.AppendICMP(types.IcmpSample{ElapsedSec: 0, LatencyMs: types.Float(1)})
	}
	return s
}

func newJobs(n int, delay time.Duration, running, peak *atomic.Int32) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		spec := probe.Spec{Kind: types.ProbeICMP, Source: "h1", Dest: string(rune('a' + i)), Phase: "baseline"}
		jobs[i] = Job{ID: spec.Key().String(), Driver: &fakeDriver{spec: spec, delay: delay, running: running, peak: peak}}
	}
	return jobs
}

func TestPoolRunsDriversConcurrently(t *testing.T) {
	var running, peak atomic.Int32
	jobs := newJobs(4, 50*time.Millisecond, &running, &peak)

	var mu sync.Mutex
	var done []string
	p := NewPool(WithOnDone(func(r Result) {
		mu.Lock()
		done = append(done, r.Job.ID)
		mu.Unlock()
	}))

	results := p.Run(context.Background(), jobs)
	if len(results) != 4 {
		t.Fatalf("expected 4 results got %d", len(results))
	}
	for i, r := range results {
		if r.Job.ID != jobs[i].ID {
			t.Fatalf("results out of job order at %d", i)
		}
		if r.Series == nil || r.Series.Len() != 1 {
			t.Fatalf("expected one sample for %s", r.Job.ID)
		}
		if r.Finished.Before(r.Started) {
			t.Fatalf("finished before started for %s", r.Job.ID)
		}
	}
	if peak.Load() != 4 {
		t.Fatalf("expected all 4 drivers to overlap got peak %d", peak.Load())
	}
	if len(done) != 4 {
		t.Fatalf("expected 4 completion callbacks got %d", len(done))
	}
}

func TestPoolWorkerLimit(t *testing.T) {
	var running, peak atomic.Int32
	jobs := newJobs(4, 20*time.Millisecond, &running, &peak)

	NewPool(WithWorkerCount(2)).Run(context.Background(), jobs)
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent drivers got %d", peak.Load())
	}
}

func TestPoolCancellationJoinsAll(t *testing.T) {
	var running, peak atomic.Int32
	jobs := newJobs(3, time.Hour, &running, &peak)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	results := NewPool().Run(ctx, jobs)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("pool did not return promptly after cancellation")
	}
	if running.Load() != 0 {
		t.Fatalf("expected every driver joined, %d still running", running.Load())
	}
	for _, r := range results {
		if r.Series == nil || r.Series.Len() != 0 {
			t.Fatalf("expected empty series after cancellation")
		}
	}
}
