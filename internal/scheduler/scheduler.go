package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Action is a step fired at an offset from the timeline start. With Every
// set it repeats until Until (or forever when Until is zero).
type Action struct {
	ID    string
	At    time.Duration
	Every time.Duration
	Until time.Duration
	Run   func(ctx context.Context) error
}

// Fired reports one execution of an action.
type Fired struct {
	ID  string
	At  time.Time
	Err error
}

// Scheduler fires timed actions within a phase. Actions run sequentially on
// the Start goroutine.
type Scheduler struct {
	tickResolution time.Duration
	now            func() time.Time
	onFired        func(Fired)

	mu      sync.Mutex
	origin  time.Time
	entries map[string]*entry
}

type entry struct {
	action Action
	next   time.Time
	done   bool
}

type Option func(*Scheduler)

func WithTickResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickResolution = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithOnFired(fn func(Fired)) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.onFired = fn
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tickResolution: 100 * time.Millisecond,
		now:            time.Now,
		onFired:        func(Fired) {},
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update replaces the timeline. Offsets are measured from the moment Update
// is called.
func (s *Scheduler) Update(actions []Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.origin = s.now()
	next := make(map[string]*entry, len(actions))
	for _, a := range actions {
		if a.Run == nil {
			continue
		}
		at := a.At
		if at < 0 {
			at = 0
		}
		next[a.ID] = &entry{action: a, next: s.origin.Add(at)}
	}
	s.entries = next
}

// Pending reports how many actions may still fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.done {
			n++
		}
	}
	return n
}

// Start fires due actions until ctx is cancelled or nothing is pending.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tickResolution)
	defer ticker.Stop()

	for {
		s.fire(ctx, s.tick(s.now()))
		if s.Pending() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, due []Action) {
	for _, a := range due {
		if ctx.Err() != nil {
			return
		}
		err := a.Run(ctx)
		s.onFired(Fired{ID: a.ID, At: s.now(), Err: err})
	}
}

// tick advances every due entry and returns the actions to run, ordered by
// their scheduled time.
func (s *Scheduler) tick(now time.Time) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	type due struct {
		at     time.Time
		action Action
	}
	var fired []due
	for _, e := range s.entries {
		if e.done || now.Before(e.next) {
			continue
		}
		fired = append(fired, due{at: e.next, action: e.action})
		if e.action.Every <= 0 {
			e.done = true
			continue
		}
		for !now.Before(e.next) {
			e.next = e.next.Add(e.action.Every)
		}
		if e.action.Until > 0 && e.next.After(s.origin.Add(e.action.Until)) {
			e.done = true
		}
	}
	sort.Slice(fired, func(i, j int) bool {
		if fired[i].at.Equal(fired[j].at) {
			return fired[i].action.ID < fired[j].action.ID
		}
		return fired[i].at.Before(fired[j].at)
	})
	out := make([]Action, len(fired))
	for i, f := range fired {
		out[i] = f.action
	}
	return out
}
