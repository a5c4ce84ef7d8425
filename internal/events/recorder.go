package events

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// Timeline keeps every event of a run in memory.
type Timeline struct {
	mu     sync.Mutex
	events []types.Event
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

func (t *Timeline) Record(event types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

// Events returns a copy in recording order.
func (t *Timeline) Events() []types.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.Event(nil), t.events...)
}

// Filter returns the events of one type.
func (t *Timeline) Filter(kind types.EventType) []types.Event {
	var out []types.Event
	for _, e := range t.Events() {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

// LogRecorder writes one line per event.
type LogRecorder struct {
	Logger *log.Logger
}

func (r LogRecorder) Record(event types.Event) {
	if r.Logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString("event=")
	b.WriteString(string(event.Type))
	if event.Phase != "" {
		b.WriteString(" phase=")
		b.WriteString(event.Phase)
	}
	keys := make([]string, 0, len(event.Labels))
	for k := range event.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(event.Labels[k])
	}
	r.Logger.Print(b.String())
}
