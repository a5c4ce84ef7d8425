package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

// RunRecord is the persisted outcome of one scenario run.
type RunRecord struct {
	RunID       string             `json:"run_id"`
	Scenario    string             `json:"scenario"`
	State       string             `json:"state"`
	Baseline    string             `json:"baseline"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Caveats     []string           `json:"caveats,omitempty"`
	Phases      []PhaseRecord      `json:"phases,omitempty"`
	Comparisons []types.Comparison `json:"comparisons,omitempty"`
}

// PhaseRecord summarises one phase of a run.
type PhaseRecord struct {
	Label       string    `json:"label"`
	StartTime   time.Time `json:"start_time"`
	DurationSec float64   `json:"duration_s"`
	CleanupSec  float64   `json:"cleanup_s"`
	Series      int       `json:"series"`
	Samples     int       `json:"samples"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	Caveats     []string  `json:"caveats,omitempty"`
}

// Header returns the record without phases and comparisons.
func (r RunRecord) Header() RunRecord {
	r.Phases = nil
	r.Comparisons = nil
	return r
}

// ErrRunNotFound signals that no run with the requested id was stored.
var ErrRunNotFound = errors.New("run not found")

// Store persists run results for the results API.
type Store interface {
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	// ListRuns returns run headers, newest first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// NewMemoryStore returns an in-memory implementation used when no database
// is configured.
func NewMemoryStore() Store {
	return &memoryStore{runs: map[string]RunRecord{}}
}

type memoryStore struct {
	mu   sync.RWMutex
	runs map[string]RunRecord
}

func (m *memoryStore) SaveRun(ctx context.Context, run RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New("run_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	return nil
}

func (m *memoryStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrRunNotFound
	}
	return run, nil
}

func (m *memoryStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		results = append(results, r.Header())
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.After(results[j].StartedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
