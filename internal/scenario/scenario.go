// Package scenario runs an experiment as a strict sequence of labelled
// phases: perturb, settle, measure, clean up, persist.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iti/rngstream"

	"github.com/pingsantohq/sdnharness/internal/artifacts"
	"github.com/pingsantohq/sdnharness/internal/config"
	"github.com/pingsantohq/sdnharness/internal/events"
	"github.com/pingsantohq/sdnharness/internal/metrics"
	"github.com/pingsantohq/sdnharness/internal/node"
	"github.com/pingsantohq/sdnharness/internal/perturb"
	"github.com/pingsantohq/sdnharness/internal/probe"
	"github.com/pingsantohq/sdnharness/internal/stats"
	"github.com/pingsantohq/sdnharness/internal/store"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

var (
	ErrInvalidScenario   = errors.New("invalid scenario")
	ErrResourceCollision = errors.New("probe resource collision")
	ErrAlreadyRun        = errors.New("scenario already run")
)

type State string

const (
	StateIdle         State = "idle"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateReporting    State = "reporting"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Action names accepted in perturbations, timelines and finally blocks.
const (
	ActionSetLinkStatus   = "set_link_status"
	ActionMoveStation     = "move_station"
	ActionStopController  = "stop_controller"
	ActionStartController = "start_controller"
	ActionTraffic         = "traffic"
	ActionExec            = "exec"
)

// Dependencies holds the collaborators of a run. Network is required; the
// rest fall back to no-op or default implementations.
type Dependencies struct {
	Network   node.Network
	Perturber perturb.Perturber
	Traffic   *perturb.Traffic
	Logger    *log.Logger
	Events    events.Recorder

	ProbeMetrics metrics.ProbeRecorder
	PhaseMetrics metrics.PhaseRecorder
	// Artifacts persists every phase when set.
	Artifacts *artifacts.Writer

	Now      func() time.Time
	NewRunID func() string
}

type Option func(*Orchestrator)

// WithMinSampleInterval sets the smallest sample interval accepted at setup.
func WithMinSampleInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.minInterval = d
		}
	}
}

// WithWorkerCount caps the drivers measuring at once. Every probe of a phase
// must run for the whole window, so New rejects phases with more probes.
func WithWorkerCount(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithTools(t probe.Tools) Option {
	return func(o *Orchestrator) {
		o.tools = t
	}
}

func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cleanupTimeout = d
		}
	}
}

// WithFinallyTimeout bounds the restore actions run after the last phase.
func WithFinallyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.finallyTimeout = d
		}
	}
}

func WithTickResolution(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.tickResolution = d
		}
	}
}

// WithOutputDir sets the directory on the nodes where throughput reports
// are written when a probe has no explicit output file.
func WithOutputDir(dir string) Option {
	return func(o *Orchestrator) {
		if dir != "" {
			o.outputDir = dir
		}
	}
}

// Orchestrator owns one run. It is single use.
type Orchestrator struct {
	cfg   config.ScenarioConfig
	deps  Dependencies
	plans []phasePlan
	final []config.ActionConfig

	minInterval    time.Duration
	workers        int
	tools          probe.Tools
	cleanupTimeout time.Duration
	finallyTimeout time.Duration
	tickResolution time.Duration
	outputDir      string

	mu    sync.Mutex
	state State
	ran   bool
}

// New expands the configured scenario into phases and validates its shape.
// Node resolution and port allocation happen when Run provisions.
func New(cfg config.ScenarioConfig, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Network == nil {
		return nil, fmt.Errorf("%w: network required", ErrInvalidScenario)
	}
	o := &Orchestrator{
		cfg:            cfg,
		minInterval:    time.Second,
		tools:          probe.DefaultTools(),
		cleanupTimeout: 10 * time.Second,
		finallyTimeout: time.Minute,
		tickResolution: 100 * time.Millisecond,
		outputDir:      "/tmp",
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	def := probe.DefaultTools()
	if o.tools.Ping == "" {
		o.tools.Ping = def.Ping
	}
	if o.tools.Iperf == "" {
		o.tools.Iperf = def.Iperf
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Events == nil {
		deps.Events = events.NoopRecorder{}
	}
	if deps.ProbeMetrics == nil {
		deps.ProbeMetrics = metrics.NoopProbeRecorder{}
	}
	if deps.PhaseMetrics == nil {
		deps.PhaseMetrics = metrics.NoopPhaseRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if deps.Traffic == nil {
		deps.Traffic = perturb.NewTraffic(deps.Network, o.tools.Iperf, deps.Logger)
	}
	o.deps = deps

	plans, final, err := expand(cfg, rngstream.New(cfg.Seed))
	if err != nil {
		return nil, err
	}
	if err := o.validate(plans, final); err != nil {
		return nil, err
	}
	o.plans = plans
	o.final = final
	return o, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Labels returns the phase labels in execution order.
func (o *Orchestrator) Labels() []string {
	out := make([]string, len(o.plans))
	for i, p := range o.plans {
		out[i] = p.label
	}
	return out
}

// Result is the outcome of a run. On cancellation it holds every phase that
// was started, each of them cleaned up.
type Result struct {
	RunID      string                      `json:"run_id"`
	Scenario   string                      `json:"scenario"`
	Baseline   string                      `json:"baseline"`
	State      State                       `json:"state"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Phases     []*types.Phase              `json:"phases"`
	Report     stats.Report                `json:"report"`
	Events     []types.Event               `json:"events,omitempty"`
	Final      []types.PerturbationOutcome `json:"final,omitempty"`
	// Caveats are run-level notes such as failed restore actions.
	Caveats []string `json:"caveats,omitempty"`
}

// Record converts the result into its stored form.
func (r *Result) Record() store.RunRecord {
	rec := store.RunRecord{
		RunID:       r.RunID,
		Scenario:    r.Scenario,
		State:       string(r.State),
		Baseline:    r.Baseline,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Comparisons: r.Report.Comparisons,
	}
	rec.Caveats = append(rec.Caveats, r.Report.Caveats...)
	rec.Caveats = append(rec.Caveats, r.Caveats...)
	for _, p := range r.Phases {
		samples := 0
		for _, s := range p.Series {
			samples += s.Len()
		}
		rec.Phases = append(rec.Phases, store.PhaseRecord{
			Label:       p.Label,
			StartTime:   p.StartTime,
			DurationSec: p.Duration.Seconds(),
			CleanupSec:  p.CleanupTime().Seconds(),
			Series:      len(p.Series),
			Samples:     samples,
			Cancelled:   p.Cancelled,
			Caveats:     p.Caveats,
		})
	}
	return rec
}
