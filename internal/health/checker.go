package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

const defaultPhaseGrace = time.Minute

const (
	categoryRunPending   = "RUN_PENDING"
	categoryRunFailed    = "RUN_FAILED"
	categoryPhaseOverdue = "PHASE_OVERDUE"
	categoryPerturbation = "PERTURBATION_FAILING"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Category classifies one readiness reason.
type Category struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
}

// Checker follows the event stream of a run and reports whether it is
// progressing. It is safe for concurrent use.
type Checker struct {
	grace time.Duration

	mu            sync.RWMutex
	state         string
	phase         string
	phaseStarted  time.Time
	phaseDuration time.Duration
	phaseFailures int
	lastFailure   string
	categories    []Category
}

// NewChecker builds a checker that flags a phase as overdue once it has run
// grace longer than its planned duration.
func NewChecker(grace time.Duration) *Checker {
	if grace <= 0 {
		grace = defaultPhaseGrace
	}
	return &Checker{grace: grace}
}

// Record implements events.Recorder.
func (c *Checker) Record(ev types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case types.EventScenarioState:
		c.state = ev.Labels["state"]
	case types.EventPhaseStarted:
		c.phase = ev.Phase
		c.phaseStarted = ev.Timestamp
		c.phaseDuration = 0
		if secs, ok := ev.Details["duration_s"].(float64); ok {
			c.phaseDuration = time.Duration(secs * float64(time.Second))
		}
		c.phaseFailures = 0
		c.lastFailure = ""
	case types.EventPhaseFinished:
		c.phase = ""
		c.phaseStarted = time.Time{}
	case types.EventPerturbationFailed:
		c.phaseFailures++
		c.lastFailure = ev.Labels["action"] + " " + ev.Labels["target"]
	}
}

// Ready evaluates the run and returns the overall status and the reasons it
// is not ready.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 3)
	categories := make([]Category, 0, 3)
	add := func(reason, name, severity string) {
		reasons = append(reasons, reason)
		categories = append(categories, Category{Name: name, Severity: severity})
	}

	c.mu.RLock()
	state := c.state
	phase := c.phase
	started := c.phaseStarted
	planned := c.phaseDuration
	failures := c.phaseFailures
	lastFailure := c.lastFailure
	c.mu.RUnlock()

	switch state {
	case "", "idle", "provisioning":
		add("run not started", categoryRunPending, severityInfo)
	case "failed":
		add("run failed", categoryRunFailed, severityCritical)
	}

	if phase != "" && !started.IsZero() {
		if elapsed := now.Sub(started); elapsed > planned+c.grace {
			add(fmt.Sprintf("phase %s overdue (%s)", phase, elapsed.Round(time.Second)), categoryPhaseOverdue, severityWarning)
		}
	}
	if failures > 0 {
		add(fmt.Sprintf("%d perturbation(s) failed in phase %s, last %s", failures, phase, lastFailure), categoryPerturbation, severityWarning)
	}

	c.mu.Lock()
	c.categories = categories
	c.mu.Unlock()

	if len(reasons) > 0 {
		return false, reasons
	}
	return true, nil
}

// Categories returns the categories of the last Ready evaluation.
func (c *Checker) Categories() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Category(nil), c.categories...)
}
