package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/sdnharness/internal/config"
	"github.com/pingsantohq/sdnharness/internal/events"
	"github.com/pingsantohq/sdnharness/internal/perturb"
	"github.com/pingsantohq/sdnharness/internal/probe"
	"github.com/pingsantohq/sdnharness/internal/runtime"
	"github.com/pingsantohq/sdnharness/internal/scheduler"
	"github.com/pingsantohq/sdnharness/internal/stats"
	"github.com/pingsantohq/sdnharness/internal/worker"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

// run carries the state of one Run call.
type run struct {
	o      *Orchestrator
	res    *Result
	events events.Recorder
}

// Run provisions the scenario and executes every phase in order. Phases
// never overlap: a phase starts only after the previous one was cleaned up.
// When ctx is cancelled the current phase is still joined and cleaned up,
// the restore actions still run, and the partial result is returned with
// the context error.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	o.ran = true
	o.mu.Unlock()

	timeline := events.NewTimeline()
	res := &Result{
		RunID:     o.deps.NewRunID(),
		Scenario:  o.cfg.Name,
		Baseline:  o.cfg.Baseline,
		StartedAt: o.deps.Now(),
	}
	r := &run{o: o, res: res, events: events.NewMulti(timeline, o.deps.Events)}
	defer func() {
		res.FinishedAt = o.deps.Now()
		res.Events = timeline.Events()
	}()

	r.setState(StateProvisioning)
	phases, err := o.provision(res.RunID)
	if err != nil {
		o.deps.Logger.Printf("scenario %s: provisioning failed: %v", o.cfg.Name, err)
		r.setState(StateFailed)
		return res, err
	}

	r.setState(StateRunning)
	for _, p := range phases {
		if ctx.Err() != nil {
			break
		}
		res.Phases = append(res.Phases, r.runPhase(ctx, p))
	}
	r.runFinally(ctx)

	if err := ctx.Err(); err != nil {
		if report, rerr := stats.BuildReport(res.Phases, o.cfg.Baseline); rerr == nil {
			res.Report = report
		}
		r.setState(StateFailed)
		return res, err
	}

	r.setState(StateReporting)
	report, err := stats.BuildReport(res.Phases, o.cfg.Baseline)
	if err != nil {
		r.setState(StateFailed)
		return res, err
	}
	res.Report = report
	r.setState(StateDone)
	return res, nil
}

func (r *run) setState(s State) {
	r.o.mu.Lock()
	r.o.state = s
	r.o.mu.Unlock()
	r.res.State = s
	r.o.deps.Logger.Printf("scenario %s run %s: %s", r.o.cfg.Name, r.res.RunID, s)
	r.emit(types.EventScenarioState, "", map[string]string{"state": string(s)}, nil)
}

func (r *run) emit(kind types.EventType, phase string, labels map[string]string, details map[string]any) {
	r.events.Record(types.Event{
		Type:      kind,
		Timestamp: r.o.deps.Now(),
		RunID:     r.res.RunID,
		Phase:     phase,
		Labels:    labels,
		Details:   details,
	})
}

func (r *run) runPhase(ctx context.Context, p provisioned) *types.Phase {
	o := r.o
	plan := p.plan
	phase := types.NewPhase(plan.label, plan.duration)
	r.emit(types.EventPhaseStarted, plan.label, nil, map[string]any{"duration_s": plan.duration.Seconds()})
	o.deps.Logger.Printf("phase %s: starting (%s)", plan.label, plan.duration)

	for _, a := range plan.perturbations {
		if ctx.Err() != nil {
			break
		}
		r.recordOutcome(phase, plan.label, o.apply(ctx, a))
	}

	settled := sleepCtx(ctx, plan.settle)
	phase.StartTime = o.deps.Now()
	if settled {
		var mu sync.Mutex
		var fired []types.PerturbationOutcome
		actions := make([]scheduler.Action, 0, len(plan.timeline))
		for _, s := range plan.timeline {
			actions = append(actions, scheduler.Action{
				ID:    s.id,
				At:    s.at,
				Every: s.every,
				Until: s.until,
				Run: func(ctx context.Context) error {
					out := o.applyStep(ctx, s)
					mu.Lock()
					fired = append(fired, out)
					mu.Unlock()
					if out.Error != "" {
						return errors.New(out.Error)
					}
					return nil
				},
			})
		}
		jobs := make([]worker.Job, len(p.drivers))
		for i, d := range p.drivers {
			jobs[i] = worker.Job{ID: d.Spec().Key().String(), Driver: d}
		}

		rt := runtime.New(
			runtime.WithNow(o.deps.Now),
			runtime.WithTickResolution(o.tickResolution),
			runtime.WithWorkerCount(o.workers),
			runtime.WithWorkerOptions(worker.WithOnDone(func(res worker.Result) {
				samples := 0
				if res.Series != nil {
					samples = res.Series.Len()
				}
				r.emit(types.EventDriverFinished, plan.label,
					map[string]string{"probe": res.Job.Driver.Spec().Key().Probe()},
					map[string]any{"samples": samples, "runtime_s": res.Finished.Sub(res.Started).Seconds()})
			})),
		)
		for _, res := range rt.Measure(ctx, plan.duration, jobs, actions) {
			if res.Series != nil {
				phase.Series = append(phase.Series, res.Series)
			}
		}
		// The scheduler goroutine has exited once Measure returned.
		for _, out := range fired {
			r.recordOutcome(phase, plan.label, out)
		}
	}
	phase.ProbesEnded = o.deps.Now()
	phase.Cancelled = ctx.Err() != nil

	r.cleanup(phase, p.touched)
	phase.CleanupDone = o.deps.Now()
	phase.Freeze()

	if o.deps.Artifacts != nil {
		if dir, err := o.deps.Artifacts.WritePhase(r.res.RunID, phase); err != nil {
			o.deps.Logger.Printf("phase %s: persist artifacts: %v", plan.label, err)
			r.res.Caveats = append(r.res.Caveats, fmt.Sprintf("%s: artifacts not persisted: %v", plan.label, err))
		} else {
			o.deps.Logger.Printf("phase %s: artifacts in %s", plan.label, dir)
		}
	}
	o.deps.PhaseMetrics.ObservePhase(plan.label, phase.CleanupDone.Sub(phase.StartTime))
	r.emit(types.EventPhaseFinished, plan.label, nil, map[string]any{
		"series":    len(phase.Series),
		"cleanup_s": phase.CleanupTime().Seconds(),
		"cancelled": phase.Cancelled,
	})
	o.deps.Logger.Printf("phase %s: finished with %d series, cleanup %s", plan.label, len(phase.Series), phase.CleanupTime())
	return phase
}

// cleanup stops background traffic and kills leftover probe tools on every
// node the phase touched. It uses its own deadline so a cancelled run still
// leaves the network clean.
func (r *run) cleanup(phase *types.Phase, touched []string) {
	o := r.o
	ctx, cancel := context.WithTimeout(context.Background(), o.cleanupTimeout)
	defer cancel()

	if err := o.deps.Traffic.StopAll(ctx); err != nil {
		o.deps.Logger.Printf("phase %s: stop traffic: %v", phase.Label, err)
		phase.AddCaveat(fmt.Sprintf("cleanup: stop traffic: %v", err))
	}
	kills := []string{
		probe.KillPrefixCommand(o.tools.Iperf + " -"),
		probe.KillCommand(o.tools.Ping + " -c"),
	}
	for _, name := range touched {
		n, err := o.deps.Network.Node(name)
		if err != nil {
			o.deps.Logger.Printf("phase %s: cleanup %s: %v", phase.Label, name, err)
			continue
		}
		for _, cmd := range kills {
			if _, err := n.Exec(ctx, cmd); err != nil {
				o.deps.Logger.Printf("phase %s: cleanup on %s: %v", phase.Label, name, err)
				phase.AddCaveat(fmt.Sprintf("cleanup on %s failed: %v", name, err))
			}
		}
	}
	r.emit(types.EventCleanupIssued, phase.Label, map[string]string{"nodes": strings.Join(touched, ",")}, nil)
}

// runFinally applies the restore actions with a context that survives
// cancellation of the run.
func (r *run) runFinally(ctx context.Context) {
	o := r.o
	if len(o.final) == 0 {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finallyTimeout)
	defer cancel()
	for _, a := range o.final {
		out := o.apply(fctx, a)
		r.res.Final = append(r.res.Final, out)
		if out.Applied {
			r.emit(types.EventPerturbationApplied, "", outcomeLabels(out), nil)
			continue
		}
		o.deps.PhaseMetrics.IncPerturbationFailure(out.Action)
		o.deps.Logger.Printf("finally %s %s failed: %s", out.Action, out.Target, out.Error)
		r.res.Caveats = append(r.res.Caveats, fmt.Sprintf("finally: %s %s failed: %s", out.Action, out.Target, out.Error))
		r.emit(types.EventPerturbationFailed, "", outcomeLabels(out), map[string]any{"error": out.Error})
	}
}

// recordOutcome attaches an outcome to the phase. Failures become caveats and
// never abort the phase.
func (r *run) recordOutcome(phase *types.Phase, label string, out types.PerturbationOutcome) {
	phase.Perturbations = append(phase.Perturbations, out)
	if out.Applied {
		r.emit(types.EventPerturbationApplied, label, outcomeLabels(out), nil)
		return
	}
	r.o.deps.PhaseMetrics.IncPerturbationFailure(out.Action)
	r.o.deps.Logger.Printf("phase %s: %s %s failed: %s", label, out.Action, out.Target, out.Error)
	phase.AddCaveat(fmt.Sprintf("%s %s failed: %s", out.Action, out.Target, out.Error))
	r.emit(types.EventPerturbationFailed, label, outcomeLabels(out), map[string]any{"error": out.Error})
}

func outcomeLabels(out types.PerturbationOutcome) map[string]string {
	return map[string]string{"action": out.Action, "target": out.Target}
}

func (o *Orchestrator) applyStep(ctx context.Context, s step) types.PerturbationOutcome {
	if s.flow == nil {
		return o.apply(ctx, s.action)
	}
	out := types.PerturbationOutcome{Action: ActionTraffic, Target: s.flow.String(), At: o.deps.Now()}
	if err := o.deps.Traffic.StartFlow(ctx, *s.flow); err != nil {
		out.Error = err.Error()
		return out
	}
	out.Applied = true
	return out
}

func (o *Orchestrator) apply(ctx context.Context, a config.ActionConfig) types.PerturbationOutcome {
	out := types.PerturbationOutcome{Action: a.Action, Target: target(a), At: o.deps.Now()}
	if err := o.perform(ctx, a); err != nil {
		out.Error = err.Error()
		return out
	}
	out.Applied = true
	return out
}

func (o *Orchestrator) perform(ctx context.Context, a config.ActionConfig) error {
	switch a.Action {
	case ActionSetLinkStatus:
		return o.deps.Perturber.SetLinkStatus(ctx, a.A, a.B, a.State == "up")
	case ActionMoveStation:
		return o.deps.Perturber.MoveStation(ctx, a.Station, perturb.Position{X: a.X, Y: a.Y, Z: a.Z})
	case ActionStopController:
		return o.deps.Perturber.StopController(ctx, a.Controller)
	case ActionStartController:
		return o.deps.Perturber.StartController(ctx, a.Controller)
	case ActionExec:
		n, err := o.deps.Network.Node(a.Node)
		if err != nil {
			return err
		}
		_, err = n.Exec(ctx, a.Command)
		return err
	}
	return fmt.Errorf("unsupported action %q", a.Action)
}

func target(a config.ActionConfig) string {
	switch a.Action {
	case ActionSetLinkStatus:
		return fmt.Sprintf("%s-%s %s", a.A, a.B, a.State)
	case ActionMoveStation:
		return fmt.Sprintf("%s (%g,%g,%g)", a.Station, a.X, a.Y, a.Z)
	case ActionStopController, ActionStartController:
		return a.Controller
	case ActionExec:
		return a.Node
	case ActionTraffic:
		return a.Pattern
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
