package scenario

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/iti/rngstream"

	"github.com/pingsantohq/sdnharness/internal/config"
	"github.com/pingsantohq/sdnharness/internal/perturb"
	"github.com/pingsantohq/sdnharness/internal/probe"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

// step is one timeline entry. Traffic actions are expanded into one step per
// flow when the scenario is built so that random pairs are fixed up front.
type step struct {
	id     string
	at     time.Duration
	every  time.Duration
	until  time.Duration
	action config.ActionConfig
	flow   *perturb.Flow
}

type phasePlan struct {
	label         string
	duration      time.Duration
	settle        time.Duration
	perturbations []config.ActionConfig
	timeline      []step
	probes        []config.ProbeConfig
}

// provisioned is a phase ready to run: drivers built, nodes resolved.
type provisioned struct {
	plan    phasePlan
	drivers []probe.Driver
	touched []string
}

func expand(cfg config.ScenarioConfig, rng *rngstream.RngStream) ([]phasePlan, []config.ActionConfig, error) {
	type rawPhase struct {
		label         string
		duration      time.Duration
		settle        time.Duration
		perturbations []config.ActionConfig
		timeline      []config.ActionConfig
		probes        []config.ProbeConfig
	}
	phase := func(label string, perturbations, timeline []config.ActionConfig) rawPhase {
		return rawPhase{label: label, duration: cfg.PhaseDuration, settle: cfg.Settle,
			perturbations: perturbations, timeline: timeline}
	}

	var raw []rawPhase
	var final []config.ActionConfig
	switch cfg.Name {
	case config.ScenarioLinkFailure:
		if cfg.Link.A == "" || cfg.Link.B == "" {
			return nil, nil, fmt.Errorf("%w: link-failure needs link.a and link.b", ErrInvalidScenario)
		}
		link := func(state string) config.ActionConfig {
			return config.ActionConfig{Action: ActionSetLinkStatus, A: cfg.Link.A, B: cfg.Link.B, State: state}
		}
		raw = []rawPhase{
			phase(cfg.Baseline, nil, nil),
			phase("link-down", []config.ActionConfig{link("down")}, nil),
			phase("recovered", []config.ActionConfig{link("up")}, nil),
		}
		final = []config.ActionConfig{link("up")}
	case config.ScenarioControllerFailover:
		if cfg.Controller == "" {
			return nil, nil, fmt.Errorf("%w: controller-failover needs controller", ErrInvalidScenario)
		}
		stop := config.ActionConfig{Action: ActionStopController, Controller: cfg.Controller}
		start := config.ActionConfig{Action: ActionStartController, Controller: cfg.Controller}
		raw = []rawPhase{
			phase(cfg.Baseline, nil, nil),
			phase("failover", []config.ActionConfig{stop}, nil),
			phase("restored", []config.ActionConfig{start}, nil),
		}
		final = []config.ActionConfig{start}
	case config.ScenarioMobility:
		if cfg.Station == "" || len(cfg.Waypoints) == 0 {
			return nil, nil, fmt.Errorf("%w: mobility needs station and waypoints", ErrInvalidScenario)
		}
		move := func(wp config.WaypointConfig) config.ActionConfig {
			return config.ActionConfig{Action: ActionMoveStation, Station: cfg.Station, At: wp.At, X: wp.X, Y: wp.Y, Z: wp.Z}
		}
		home := move(cfg.Waypoints[0])
		home.At = 0
		var path []config.ActionConfig
		for _, wp := range cfg.Waypoints {
			path = append(path, move(wp))
		}
		raw = []rawPhase{
			phase(cfg.Baseline, []config.ActionConfig{home}, nil),
			phase("mobility", nil, path),
		}
		final = []config.ActionConfig{home}
	case config.ScenarioCongestion:
		if cfg.Pattern == "" || len(cfg.TrafficHosts) == 0 {
			return nil, nil, fmt.Errorf("%w: congestion needs pattern and traffic_hosts", ErrInvalidScenario)
		}
		traffic := config.ActionConfig{Action: ActionTraffic, Pattern: cfg.Pattern, Hosts: cfg.TrafficHosts, Pairs: cfg.RandomPairs}
		raw = []rawPhase{
			phase(cfg.Baseline, nil, nil),
			phase("congested", nil, []config.ActionConfig{traffic}),
			phase("recovered", nil, nil),
		}
	case config.ScenarioCustom, "":
		for _, p := range cfg.Phases {
			settle := cfg.Settle
			if p.Settle != nil {
				settle = *p.Settle
			}
			raw = append(raw, rawPhase{label: p.Label, duration: p.Duration, settle: settle,
				perturbations: p.Perturbations, timeline: p.Timeline, probes: p.Probes})
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown scenario %q", ErrInvalidScenario, cfg.Name)
	}
	final = append(final, cfg.Finally...)

	plans := make([]phasePlan, 0, len(raw))
	for _, r := range raw {
		plan := phasePlan{label: r.label, duration: r.duration, settle: r.settle, probes: r.probes}
		if len(plan.probes) == 0 {
			plan.probes = cfg.Probes
		}
		// Traffic launched with the perturbations starts with the
		// measurement window.
		timeline := append([]config.ActionConfig(nil), r.timeline...)
		for _, a := range r.perturbations {
			if a.Action == ActionTraffic {
				a.At = 0
				timeline = append(timeline, a)
				continue
			}
			plan.perturbations = append(plan.perturbations, a)
		}
		steps, err := buildTimeline(cfg, timeline, r.duration, rng)
		if err != nil {
			return nil, nil, fmt.Errorf("phase %q: %w", r.label, err)
		}
		plan.timeline = steps
		plans = append(plans, plan)
	}
	return plans, final, nil
}

func buildTimeline(cfg config.ScenarioConfig, actions []config.ActionConfig, duration time.Duration, rng *rngstream.RngStream) ([]step, error) {
	var steps []step
	port := cfg.TrafficBasePort
	for i, a := range actions {
		if a.Action != ActionTraffic {
			steps = append(steps, step{
				id:     fmt.Sprintf("%02d-%s", i, a.Action),
				at:     a.At,
				every:  a.Every,
				until:  a.Until,
				action: a,
			})
			continue
		}
		if a.Pattern == "" {
			return nil, fmt.Errorf("%w: traffic action needs a pattern", ErrInvalidScenario)
		}
		hosts := a.Hosts
		if len(hosts) == 0 {
			hosts = cfg.TrafficHosts
		}
		pairs := a.Pairs
		if pairs <= 0 {
			pairs = cfg.RandomPairs
		}
		flows, err := perturb.ExpandPattern(a.Pattern, hosts, duration-a.At, port, pairs, rng)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		port += len(flows)
		for j := range flows {
			f := flows[j]
			steps = append(steps, step{
				id:     fmt.Sprintf("%02d-traffic-%02d", i, j),
				at:     a.At + f.Start,
				action: a,
				flow:   &f,
			})
		}
	}
	return steps, nil
}

func (o *Orchestrator) validate(plans []phasePlan, final []config.ActionConfig) error {
	if len(plans) == 0 {
		return fmt.Errorf("%w: no phases", ErrInvalidScenario)
	}
	if o.cfg.SampleInterval < o.minInterval {
		return fmt.Errorf("%w: sample interval %s below minimum %s", ErrInvalidScenario, o.cfg.SampleInterval, o.minInterval)
	}
	labels := make(map[string]struct{}, len(plans))
	for _, p := range plans {
		if p.label == "" {
			return fmt.Errorf("%w: phase without label", ErrInvalidScenario)
		}
		if _, dup := labels[p.label]; dup {
			return fmt.Errorf("%w: duplicate phase label %q", ErrInvalidScenario, p.label)
		}
		labels[p.label] = struct{}{}
		if p.duration <= 0 {
			return fmt.Errorf("%w: phase %q duration must be positive", ErrInvalidScenario, p.label)
		}
		if p.settle < 0 {
			return fmt.Errorf("%w: phase %q settle must not be negative", ErrInvalidScenario, p.label)
		}
		if len(p.probes) == 0 {
			return fmt.Errorf("%w: phase %q has no probes", ErrInvalidScenario, p.label)
		}
		if o.workers > 0 && len(p.probes) > o.workers {
			return fmt.Errorf("%w: phase %q has %d probes but only %d concurrent drivers", ErrInvalidScenario, p.label, len(p.probes), o.workers)
		}
		for _, pc := range p.probes {
			if err := validateProbe(pc); err != nil {
				return fmt.Errorf("phase %q: %w", p.label, err)
			}
		}
		for _, a := range p.perturbations {
			if err := o.validateAction(a); err != nil {
				return fmt.Errorf("phase %q: %w", p.label, err)
			}
		}
		for _, s := range p.timeline {
			if s.at < 0 || s.at >= p.duration {
				return fmt.Errorf("%w: phase %q action %s at %s outside the phase", ErrInvalidScenario, p.label, s.action.Action, s.at)
			}
			if s.flow != nil {
				continue
			}
			if err := o.validateAction(s.action); err != nil {
				return fmt.Errorf("phase %q: %w", p.label, err)
			}
		}
	}
	if _, ok := labels[o.cfg.Baseline]; !ok {
		return fmt.Errorf("%w: baseline phase %q not defined", ErrInvalidScenario, o.cfg.Baseline)
	}
	for _, a := range final {
		if a.Action == ActionTraffic {
			return fmt.Errorf("%w: traffic is not allowed in finally", ErrInvalidScenario)
		}
		if err := o.validateAction(a); err != nil {
			return fmt.Errorf("finally: %w", err)
		}
	}
	return nil
}

func validateProbe(pc config.ProbeConfig) error {
	kind := types.ProbeKind(pc.Kind)
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown probe kind %q", ErrInvalidScenario, pc.Kind)
	}
	if pc.Source == "" || pc.Dest == "" {
		return fmt.Errorf("%w: probe %s needs source and dest", ErrInvalidScenario, pc.Kind)
	}
	if pc.Port < 0 || pc.Port > 65535 {
		return fmt.Errorf("%w: probe port %d out of range", ErrInvalidScenario, pc.Port)
	}
	if pc.Timeout < 0 {
		return fmt.Errorf("%w: probe timeout must not be negative", ErrInvalidScenario)
	}
	return nil
}

func (o *Orchestrator) validateAction(a config.ActionConfig) error {
	needPerturber := true
	switch a.Action {
	case ActionSetLinkStatus:
		if a.A == "" || a.B == "" {
			return fmt.Errorf("%w: %s needs a and b", ErrInvalidScenario, a.Action)
		}
		if a.State != "up" && a.State != "down" {
			return fmt.Errorf("%w: %s state must be up or down, got %q", ErrInvalidScenario, a.Action, a.State)
		}
	case ActionMoveStation:
		if a.Station == "" {
			return fmt.Errorf("%w: %s needs station", ErrInvalidScenario, a.Action)
		}
	case ActionStopController, ActionStartController:
		if a.Controller == "" {
			return fmt.Errorf("%w: %s needs controller", ErrInvalidScenario, a.Action)
		}
	case ActionExec:
		if a.Node == "" || a.Command == "" {
			return fmt.Errorf("%w: %s needs node and command", ErrInvalidScenario, a.Action)
		}
		needPerturber = false
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidScenario, a.Action)
	}
	if a.Every < 0 || a.Until < 0 {
		return fmt.Errorf("%w: %s repeat settings must not be negative", ErrInvalidScenario, a.Action)
	}
	if needPerturber && o.deps.Perturber == nil {
		return fmt.Errorf("%w: %s needs a perturber", ErrInvalidScenario, a.Action)
	}
	return nil
}

// provision resolves nodes and allocates ports and report files for every
// phase. Explicit duplicates are collisions; unset ports are taken from the
// base port upwards, skipping every port already used in the phase.
func (o *Orchestrator) provision(runID string) ([]provisioned, error) {
	out := make([]provisioned, 0, len(o.plans))
	for _, plan := range o.plans {
		p, err := o.provisionPhase(runID, plan)
		if err != nil {
			return nil, fmt.Errorf("phase %q: %w", plan.label, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (o *Orchestrator) provisionPhase(runID string, plan phasePlan) (provisioned, error) {
	touched := map[string]struct{}{}
	ports := map[int]struct{}{}
	destPorts := map[string]struct{}{}
	files := map[string]struct{}{}
	destPort := func(dest string, port int) string {
		return dest + ":" + strconv.Itoa(port)
	}

	for _, s := range plan.timeline {
		if s.flow != nil {
			touched[s.flow.From] = struct{}{}
			touched[s.flow.To] = struct{}{}
			ports[s.flow.Port] = struct{}{}
			destPorts[destPort(s.flow.To, s.flow.Port)] = struct{}{}
		} else if s.action.Action == ActionExec {
			touched[s.action.Node] = struct{}{}
		}
	}
	for _, a := range plan.perturbations {
		if a.Action == ActionExec {
			touched[a.Node] = struct{}{}
		}
	}

	specs := make([]probe.Spec, len(plan.probes))
	for i, pc := range plan.probes {
		kind := types.ProbeKind(pc.Kind)
		specs[i] = probe.Spec{
			Kind:      kind,
			Source:    pc.Source,
			Dest:      pc.Dest,
			Phase:     plan.label,
			Duration:  plan.duration,
			Interval:  o.cfg.SampleInterval,
			Timeout:   pc.Timeout,
			Bandwidth: pc.Bandwidth,
		}
		if !kind.Throughput() {
			continue
		}
		if pc.Port > 0 {
			key := destPort(pc.Dest, pc.Port)
			if _, dup := destPorts[key]; dup {
				return provisioned{}, fmt.Errorf("%w: port %d on %s used twice", ErrResourceCollision, pc.Port, pc.Dest)
			}
			destPorts[key] = struct{}{}
			ports[pc.Port] = struct{}{}
			specs[i].Port = pc.Port
		}
		if pc.Output != "" {
			if err := claimFile(files, pc.Output); err != nil {
				return provisioned{}, err
			}
			specs[i].OutputPath = pc.Output
		}
	}

	next := o.cfg.BasePort
	for i := range specs {
		spec := &specs[i]
		if !spec.Kind.Throughput() {
			continue
		}
		if spec.Port == 0 {
			for {
				_, taken := ports[next]
				_, takenOnDest := destPorts[destPort(spec.Dest, next)]
				if !taken && !takenOnDest {
					break
				}
				next++
			}
			if next > 65535 {
				return provisioned{}, fmt.Errorf("%w: no free port for %s", ErrResourceCollision, spec.Key())
			}
			spec.Port = next
			ports[next] = struct{}{}
			destPorts[destPort(spec.Dest, next)] = struct{}{}
		}
		if spec.OutputPath == "" {
			name := fmt.Sprintf("%s_%s_%s_%s_%s_%d.log", runID, plan.label, spec.Kind, spec.Source, spec.Dest, spec.Port)
			path := filepath.Join(o.outputDir, name)
			if err := claimFile(files, path); err != nil {
				return provisioned{}, err
			}
			spec.OutputPath = path
		}
	}

	deps := probe.Dependencies{Logger: o.deps.Logger, Metrics: o.deps.ProbeMetrics, Now: o.deps.Now}
	drivers := make([]probe.Driver, 0, len(specs))
	for _, spec := range specs {
		src, err := o.deps.Network.Node(spec.Source)
		if err != nil {
			return provisioned{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		dst, err := o.deps.Network.Node(spec.Dest)
		if err != nil {
			return provisioned{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		spec.DestAddr = dst.Addr()
		if spec.DestAddr == "" {
			return provisioned{}, fmt.Errorf("%w: node %s has no address", ErrInvalidScenario, spec.Dest)
		}
		touched[spec.Source] = struct{}{}
		touched[spec.Dest] = struct{}{}

		var d probe.Driver
		if spec.Kind == types.ProbeICMP {
			d, err = probe.NewICMPDriver(spec, src, o.tools, deps)
		} else {
			d, err = probe.NewThroughputDriver(spec, src, dst, o.tools, deps)
		}
		if err != nil {
			return provisioned{}, err
		}
		drivers = append(drivers, d)
	}

	names := make([]string, 0, len(touched))
	for name := range touched {
		names = append(names, name)
	}
	sort.Strings(names)
	return provisioned{plan: plan, drivers: drivers, touched: names}, nil
}

// claimFile reserves a report file and the listener report derived from it.
func claimFile(files map[string]struct{}, path string) error {
	server := path + ".server"
	for _, p := range []string{path, server} {
		if _, dup := files[p]; dup {
			return fmt.Errorf("%w: output file %s used twice", ErrResourceCollision, p)
		}
	}
	files[path] = struct{}{}
	files[server] = struct{}{}
	return nil
}
