package stats

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

var ErrNoBaseline = errors.New("baseline phase not found")

// Compare computes the change of metric from base to other. A zero baseline
// yields a degenerate comparison with PercentChange 0 and the absolute change
// still set.
func Compare(metric types.Metric, base, other ProbeStats) types.Comparison {
	c := types.Comparison{Probe: base.Probe, Metric: metric, Phase: other.Phase}
	if c.Probe == "" {
		c.Probe = other.Probe
	}
	b, bok := base.Mean(metric)
	o, ook := other.Mean(metric)
	if bok {
		c.BaselineMean = types.Float(b)
	}
	if ook {
		c.OtherMean = types.Float(o)
	}
	if !bok || !ook {
		c.Unavailable = true
		return c
	}
	c.AbsoluteChange = o - b
	if b == 0 {
		c.Degenerate = true
	} else {
		c.PercentChange = (o - b) / b * 100
	}
	if metric.HigherIsWorse() {
		c.Degraded = c.AbsoluteChange > 0
	} else {
		c.Degraded = c.AbsoluteChange < 0
	}
	return c
}

// Report is the outcome of comparing every phase against the baseline.
type Report struct {
	Baseline    string             `json:"baseline"`
	Phases      []PhaseStats       `json:"phases"`
	Comparisons []types.Comparison `json:"comparisons"`
	Caveats     []string           `json:"caveats,omitempty"`
}

// BuildReport summarises phases and compares each non-baseline phase with the
// baseline phase for every probe seen in either of them.
func BuildReport(phases []*types.Phase, baseline string) (Report, error) {
	r := Report{Baseline: baseline}
	var base *PhaseStats
	for _, p := range phases {
		ps := SummarizePhase(p)
		r.Phases = append(r.Phases, ps)
		for _, c := range ps.Caveats {
			r.Caveats = append(r.Caveats, fmt.Sprintf("%s: %s", ps.Label, c))
		}
		if ps.Cancelled {
			r.Caveats = append(r.Caveats, fmt.Sprintf("%s: phase cancelled before completion", ps.Label))
		}
	}
	for i := range r.Phases {
		if r.Phases[i].Label == baseline {
			base = &r.Phases[i]
			break
		}
	}
	if base == nil {
		return r, fmt.Errorf("%w: %q", ErrNoBaseline, baseline)
	}

	for _, other := range r.Phases {
		if other.Label == baseline {
			continue
		}
		for _, probe := range probeUnion(*base, other) {
			baseStats := base.Find(probe.name, probe.kind)
			otherStats := other.Find(probe.name, probe.kind)
			for _, m := range Metrics(probe.kind) {
				c := Compare(m, baseStats, otherStats)
				c.Probe = probe.name
				c.Phase = other.Label
				r.Comparisons = append(r.Comparisons, c)
			}
		}
	}
	return r, nil
}

type probeRef struct {
	name string
	kind types.ProbeKind
}

func probeUnion(a, b PhaseStats) []probeRef {
	seen := map[string]types.ProbeKind{}
	for _, p := range a.Probes {
		seen[p.Probe] = p.Kind
	}
	for _, p := range b.Probes {
		seen[p.Probe] = p.Kind
	}
	refs := make([]probeRef, 0, len(seen))
	for name, kind := range seen {
		refs = append(refs, probeRef{name: name, kind: kind})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].name < refs[j].name })
	return refs
}

// Degradations returns the comparisons that moved in the worse direction.
func (r Report) Degradations() []types.Comparison {
	var out []types.Comparison
	for _, c := range r.Comparisons {
		if c.Degraded {
			out = append(out, c)
		}
	}
	return out
}

// Find returns the comparison for one probe, metric and phase.
func (r Report) Find(probe string, metric types.Metric, phase string) (types.Comparison, bool) {
	for _, c := range r.Comparisons {
		if c.Probe == probe && c.Metric == metric && c.Phase == phase {
			return c, true
		}
	}
	return types.Comparison{}, false
}
