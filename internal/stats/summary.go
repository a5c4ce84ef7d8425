// Package stats aggregates frozen phase series into per-probe summaries and
// baseline comparisons.
package stats

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

// Summary describes one metric over a series. Available is false when there
// were no values, in which case the numeric fields are meaningless.
type Summary struct {
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	StdDev    float64 `json:"stddev"`
	P95       float64 `json:"p95"`
	Available bool    `json:"available"`
}

func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	s := Summary{
		Count:     len(sorted),
		Mean:      stat.Mean(sorted, nil),
		Min:       floats.Min(sorted),
		Max:       floats.Max(sorted),
		P95:       stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Available: true,
	}
	if len(sorted) > 1 {
		s.StdDev = stat.StdDev(sorted, nil)
	}
	return s
}

// Loss is a loss ratio. For echo probes Lost and Total count samples; for
// datagram probes they sum the listener's datagram counters. Rate is only the
// mean per-interval percentage when a series carries no counters at all.
type Loss struct {
	Lost      int     `json:"lost"`
	Total     int     `json:"total"`
	Rate      float64 `json:"rate"`
	Available bool    `json:"available"`
}

func (l Loss) Pct() float64 {
	return l.Rate * 100
}

// ProbeStats summarises one series.
type ProbeStats struct {
	Probe      string          `json:"probe"`
	Kind       types.ProbeKind `json:"kind"`
	Phase      string          `json:"phase"`
	Available  bool            `json:"available"`
	Samples    int             `json:"samples"`
	Latency    Summary         `json:"latency"`
	Throughput Summary         `json:"throughput"`
	Jitter     Summary         `json:"jitter"`
	Loss       Loss            `json:"loss"`
}

// Metrics lists the metrics that apply to a probe kind.
func Metrics(kind types.ProbeKind) []types.Metric {
	switch kind {
	case types.ProbeICMP:
		return []types.Metric{types.MetricLatency, types.MetricLoss}
	case types.ProbeTCP:
		return []types.Metric{types.MetricThroughput}
	case types.ProbeUDP:
		return []types.Metric{types.MetricThroughput, types.MetricJitter, types.MetricLoss}
	}
	return nil
}

func SummarizeSeries(s *types.Series) ProbeStats {
	ps := ProbeStats{
		Probe:     s.Key.Probe(),
		Kind:      s.Key.Kind,
		Phase:     s.Key.Phase,
		Available: true,
		Samples:   s.Len(),
	}
	switch s.Key.Kind {
	case types.ProbeICMP:
		latencies := make([]float64, 0, len(s.ICMP))
		lost := 0
		for _, sample := range s.ICMP {
			if sample.Lost || sample.LatencyMs == nil {
				lost++
				continue
			}
			latencies = append(latencies, *sample.LatencyMs)
		}
		ps.Latency = Summarize(latencies)
		if total := len(s.ICMP); total > 0 {
			ps.Loss = Loss{Lost: lost, Total: total, Rate: float64(lost) / float64(total), Available: true}
		}
	default:
		rates := make([]float64, 0, len(s.Throughput))
		var jitter, loss []float64
		var lost, total int
		counted := false
		for _, sample := range s.Throughput {
			rates = append(rates, sample.Mbps)
			if sample.JitterMs != nil {
				jitter = append(jitter, *sample.JitterMs)
			}
			if d := sample.Datagrams; d != nil {
				counted = true
				// 0/0 intervals carry no datagrams.
				if d.Total > 0 {
					lost += d.Lost
					total += d.Total
				}
				continue
			}
			if sample.LossPct != nil {
				loss = append(loss, *sample.LossPct)
			}
		}
		ps.Throughput = Summarize(rates)
		ps.Jitter = Summarize(jitter)
		switch {
		case total > 0:
			ps.Loss = Loss{Lost: lost, Total: total, Rate: float64(lost) / float64(total), Available: true}
		case !counted && len(loss) > 0:
			ps.Loss = Loss{Rate: stat.Mean(loss, nil) / 100, Available: true}
		}
	}
	return ps
}

// Mean returns the value of metric compared across phases and whether it is
// available.
func (p ProbeStats) Mean(m types.Metric) (float64, bool) {
	if !p.Available {
		return 0, false
	}
	switch m {
	case types.MetricLatency:
		return p.Latency.Mean, p.Latency.Available
	case types.MetricThroughput:
		return p.Throughput.Mean, p.Throughput.Available
	case types.MetricJitter:
		return p.Jitter.Mean, p.Jitter.Available
	case types.MetricLoss:
		return p.Loss.Pct(), p.Loss.Available
	}
	return 0, false
}

// PhaseStats holds the summaries of every series in one phase, ordered by
// probe.
type PhaseStats struct {
	Label     string       `json:"label"`
	Probes    []ProbeStats `json:"probes"`
	Caveats   []string     `json:"caveats,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
}

func SummarizePhase(p *types.Phase) PhaseStats {
	ps := PhaseStats{
		Label:     p.Label,
		Caveats:   append([]string(nil), p.Caveats...),
		Cancelled: p.Cancelled,
	}
	for _, s := range p.Series {
		ps.Probes = append(ps.Probes, SummarizeSeries(s))
	}
	sort.Slice(ps.Probes, func(i, j int) bool { return ps.Probes[i].Probe < ps.Probes[j].Probe })
	return ps
}

// Find returns the stats for a probe or an unavailable placeholder.
func (p PhaseStats) Find(probe string, kind types.ProbeKind) ProbeStats {
	for _, s := range p.Probes {
		if s.Probe == probe {
			return s
		}
	}
	return ProbeStats{Probe: probe, Kind: kind, Phase: p.Label}
}
