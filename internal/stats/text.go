package stats

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

const unavailable = "n/a"

// WriteText renders the report as aligned columns.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tPROBE\tSAMPLES\tLATENCY_MS\tTHROUGHPUT_MBPS\tJITTER_MS\tLOSS_PCT")
	for _, p := range r.Phases {
		if len(p.Probes) == 0 {
			fmt.Fprintf(tw, "%s\t-\t0\t%s\t%s\t%s\t%s\n", p.Label, unavailable, unavailable, unavailable, unavailable)
			continue
		}
		for _, s := range p.Probes {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				p.Label, s.Probe, s.Samples,
				summaryCell(s.Latency), summaryCell(s.Throughput), summaryCell(s.Jitter), lossCell(s.Loss))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Comparisons) > 0 {
		fmt.Fprintf(w, "\nchange vs %s\n", r.Baseline)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PHASE\tPROBE\tMETRIC\tBASELINE\tOTHER\tCHANGE\tNOTE")
		for _, c := range r.Comparisons {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				c.Phase, c.Probe, c.Metric, ptrCell(c.BaselineMean), ptrCell(c.OtherMean), changeCell(c), noteCell(c))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d of %d comparisons degraded\n", len(r.Degradations()), len(r.Comparisons))
	}

	if len(r.Caveats) > 0 {
		fmt.Fprintln(w, "\ncaveats:")
		for _, c := range r.Caveats {
			fmt.Fprintf(w, "  - %s\n", c)
		}
	}
	return nil
}

func summaryCell(s Summary) string {
	if !s.Available {
		return unavailable
	}
	return fmt.Sprintf("%.2f [%.2f-%.2f]", s.Mean, s.Min, s.Max)
}

func lossCell(l Loss) string {
	if !l.Available {
		return unavailable
	}
	if l.Total > 0 {
		return fmt.Sprintf("%.2f (%d/%d)", l.Pct(), l.Lost, l.Total)
	}
	return fmt.Sprintf("%.2f", l.Pct())
}

func ptrCell(v *float64) string {
	if v == nil {
		return unavailable
	}
	return fmt.Sprintf("%.2f", *v)
}

func changeCell(c types.Comparison) string {
	switch {
	case c.Unavailable:
		return unavailable
	case c.Degenerate:
		return fmt.Sprintf("%+.2f abs", c.AbsoluteChange)
	default:
		return fmt.Sprintf("%+.1f%%", c.PercentChange)
	}
}

func noteCell(c types.Comparison) string {
	switch {
	case c.Unavailable:
		return "unavailable"
	case c.Degenerate && c.Degraded:
		return "zero baseline, degraded"
	case c.Degenerate:
		return "zero baseline"
	case c.Degraded:
		return "degraded"
	}
	return ""
}

// AlignedRow is one elapsed instant across several series. Values holds the
// primary metric of each series in argument order, nil where a series has no
// sample at that instant.
type AlignedRow struct {
	Elapsed float64
	Values  []*float64
}

// AlignByTime merges series on elapsed time rounded to the millisecond. The
// primary metric is latency for echo series and throughput otherwise; lost
// echoes contribute nil.
func AlignByTime(series ...*types.Series) []AlignedRow {
	rows := map[int64][]*float64{}
	slot := func(elapsed float64) []*float64 {
		k := int64(elapsed*1000 + 0.5)
		if _, ok := rows[k]; !ok {
			rows[k] = make([]*float64, len(series))
		}
		return rows[k]
	}
	for i, s := range series {
		if s == nil {
			continue
		}
		for _, sample := range s.ICMP {
			slot(sample.ElapsedSec)[i] = sample.LatencyMs
		}
		for _, sample := range s.Throughput {
			slot(sample.ElapsedSec)[i] = types.Float(sample.Mbps)
		}
	}
	keys := make([]int64, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]AlignedRow, 0, len(keys))
	for _, k := range keys {
		out = append(out, AlignedRow{Elapsed: float64(k) / 1000, Values: rows[k]})
	}
	return out
}

// WriteAligned renders the series of one phase side by side on elapsed time,
// one column per probe in probe order.
func WriteAligned(w io.Writer, p *types.Phase) error {
	series := append([]*types.Series(nil), p.Series...)
	sort.SliceStable(series, func(i, j int) bool { return series[i].Key.Probe() < series[j].Key.Probe() })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tELAPSED_S", p.Label)
	for _, s := range series {
		fmt.Fprintf(tw, "\t%s", s.Key.Probe())
	}
	fmt.Fprintln(tw)
	for _, row := range AlignByTime(series...) {
		fmt.Fprintf(tw, "\t%.3f", row.Elapsed)
		for _, v := range row.Values {
			fmt.Fprintf(tw, "\t%s", ptrCell(v))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
