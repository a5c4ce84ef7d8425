package parse

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

var (
	intervalPattern = regexp.MustCompile(`(\d+\.\d+)\s*-\s*(\d+\.\d+)\s+sec`)
	ratePattern     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s+([KMG]?)bits/sec`)
	jitterPattern   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s+ms\b`)
	datagramPattern = regexp.MustCompile(`(\d+)/\s*(\d+)\s+\(`)
	reportedPattern = regexp.MustCompile(`\((\d+(?:\.\d+)?)%\)`)
)

// Interval is one reporting line of the throughput generator.
type Interval struct {
	Start    float64
	End      float64
	Mbps     float64
	JitterMs *float64
	// LossPct is computed from the lost/total datagram counters.
	LossPct *float64
	// ReportedLossPct is the percentage printed by the tool itself.
	ReportedLossPct *float64
	Lost            int
	Total           int
}

// Width is the length of the interval in seconds.
func (iv Interval) Width() float64 {
	return iv.End - iv.Start
}

// Sample converts the interval into a series sample keyed by its end time.
func (iv Interval) Sample() types.ThroughputSample {
	s := types.ThroughputSample{
		ElapsedSec: iv.End,
		Mbps:       iv.Mbps,
		JitterMs:   iv.JitterMs,
		LossPct:    iv.LossPct,
	}
	if iv.LossPct != nil {
		s.Datagrams = &types.DatagramCount{Lost: iv.Lost, Total: iv.Total}
	}
	return s
}

// ThroughputIntervals extracts every interval line from blob. Sender and
// receiver summary lines are skipped. UDP lines also yield jitter and
// datagram loss when present.
func ThroughputIntervals(blob string, kind types.ProbeKind) []Interval {
	var out []Interval
	for _, line := range strings.Split(blob, "\n") {
		iv, ok := ThroughputLine(line, kind)
		if !ok {
			continue
		}
		out = append(out, iv)
	}
	return out
}

// ThroughputLine parses a single interval line.
func ThroughputLine(line string, kind types.ProbeKind) (Interval, bool) {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "sender") || strings.Contains(lower, "receiver") {
		return Interval{}, false
	}
	im := intervalPattern.FindStringSubmatchIndex(line)
	if im == nil {
		return Interval{}, false
	}
	start, err := strconv.ParseFloat(line[im[2]:im[3]], 64)
	if err != nil {
		return Interval{}, false
	}
	end, err := strconv.ParseFloat(line[im[4]:im[5]], 64)
	if err != nil {
		return Interval{}, false
	}

	rest := line[im[1]:]
	rm := ratePattern.FindStringSubmatchIndex(rest)
	if rm == nil {
		return Interval{}, false
	}
	value, err := strconv.ParseFloat(rest[rm[2]:rm[3]], 64)
	if err != nil {
		return Interval{}, false
	}
	iv := Interval{
		Start: start,
		End:   end,
		Mbps:  NormalizeMbps(value, rest[rm[4]:rm[5]]),
	}
	if kind != types.ProbeUDP {
		return iv, true
	}

	tail := rest[rm[1]:]
	if m := jitterPattern.FindStringSubmatch(tail); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			iv.JitterMs = types.Float(v)
		}
	}
	if m := datagramPattern.FindStringSubmatch(tail); m != nil {
		lost, errLost := strconv.Atoi(m[1])
		total, errTotal := strconv.Atoi(m[2])
		if errLost == nil && errTotal == nil {
			iv.Lost = lost
			iv.Total = total
			iv.LossPct = types.Float(DatagramLossPct(lost, total))
		}
	}
	if m := reportedPattern.FindStringSubmatch(tail); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			iv.ReportedLossPct = types.Float(v)
		}
	}
	return iv, true
}

// DatagramLossPct is lost/total as a percentage, zero when nothing was sent.
func DatagramLossPct(lost, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(lost) / float64(total) * 100
}

// NormalizeMbps converts a rate with an SI prefix to megabits per second.
func NormalizeMbps(value float64, unit string) float64 {
	switch strings.ToUpper(unit) {
	case "K":
		return value / 1000
	case "M":
		return value
	case "G":
		return value * 1000
	default:
		return value / 1e6
	}
}

// SortIntervals orders intervals by end time. Ties keep the narrowest
// interval first so cumulative totals lose against per-second lines.
func SortIntervals(ivs []Interval) {
	sort.SliceStable(ivs, func(i, j int) bool {
		if ivs[i].End != ivs[j].End {
			return ivs[i].End < ivs[j].End
		}
		return ivs[i].Width() < ivs[j].Width()
	})
}
