// Package parse turns the free-text output of ping, iperf and ovs-ofctl into
// structured values. Every function is pure and reports absence through an
// ok flag instead of an error.
package parse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

var (
	pingTimePattern  = regexp.MustCompile(`time[=<]\s*(\d+(?:\.\d+)?)`)
	pingLossPattern  = regexp.MustCompile(`(\d+(?:\.\d+)?)% packet loss`)
	pingCountPattern = regexp.MustCompile(`(\d+) packets transmitted, (\d+) (?:packets )?received`)
	pingSeqPattern   = regexp.MustCompile(`icmp_seq=(\d+)`)
)

// PingStats is the end-of-run summary printed by ping.
type PingStats struct {
	LossPct     float64
	Transmitted int
	Received    int
	HasLoss     bool
	HasCounts   bool
}

// PingLatency returns the first round-trip time in blob, in milliseconds.
func PingLatency(blob string) (float64, bool) {
	m := pingTimePattern.FindStringSubmatch(blob)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ICMPSample converts the output of a single-echo ping into a sample. A
// missing time marker means the probe was lost.
func ICMPSample(blob string, elapsed float64) types.IcmpSample {
	if v, ok := PingLatency(blob); ok {
		return types.IcmpSample{ElapsedSec: elapsed, LatencyMs: types.Float(v)}
	}
	return types.IcmpSample{ElapsedSec: elapsed, Lost: true}
}

// PingLog converts the output of a continuous ping run into one sample per
// sequence number, spaced interval seconds apart. Sequence numbers that never
// got a reply are lost. The run length comes from the transmitted counter
// when present, otherwise from the highest sequence seen.
func PingLog(blob string, interval float64) []types.IcmpSample {
	replies := map[int]float64{}
	maxSeq := 0
	for _, line := range strings.Split(blob, "\n") {
		m := pingSeqPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil || seq < 1 {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		if v, ok := PingLatency(line); ok {
			replies[seq] = v
		}
	}
	total := maxSeq
	if stats, ok := PingSummary(blob); ok && stats.HasCounts && stats.Transmitted > total {
		total = stats.Transmitted
	}
	out := make([]types.IcmpSample, 0, total)
	for seq := 1; seq <= total; seq++ {
		elapsed := float64(seq-1) * interval
		if v, ok := replies[seq]; ok {
			out = append(out, types.IcmpSample{ElapsedSec: elapsed, LatencyMs: types.Float(v)})
			continue
		}
		out = append(out, types.IcmpSample{ElapsedSec: elapsed, Lost: true})
	}
	return out
}

// PingSummary extracts the loss percentage and packet counters. ok is false
// when neither is present.
func PingSummary(blob string) (PingStats, bool) {
	var stats PingStats
	if m := pingLossPattern.FindStringSubmatch(blob); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			stats.LossPct = v
			stats.HasLoss = true
		}
	}
	if m := pingCountPattern.FindStringSubmatch(blob); m != nil {
		tx, errTx := strconv.Atoi(m[1])
		rx, errRx := strconv.Atoi(m[2])
		if errTx == nil && errRx == nil {
			stats.Transmitted = tx
			stats.Received = rx
			stats.HasCounts = true
		}
	}
	return stats, stats.HasLoss || stats.HasCounts
}
