// Package artifacts persists phase series as CSV files with fixed headers and
// reads them, or raw tool logs, back for offline reporting.
package artifacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

var ErrHeaderMismatch = errors.New("csv header does not match probe kind")

var headers = map[types.ProbeKind][]string{
	types.ProbeICMP: {"time", "latency", "packet_loss"},
	types.ProbeTCP:  {"time", "throughput"},
	types.ProbeUDP:  {"time", "throughput", "jitter", "loss_pct", "lost", "total"},
}

// Files written before the datagram counters were recorded.
var legacyHeaders = map[types.ProbeKind][]string{
	types.ProbeUDP: {"time", "throughput", "jitter", "loss_pct"},
}

// Header returns the CSV header for a probe kind.
func Header(kind types.ProbeKind) []string {
	return append([]string(nil), headers[kind]...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

// WriteSeriesCSV writes one row per sample. Lost echoes have an empty latency
// and packet_loss 1; UDP rows leave jitter, loss_pct and the datagram
// counters empty when the listener did not report them.
func WriteSeriesCSV(w io.Writer, s *types.Series) error {
	header, ok := headers[s.Key.Kind]
	if !ok {
		return fmt.Errorf("unknown probe kind %q", s.Key.Kind)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	switch s.Key.Kind {
	case types.ProbeICMP:
		for _, sample := range s.ICMP {
			loss := "0"
			if sample.Lost {
				loss = "1"
			}
			if err := cw.Write([]string{formatFloat(sample.ElapsedSec), formatOptional(sample.LatencyMs), loss}); err != nil {
				return err
			}
		}
	case types.ProbeTCP:
		for _, sample := range s.Throughput {
			if err := cw.Write([]string{formatFloat(sample.ElapsedSec), formatFloat(sample.Mbps)}); err != nil {
				return err
			}
		}
	case types.ProbeUDP:
		for _, sample := range s.Throughput {
			lost, total := "", ""
			if d := sample.Datagrams; d != nil {
				lost, total = strconv.Itoa(d.Lost), strconv.Itoa(d.Total)
			}
			row := []string{formatFloat(sample.ElapsedSec), formatFloat(sample.Mbps), formatOptional(sample.JitterMs), formatOptional(sample.LossPct), lost, total}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadSeriesCSV parses a file written by WriteSeriesCSV. Malformed rows and
// rows that go back in time are skipped and counted; a wrong header is an
// error.
func ReadSeriesCSV(r io.Reader, key types.SeriesKey) (*types.Series, int, error) {
	want, ok := headers[key.Kind]
	if !ok {
		return nil, 0, fmt.Errorf("unknown probe kind %q", key.Kind)
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	got := strings.Join(header, ",")
	if got != strings.Join(want, ",") {
		legacy, ok := legacyHeaders[key.Kind]
		if !ok || got != strings.Join(legacy, ",") {
			return nil, 0, fmt.Errorf("%w: got %q want %q", ErrHeaderMismatch, got, strings.Join(want, ","))
		}
	}

	series := types.NewSeries(key)
	skipped := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, err
		}
		if !appendRow(series, header, row) {
			skipped++
		}
	}
	return series, skipped, nil
}

func appendRow(series *types.Series, header, row []string) bool {
	if len(row) != len(header) {
		return false
	}
	elapsed, err := strconv.ParseFloat(row[0], 64)
	if err != nil {
		return false
	}
	kind := series.Key.Kind
	if kind == types.ProbeICMP {
		sample := types.IcmpSample{ElapsedSec: elapsed, LatencyMs: parseOptional(row[1]), Lost: row[2] == "1"}
		if sample.LatencyMs == nil {
			sample.Lost = true
		}
		return series.AppendICMP(sample) == nil
	}
	mbps, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return false
	}
	sample := types.ThroughputSample{ElapsedSec: elapsed, Mbps: mbps}
	if kind == types.ProbeUDP {
		sample.JitterMs = parseOptional(row[2])
		sample.LossPct = parseOptional(row[3])
		if len(row) > 5 {
			lost, errLost := strconv.Atoi(row[4])
			total, errTotal := strconv.Atoi(row[5])
			if errLost == nil && errTotal == nil {
				sample.Datagrams = &types.DatagramCount{Lost: lost, Total: total}
			}
		}
	}
	return series.AppendThroughput(sample) == nil
}

func parseOptional(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
