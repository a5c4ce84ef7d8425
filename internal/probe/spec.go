// Package probe drives active measurement tools against live nodes and turns
// their output into sample series.
package probe

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

var ErrInvalidSpec = errors.New("invalid probe spec")

// Spec describes one probe run within a phase.
type Spec struct {
	Kind     types.ProbeKind
	Source   string
	Dest     string
	DestAddr string
	Phase    string
	Duration time.Duration
	Interval time.Duration
	// Timeout bounds a single echo probe.
	Timeout time.Duration
	// Port, OutputPath and Bandwidth apply to throughput probes. The
	// orchestrator guarantees they are unique within a phase.
	Port       int
	OutputPath string
	Bandwidth  string
}

func (s Spec) Key() types.SeriesKey {
	return types.SeriesKey{Kind: s.Kind, Source: s.Source, Dest: s.Dest, Phase: s.Phase}
}

// ServerOutputPath is where the throughput listener writes its report.
func (s Spec) ServerOutputPath() string {
	return s.OutputPath + ".server"
}

func (s Spec) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}
	if s.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidSpec)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidSpec)
	}
	if s.DestAddr == "" {
		return fmt.Errorf("%w: destination address required", ErrInvalidSpec)
	}
	if s.Kind.Throughput() {
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidSpec, s.Port)
		}
		if s.OutputPath == "" {
			return fmt.Errorf("%w: output path required", ErrInvalidSpec)
		}
	}
	return nil
}

// Tools names the external binaries and their timing knobs.
type Tools struct {
	Ping           string
	Iperf          string
	TailLines      int
	ListenerSettle time.Duration
	ExecTimeout    time.Duration
	StopTimeout    time.Duration
	UDPBandwidth   string
}

func DefaultTools() Tools {
	return Tools{
		Ping:           "ping",
		Iperf:          "iperf",
		TailLines:      50,
		ListenerSettle: time.Second,
		ExecTimeout:    5 * time.Second,
		StopTimeout:    5 * time.Second,
		UDPBandwidth:   "10M",
	}
}

func (t Tools) withDefaults() Tools {
	def := DefaultTools()
	if t.Ping == "" {
		t.Ping = def.Ping
	}
	if t.Iperf == "" {
		t.Iperf = def.Iperf
	}
	if t.TailLines <= 0 {
		t.TailLines = def.TailLines
	}
	if t.ListenerSettle < 0 {
		t.ListenerSettle = 0
	}
	if t.ExecTimeout <= 0 {
		t.ExecTimeout = def.ExecTimeout
	}
	if t.StopTimeout <= 0 {
		t.StopTimeout = def.StopTimeout
	}
	if t.UDPBandwidth == "" {
		t.UDPBandwidth = def.UDPBandwidth
	}
	return t
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func wholeSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
