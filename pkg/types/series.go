package types

import (
	"errors"
	"fmt"
)

var (
	ErrFrozen       = errors.New("series is frozen")
	ErrOutOfOrder   = errors.New("sample elapsed time decreases")
	ErrKindMismatch = errors.New("sample kind does not match series")
)

// SeriesKey tags a series with the probe definition and phase it belongs to.
type SeriesKey struct {
	Kind   ProbeKind `json:"kind"`
	Source string    `json:"source"`
	Dest   string    `json:"dest"`
	Phase  string    `json:"phase"`
}

// Probe identifies the probe definition independently of the phase.
func (k SeriesKey) Probe() string {
	return fmt.Sprintf("%s/%s->%s", k.Kind, k.Source, k.Dest)
}

func (k SeriesKey) String() string {
	return k.Phase + ":" + k.Probe()
}

// Series is an append-only sample sequence owned by a single driver until
// its phase ends. It is not safe for concurrent use.
type Series struct {
	Key        SeriesKey          `json:"key"`
	ICMP       []IcmpSample       `json:"icmp,omitempty"`
	Throughput []ThroughputSample `json:"throughput,omitempty"`

	frozen bool
}

func NewSeries(key SeriesKey) *Series {
	return &Series{Key: key}
}

func (s *Series) AppendICMP(sample IcmpSample) error {
	if s.Key.Kind != ProbeICMP {
		return ErrKindMismatch
	}
	if err := s.checkAppend(sample.ElapsedSec); err != nil {
		return err
	}
	s.ICMP = append(s.ICMP, sample)
	return nil
}

func (s *Series) AppendThroughput(sample ThroughputSample) error {
	if !s.Key.Kind.Throughput() {
		return ErrKindMismatch
	}
	if err := s.checkAppend(sample.ElapsedSec); err != nil {
		return err
	}
	s.Throughput = append(s.Throughput, sample)
	return nil
}

func (s *Series) checkAppend(elapsed float64) error {
	if s.frozen {
		return ErrFrozen
	}
	if last, ok := s.LastElapsed(); ok && elapsed < last {
		return fmt.Errorf("%w: %.3f after %.3f", ErrOutOfOrder, elapsed, last)
	}
	return nil
}

// LastElapsed returns the elapsed time of the most recent sample.
func (s *Series) LastElapsed() (float64, bool) {
	if n := len(s.ICMP); n > 0 {
		return s.ICMP[n-1].ElapsedSec, true
	}
	if n := len(s.Throughput); n > 0 {
		return s.Throughput[n-1].ElapsedSec, true
	}
	return 0, false
}

func (s *Series) Len() int {
	return len(s.ICMP) + len(s.Throughput)
}

func (s *Series) Freeze() {
	s.frozen = true
}

func (s *Series) Frozen() bool {
	return s.frozen
}
