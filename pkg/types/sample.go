package types

// ProbeKind identifies the tool family a series was produced by.
type ProbeKind string

const (
	ProbeICMP ProbeKind = "icmp"
	ProbeTCP  ProbeKind = "tcp"
	ProbeUDP  ProbeKind = "udp"
)

// Valid reports whether k is one of the known probe kinds.
func (k ProbeKind) Valid() bool {
	switch k {
	case ProbeICMP, ProbeTCP, ProbeUDP:
		return true
	}
	return false
}

// Throughput reports whether k is measured by the throughput generator.
func (k ProbeKind) Throughput() bool {
	return k == ProbeTCP || k == ProbeUDP
}

// IcmpSample is one echo probe. LatencyMs is nil when the probe was lost.
type IcmpSample struct {
	ElapsedSec float64  `json:"elapsed_s" yaml:"elapsed_s"`
	LatencyMs  *float64 `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	Lost       bool     `json:"lost" yaml:"lost"`
}

// ThroughputSample is one reporting interval of the throughput generator.
// JitterMs, LossPct and Datagrams are only set for UDP.
type ThroughputSample struct {
	ElapsedSec float64        `json:"elapsed_s" yaml:"elapsed_s"`
	Mbps       float64        `json:"mbps" yaml:"mbps"`
	JitterMs   *float64       `json:"jitter_ms,omitempty" yaml:"jitter_ms,omitempty"`
	LossPct    *float64       `json:"loss_pct,omitempty" yaml:"loss_pct,omitempty"`
	Datagrams  *DatagramCount `json:"datagrams,omitempty" yaml:"datagrams,omitempty"`
}

// DatagramCount is the lost/total counter printed by a UDP listener for one
// interval.
type DatagramCount struct {
	Lost  int `json:"lost" yaml:"lost"`
	Total int `json:"total" yaml:"total"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
