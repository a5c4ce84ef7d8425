package types

// Metric names used in summaries and comparisons.
type Metric string

const (
	MetricLatency    Metric = "latency_ms"
	MetricJitter     Metric = "jitter_ms"
	MetricLoss       Metric = "loss_pct"
	MetricThroughput Metric = "throughput_mbps"
)

// HigherIsWorse reports the direction in which a change degrades the network.
func (m Metric) HigherIsWorse() bool {
	return m != MetricThroughput
}

// Comparison is the change of one metric of one probe between the baseline
// phase and another phase.
type Comparison struct {
	Probe          string   `json:"probe"`
	Metric         Metric   `json:"metric"`
	Phase          string   `json:"phase"`
	BaselineMean   *float64 `json:"baseline_mean,omitempty"`
	OtherMean      *float64 `json:"other_mean,omitempty"`
	PercentChange  float64  `json:"percent_change"`
	AbsoluteChange float64  `json:"absolute_change"`
	Degenerate     bool     `json:"degenerate,omitempty"`
	Unavailable    bool     `json:"unavailable,omitempty"`
	Degraded       bool     `json:"degraded,omitempty"`
}
