package types

// FlowEntry is one row of an OpenFlow switch flow table.
type FlowEntry struct {
	Priority    *int    `json:"priority,omitempty"`
	Protocol    string  `json:"protocol,omitempty"`
	Packets     uint64  `json:"n_packets"`
	Bytes       uint64  `json:"n_bytes"`
	DurationSec float64 `json:"duration_s"`
	Match       string  `json:"match,omitempty"`
	Actions     string  `json:"actions,omitempty"`
}

// Active reports whether the entry has matched traffic.
func (f FlowEntry) Active() bool {
	return f.Packets > 0
}

// ByteRate is the average bytes per second over the entry's lifetime.
func (f FlowEntry) ByteRate() float64 {
	if f.DurationSec <= 0 {
		return 0
	}
	return float64(f.Bytes) / f.DurationSec
}
