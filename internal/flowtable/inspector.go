// Package flowtable samples an OpenFlow switch's flow table and summarises
// its population over time.
package flowtable

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/pingsantohq/sdnharness/internal/metrics"
	"github.com/pingsantohq/sdnharness/internal/node"
	"github.com/pingsantohq/sdnharness/internal/parse"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

const topFlows = 5

type Dependencies struct {
	Logger  *log.Logger
	Metrics metrics.FlowRecorder
	Now     func() time.Time
}

// TopFlow is an active entry ranked by bytes.
type TopFlow struct {
	Match    string  `json:"match"`
	Packets  uint64  `json:"n_packets"`
	Bytes    uint64  `json:"n_bytes"`
	ByteRate float64 `json:"byte_rate"`
}

// Snapshot is the summary of one flow-table dump.
type Snapshot struct {
	Switch        string         `json:"switch"`
	Time          time.Time      `json:"time"`
	Elapsed       float64        `json:"elapsed_s"`
	Entries       int            `json:"entries"`
	ByPriority    map[string]int `json:"by_priority"`
	ByProtocol    map[string]int `json:"by_protocol"`
	ActiveFlows   int            `json:"active_flows"`
	ActivePackets uint64         `json:"active_packets"`
	ActiveBytes   uint64         `json:"active_bytes"`
	Top           []TopFlow      `json:"top,omitempty"`
}

// Summarize builds a snapshot from parsed entries. Entries without a priority
// are bucketed under "none" and entries without a protocol keyword under
// "other".
func Summarize(switchName string, entries []types.FlowEntry) Snapshot {
	s := Snapshot{
		Switch:     switchName,
		Entries:    len(entries),
		ByPriority: map[string]int{},
		ByProtocol: map[string]int{},
	}
	var active []types.FlowEntry
	for _, e := range entries {
		prio := "none"
		if e.Priority != nil {
			prio = strconv.Itoa(*e.Priority)
		}
		s.ByPriority[prio]++
		proto := e.Protocol
		if proto == "" {
			proto = "other"
		}
		s.ByProtocol[proto]++
		if e.Active() {
			s.ActiveFlows++
			s.ActivePackets += e.Packets
			s.ActiveBytes += e.Bytes
			active = append(active, e)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Bytes > active[j].Bytes })
	if len(active) > topFlows {
		active = active[:topFlows]
	}
	for _, e := range active {
		s.Top = append(s.Top, TopFlow{Match: e.Match, Packets: e.Packets, Bytes: e.Bytes, ByteRate: e.ByteRate()})
	}
	return s
}

// Inspector dumps one switch through a node.
type Inspector struct {
	node    node.Node
	sw      string
	ofctl   string
	version string
	deps    Dependencies
	origin  time.Time
}

func NewInspector(n node.Node, switchName, ofctl, version string, deps Dependencies) *Inspector {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopFlowRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if ofctl == "" {
		ofctl = "ovs-ofctl"
	}
	return &Inspector{node: n, sw: switchName, ofctl: ofctl, version: version, deps: deps, origin: deps.Now()}
}

func (i *Inspector) command() string {
	cmd := fmt.Sprintf("%s dump-flows %s", i.ofctl, node.Quote(i.sw))
	if i.version != "" {
		cmd += " -O " + i.version
	}
	return cmd
}

// Capture dumps and summarises the flow table.
func (i *Inspector) Capture(ctx context.Context) (Snapshot, error) {
	out, err := i.node.Exec(ctx, i.command())
	if err != nil {
		return Snapshot{}, fmt.Errorf("dump flows %s: %w", i.sw, err)
	}
	now := i.deps.Now()
	s := Summarize(i.sw, parse.FlowEntries(out))
	s.Time = now
	s.Elapsed = now.Sub(i.origin).Seconds()
	i.deps.Metrics.ObserveFlowTable(i.sw, s.Entries, s.ActiveFlows)
	return s, nil
}

// Watch captures every interval for window and hands each snapshot to sink,
// which may be nil. Failed captures are logged and skipped. On cancellation
// the snapshots taken so far are returned with the context error.
func (i *Inspector) Watch(ctx context.Context, interval, window time.Duration, sink func(Snapshot)) ([]Snapshot, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("watch interval must be positive")
	}
	samples := int(window / interval)
	if samples < 1 {
		samples = 1
	}
	i.origin = i.deps.Now()
	var snaps []Snapshot
	for n := 0; n < samples; n++ {
		if n > 0 && !sleepCtx(ctx, interval) {
			return snaps, ctx.Err()
		}
		s, err := i.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return snaps, ctx.Err()
			}
			i.deps.Logger.Printf("flow watch %s: %v", i.sw, err)
			continue
		}
		snaps = append(snaps, s)
		if sink != nil {
			sink(s)
		}
	}
	return snaps, nil
}

// Point is one sample of the decay curve.
type Point struct {
	Elapsed float64 `json:"elapsed_s"`
	Entries int     `json:"entries"`
}

func DecayCurve(snaps []Snapshot) []Point {
	out := make([]Point, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, Point{Elapsed: s.Elapsed, Entries: s.Entries})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
