package perturb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/iti/rngstream"

	"github.com/pingsantohq/sdnharness/internal/node"
	"github.com/pingsantohq/sdnharness/internal/probe"
)

// Traffic pattern names.
const (
	PatternElephant    = "elephant"
	PatternHotspot     = "hotspot"
	PatternMixed       = "mixed"
	PatternOscillating = "oscillating"
	PatternRandom      = "random"
)

var ErrUnknownPattern = errors.New("unknown traffic pattern")

// Flow is one background iperf stream. Start is an offset from the moment the
// pattern is launched.
type Flow struct {
	From      string
	To        string
	Port      int
	UDP       bool
	Bandwidth string
	Start     time.Duration
	Duration  time.Duration
}

func (f Flow) String() string {
	proto := "tcp"
	if f.UDP {
		proto = "udp"
	}
	return fmt.Sprintf("%s %s->%s:%d", proto, f.From, f.To, f.Port)
}

const burstPeriod = 5 * time.Second

// ExpandPattern turns a named pattern into concrete flows over hosts. Each flow
// gets its own port starting at basePort. pairs only applies to the random
// pattern and defaults to half the host count.
func ExpandPattern(pattern string, hosts []string, duration time.Duration, basePort, pairs int, rng *rngstream.RngStream) ([]Flow, error) {
	if duration <= 0 {
		return nil, errors.New("traffic duration must be positive")
	}
	need := map[string]int{
		PatternElephant:    4,
		PatternHotspot:     2,
		PatternMixed:       4,
		PatternOscillating: 4,
		PatternRandom:      2,
	}
	required, ok := need[pattern]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPattern, pattern)
	}
	if len(hosts) < required {
		return nil, fmt.Errorf("pattern %s needs at least %d hosts, got %d", pattern, required, len(hosts))
	}

	var flows []Flow
	switch pattern {
	case PatternElephant:
		flows = []Flow{
			{From: hosts[0], To: hosts[2], Duration: duration},
			{From: hosts[1], To: hosts[3], Duration: duration},
		}
	case PatternHotspot:
		hot := hosts[0]
		for _, h := range hosts[1:] {
			flows = append(flows, Flow{From: h, To: hot, UDP: true, Bandwidth: "20M", Duration: duration})
		}
	case PatternMixed:
		flows = append(flows, Flow{From: hosts[0], To: hosts[2], Duration: duration})
		for at := burstPeriod; at < duration; at += burstPeriod {
			flows = append(flows, Flow{From: hosts[1], To: hosts[3], UDP: true, Bandwidth: "30M", Start: at, Duration: minDuration(2*time.Second, duration-at)})
			if len(hosts) >= 6 {
				flows = append(flows, Flow{From: hosts[4], To: hosts[5], UDP: true, Bandwidth: "15M", Start: at, Duration: minDuration(time.Second, duration-at)})
			}
		}
	case PatternOscillating:
		levels := []string{"10M", "50M", "100M"}
		for i, at := 0, time.Duration(0); at < duration; i, at = i+1, at+burstPeriod {
			d := minDuration(burstPeriod, duration-at)
			bw := levels[i%len(levels)]
			flows = append(flows,
				Flow{From: hosts[0], To: hosts[2], UDP: true, Bandwidth: bw, Start: at, Duration: d},
				Flow{From: hosts[1], To: hosts[3], UDP: true, Bandwidth: bw, Start: at, Duration: d},
			)
		}
	case PatternRandom:
		if rng == nil {
			return nil, errors.New("random pattern requires a random stream")
		}
		if pairs <= 0 {
			pairs = len(hosts) / 2
		}
		for i := 0; i < pairs; i++ {
			src := rng.RandInt(0, len(hosts)-1)
			dst := rng.RandInt(0, len(hosts)-2)
			if dst >= src {
				dst++
			}
			flows = append(flows, Flow{From: hosts[src], To: hosts[dst], Duration: duration})
		}
	}
	for i := range flows {
		flows[i].Port = basePort + i
	}
	return flows, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Traffic starts background flows and remembers their handles so they can be
// torn down together.
type Traffic struct {
	net    node.Network
	iperf  string
	logger *log.Logger

	mu      sync.Mutex
	handles []*probe.Handle
}

func NewTraffic(network node.Network, iperf string, logger *log.Logger) *Traffic {
	if iperf == "" {
		iperf = "iperf"
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Traffic{net: network, iperf: iperf, logger: logger}
}

// StartFlow launches the listener then the sender for f. Both handles are
// tracked before either starts so StopAll covers partial starts.
func (t *Traffic) StartFlow(ctx context.Context, f Flow) error {
	src, err := t.net.Node(f.From)
	if err != nil {
		return err
	}
	dst, err := t.net.Node(f.To)
	if err != nil {
		return err
	}
	udp := ""
	if f.UDP {
		udp = " -u"
	}
	serverPattern := fmt.Sprintf("%s -s%s -p %d", t.iperf, udp, f.Port)
	clientPattern := fmt.Sprintf("%s -c %s%s -p %d", t.iperf, dst.Addr(), udp, f.Port)
	clientArgs := clientPattern
	if f.UDP && f.Bandwidth != "" {
		clientArgs += " -b " + f.Bandwidth
	}
	secs := int(math.Ceil(f.Duration.Seconds()))
	if secs < 1 {
		secs = 1
	}

	server := probe.NewHandle(dst, serverPattern+" > /dev/null 2>&1 &", probe.KillCommand(serverPattern))
	client := probe.NewHandle(src, fmt.Sprintf("%s -t %d > /dev/null 2>&1 &", clientArgs, secs), probe.KillCommand(clientPattern))
	t.mu.Lock()
	t.handles = append(t.handles, server, client)
	t.mu.Unlock()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("traffic %s: %w", f, err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("traffic %s: %w", f, err)
	}
	t.logger.Printf("traffic started %s for %s", f, f.Duration)
	return nil
}

// StopAll stops every tracked handle and forgets them.
func (t *Traffic) StopAll(ctx context.Context) error {
	t.mu.Lock()
	handles := t.handles
	t.handles = nil
	t.mu.Unlock()

	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Traffic) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
