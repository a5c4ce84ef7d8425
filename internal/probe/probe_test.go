package probe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pingsantohq/sdnharness/internal/node/nodetest"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

var testAddrs = map[string]string{"h1": "10.0.0.1", "h2": "10.0.0.2"}

func TestSpecValidate(t *testing.T) {
	base := Spec{Kind: types.ProbeICMP, DestAddr: "10.0.0.2", Duration: time.Second, Interval: time.Second}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid spec: %v", err)
	}
	bad := base
	bad.Duration = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for zero duration got %v", err)
	}
	bad = base
	bad.Interval = -time.Second
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for negative interval got %v", err)
	}
	tcp := base
	tcp.Kind = types.ProbeTCP
	if err := tcp.Validate(); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected missing port to be rejected got %v", err)
	}
	tcp.Port = 5001
	tcp.OutputPath = "/tmp/out.txt"
	if err := tcp.Validate(); err != nil {
		t.Fatalf("expected valid tcp spec: %v", err)
	}
}

func TestICMPDriverCollectsSamples(t *testing.T) {
	net := nodetest.New(testAddrs, func(ctx context.Context, n, cmd string) (string, error) {
		return "64 bytes from 10.0.0.2: icmp_seq=1 ttl=64 time=2.0 ms", nil
	})
	src, _ := net.Node("h1")
	spec := Spec{Kind: types.ProbeICMP, Source: "h1", Dest: "h2", DestAddr: "10.0.0.2", Phase: "baseline", Duration: 100 * time.Millisecond, Interval: 10 * time.Millisecond}
	d, err := NewICMPDriver(spec, src, DefaultTools(), Dependencies{})
	if err != nil {
		t.Fatalf("NewICMPDriver: %v", err)
	}

	series := d.Run(context.Background())
	if len(series.ICMP) < 3 || len(series.ICMP) > 11 {
		t.Fatalf("expected between 3 and 11 samples got %d", len(series.ICMP))
	}
	prev := -1.0
	for _, s := range series.ICMP {
		if s.Lost || s.LatencyMs == nil || *s.LatencyMs != 2.0 {
			t.Fatalf("unexpected sample %+v", s)
		}
		if s.ElapsedSec < prev {
			t.Fatalf("elapsed decreased: %v after %v", s.ElapsedSec, prev)
		}
		if s.ElapsedSec > 0.11 {
			t.Fatalf("sample beyond duration plus interval: %v", s.ElapsedSec)
		}
		prev = s.ElapsedSec
	}
	if series.ICMP[0].ElapsedSec != 0 && series.ICMP[0].ElapsedSec > 0.005 {
		t.Fatalf("expected first probe at start got %v", series.ICMP[0].ElapsedSec)
	}
	calls := net.CallsTo("h1")
	if calls[0] != "ping -c 1 -W 1 10.0.0.2" {
		t.Fatalf("unexpected command %q", calls[0])
	}
	if series.Key.Phase != "baseline" || series.Key.Kind != types.ProbeICMP {
		t.Fatalf("unexpected key %+v", series.Key)
	}
}

func TestICMPDriverToolFailureIsLoss(t *testing.T) {
	net := nodetest.New(testAddrs, func(ctx context.Context, n, cmd string) (string, error) {
		return "1 packets transmitted, 0 received, 100% packet loss", errors.New("exit status 1")
	})
	src, _ := net.Node("h1")
	spec := Spec{Kind: types.ProbeICMP, Source: "h1", Dest: "h2", DestAddr: "10.0.0.2", Duration: 40 * time.Millisecond, Interval: 10 * time.Millisecond}
	d, err := NewICMPDriver(spec, src, DefaultTools(), Dependencies{})
	if err != nil {
		t.Fatalf("NewICMPDriver: %v", err)
	}
	series := d.Run(context.Background())
	if len(series.ICMP) == 0 {
		t.Fatalf("expected lost samples to be recorded")
	}
	for _, s := range series.ICMP {
		if !s.Lost || s.LatencyMs != nil {
			t.Fatalf("expected lost sample got %+v", s)
		}
	}
}

func TestICMPDriverStopsOnCancel(t *testing.T) {
	net := nodetest.New(testAddrs, nil)
	src, _ := net.Node("h1")
	spec := Spec{Kind: types.ProbeICMP, Source: "h1", Dest: "h2", DestAddr: "10.0.0.2", Duration: time.Hour, Interval: 10 * time.Millisecond}
	d, err := NewICMPDriver(spec, src, DefaultTools(), Dependencies{})
	if err != nil {
		t.Fatalf("NewICMPDriver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan *types.Series, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("driver did not stop after cancellation")
	}
}

func TestNewDriversRejectInvalidSpec(t *testing.T) {
	net := nodetest.New(testAddrs, nil)
	src, _ := net.Node("h1")
	dst, _ := net.Node("h2")
	if _, err := NewICMPDriver(Spec{Kind: types.ProbeICMP, DestAddr: "10.0.0.2", Interval: time.Second}, src, Tools{}, Dependencies{}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec got %v", err)
	}
	if _, err := NewThroughputDriver(Spec{Kind: types.ProbeICMP, DestAddr: "10.0.0.2", Duration: time.Second, Interval: time.Second}, src, dst, Tools{}, Dependencies{}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected kind mismatch to be rejected got %v", err)
	}
}

func scriptedIperf(kind types.ProbeKind, tails *atomic.Int32) nodetest.HandlerFunc {
	return func(ctx context.Context, n, cmd string) (string, error) {
		if !strings.HasPrefix(cmd, "tail ") {
			return "", nil
		}
		polls := int(tails.Add(1))
		var b strings.Builder
		b.WriteString("[ ID] Interval       Transfer     Bandwidth\n")
		for k := 1; k <= polls && k <= 5; k++ {
			line := fmt.Sprintf("[  3] %.2f-%.2f sec  1.20 MBytes  10.0 Mbits/sec", float64(k-1)*0.01, float64(k)*0.01)
			if kind == types.ProbeUDP {
				line += "   0.020 ms    1/  100 (1%)"
			}
			b.WriteString(line + "\n")
		}
		if polls > 5 {
			b.WriteString("[  3] 0.00-0.05 sec  6.00 MBytes  10.0 Mbits/sec\n")
		}
		return b.String(), nil
	}
}

func throughputSpec(kind types.ProbeKind) Spec {
	return Spec{
		Kind:       kind,
		Source:     "h1",
		Dest:       "h2",
		DestAddr:   "10.0.0.2",
		Phase:      "baseline",
		Duration:   50 * time.Millisecond,
		Interval:   10 * time.Millisecond,
		Port:       5001,
		OutputPath: "/tmp/run/baseline_tcp_h1_h2.txt",
	}
}

func testTools() Tools {
	tools := DefaultTools()
	tools.ListenerSettle = time.Millisecond
	return tools
}

func TestThroughputDriverDedupesIntervals(t *testing.T) {
	var tails atomic.Int32
	net := nodetest.New(testAddrs, scriptedIperf(types.ProbeTCP, &tails))
	src, _ := net.Node("h1")
	dst, _ := net.Node("h2")

	d, err := NewThroughputDriver(throughputSpec(types.ProbeTCP), src, dst, testTools(), Dependencies{})
	if err != nil {
		t.Fatalf("NewThroughputDriver: %v", err)
	}
	series := d.Run(context.Background())

	if len(series.Throughput) < 3 || len(series.Throughput) > 5 {
		t.Fatalf("expected 3..5 deduplicated samples got %d", len(series.Throughput))
	}
	prev := -1.0
	for _, s := range series.Throughput {
		if s.ElapsedSec <= prev {
			t.Fatalf("duplicate or decreasing interval end %v after %v", s.ElapsedSec, prev)
		}
		if s.Mbps != 10 {
			t.Fatalf("unexpected throughput %v", s.Mbps)
		}
		prev = s.ElapsedSec
	}

	srcCalls := strings.Join(net.CallsTo("h1"), "\n")
	if !strings.Contains(srcCalls, "iperf -c 10.0.0.2 -p 5001 -t 1 -i 0.01 > '/tmp/run/baseline_tcp_h1_h2.txt' 2>&1 &") {
		t.Fatalf("client not started as expected:\n%s", srcCalls)
	}
	if !strings.Contains(srcCalls, `pkill -f '[i]perf -c 10\.0\.0\.2 -p 5001( |$)' || true`) {
		t.Fatalf("client not stopped:\n%s", srcCalls)
	}
	dstCalls := net.CallsTo("h2")
	if len(dstCalls) < 3 {
		t.Fatalf("expected stale kill, start and stop on listener got %v", dstCalls)
	}
	if dstCalls[0] != `pkill -f '[i]perf -s -p 5001( |$)' || true` {
		t.Fatalf("expected stale listener kill first got %q", dstCalls[0])
	}
	if dstCalls[len(dstCalls)-1] != dstCalls[0] {
		t.Fatalf("expected listener kill last got %q", dstCalls[len(dstCalls)-1])
	}
}

func TestThroughputDriverUDPReadsListenerReport(t *testing.T) {
	var tails atomic.Int32
	net := nodetest.New(testAddrs, scriptedIperf(types.ProbeUDP, &tails))
	src, _ := net.Node("h1")
	dst, _ := net.Node("h2")

	spec := throughputSpec(types.ProbeUDP)
	d, err := NewThroughputDriver(spec, src, dst, testTools(), Dependencies{})
	if err != nil {
		t.Fatalf("NewThroughputDriver: %v", err)
	}
	series := d.Run(context.Background())
	if len(series.Throughput) == 0 {
		t.Fatalf("expected udp samples")
	}
	first := series.Throughput[0]
	if first.JitterMs == nil || *first.JitterMs != 0.02 {
		t.Fatalf("expected jitter 0.02 got %v", first.JitterMs)
	}
	if first.LossPct == nil || *first.LossPct != 1 {
		t.Fatalf("expected loss 1%% got %v", first.LossPct)
	}

	dstCalls := strings.Join(net.CallsTo("h2"), "\n")
	if !strings.Contains(dstCalls, "tail -n 50 '/tmp/run/baseline_tcp_h1_h2.txt.server'") {
		t.Fatalf("expected listener report to be tailed:\n%s", dstCalls)
	}
	if !strings.Contains(strings.Join(net.CallsTo("h1"), "\n"), "-u -p 5001 -b 10M -t 1") {
		t.Fatalf("expected udp client flags")
	}
}

func TestThroughputDriverCleansUpOnCancel(t *testing.T) {
	var tails atomic.Int32
	net := nodetest.New(testAddrs, scriptedIperf(types.ProbeTCP, &tails))
	src, _ := net.Node("h1")
	dst, _ := net.Node("h2")

	spec := throughputSpec(types.ProbeTCP)
	spec.Duration = time.Hour
	d, err := NewThroughputDriver(spec, src, dst, testTools(), Dependencies{})
	if err != nil {
		t.Fatalf("NewThroughputDriver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	src1 := net.CallsTo("h1")
	if last := src1[len(src1)-1]; !strings.HasPrefix(last, "pkill -f ") {
		t.Fatalf("expected client kill after cancellation got %q", last)
	}
	dst1 := net.CallsTo("h2")
	if last := dst1[len(dst1)-1]; !strings.HasPrefix(last, "pkill -f ") {
		t.Fatalf("expected listener kill after cancellation got %q", last)
	}
}

func TestHandleStopIdempotent(t *testing.T) {
	net := nodetest.New(testAddrs, nil)
	h1, _ := net.Node("h1")
	h := NewHandle(h1, "sleep 100 &", KillCommand("sleep 100"))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := len(net.CallsTo("h1")); got != 2 {
		t.Fatalf("expected start and one kill got %d calls", got)
	}
	if err := h.Start(context.Background()); err == nil {
		t.Fatalf("expected start after stop to fail")
	}
}

func TestKillCommand(t *testing.T) {
	if got := KillCommand("iperf -s -u -p 5002"); got != `pkill -f '[i]perf -s -u -p 5002( |$)' || true` {
		t.Fatalf("unexpected kill command %s", got)
	}
	if got := KillCommand(""); got != "true" {
		t.Fatalf("expected noop for empty pattern got %s", got)
	}
	if got := KillPrefixCommand("iperf -"); got != `pkill -f '[i]perf -' || true` {
		t.Fatalf("unexpected prefix kill command %s", got)
	}
}

func TestKillCommandDoesNotMatchLongerPort(t *testing.T) {
	cmd := KillCommand("iperf -s -p 500")
	start := strings.Index(cmd, "'") + 1
	end := strings.LastIndex(cmd, "'")
	re := regexp.MustCompile(cmd[start:end])
	cases := map[string]bool{
		"iperf -s -p 500 -i 1":   true,
		"iperf -s -p 500":        true,
		"iperf -s -p 5001 -i 1":  false,
		"sh -c iperf -s -p 5001": false,
	}
	for line, want := range cases {
		if got := re.MatchString(line); got != want {
			t.Fatalf("match %q: expected %t got %t", line, want, got)
		}
	}
}
