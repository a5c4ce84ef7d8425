package parse

import (
	"math"
	"testing"
)

const pingOK = `PING 10.0.0.2 (10.0.0.2) 56(84) bytes of data.
64 bytes from 10.0.0.2: icmp_seq=1 ttl=64 time=0.412 ms

--- 10.0.0.2 ping statistics ---
1 packets transmitted, 1 received, 0% packet loss, time 0ms
rtt min/avg/max/mdev = 0.412/0.412/0.412/0.000 ms
`

const pingLost = `PING 10.0.0.9 (10.0.0.9) 56(84) bytes of data.

--- 10.0.0.9 ping statistics ---
3 packets transmitted, 0 received, 100% packet loss, time 2031ms
`

func TestPingLatency(t *testing.T) {
	v, ok := PingLatency(pingOK)
	if !ok {
		t.Fatalf("expected match")
	}
	if v != 0.412 {
		t.Fatalf("expected 0.412 got %v", v)
	}

	if _, ok := PingLatency(pingLost); ok {
		t.Fatalf("expected no match for lost probe")
	}
	if _, ok := PingLatency(""); ok {
		t.Fatalf("expected no match for empty output")
	}
}

func TestPingLatencySubMillisecond(t *testing.T) {
	v, ok := PingLatency("64 bytes from 10.0.0.1: icmp_seq=1 ttl=64 time<1 ms")
	if !ok || v != 1 {
		t.Fatalf("expected time<1 to match as 1 got %v ok=%v", v, ok)
	}
}

func TestICMPSample(t *testing.T) {
	s := ICMPSample(pingOK, 2)
	if s.Lost || s.LatencyMs == nil || *s.LatencyMs != 0.412 || s.ElapsedSec != 2 {
		t.Fatalf("unexpected sample %+v", s)
	}
	s = ICMPSample("ping: sendmsg: Network is unreachable", 3)
	if !s.Lost || s.LatencyMs != nil {
		t.Fatalf("expected lost sample got %+v", s)
	}
}

func TestPingSummaryTotalLoss(t *testing.T) {
	stats, ok := PingSummary(pingLost)
	if !ok {
		t.Fatalf("expected summary match")
	}
	if !stats.HasLoss || stats.LossPct != 100 {
		t.Fatalf("expected 100%% loss got %+v", stats)
	}
	if !stats.HasCounts || stats.Transmitted != 3 || stats.Received != 0 {
		t.Fatalf("unexpected counts %+v", stats)
	}
}

func TestPingSummaryFractionalLoss(t *testing.T) {
	stats, ok := PingSummary("3 packets transmitted, 2 received, 33.3333% packet loss, time 2003ms")
	if !ok || math.Abs(stats.LossPct-33.3333) > 1e-9 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPingSummaryNoMatch(t *testing.T) {
	if _, ok := PingSummary("connect: Network is unreachable"); ok {
		t.Fatalf("expected no match")
	}
}

func TestPingLogFillsGaps(t *testing.T) {
	blob := `PING 10.0.0.2 (10.0.0.2) 56(84) bytes of data.
64 bytes from 10.0.0.2: icmp_seq=1 ttl=64 time=2.10 ms
From 10.0.0.1 icmp_seq=2 Destination Host Unreachable
64 bytes from 10.0.0.2: icmp_seq=4 ttl=64 time=2.30 ms

--- 10.0.0.2 ping statistics ---
5 packets transmitted, 2 received, +1 errors, 60% packet loss, time 4005ms
`
	samples := PingLog(blob, 0.5)
	if len(samples) != 5 {
		t.Fatalf("expected 5 samples got %d", len(samples))
	}
	if samples[0].Lost || *samples[0].LatencyMs != 2.10 {
		t.Fatalf("unexpected first sample %+v", samples[0])
	}
	for _, i := range []int{1, 2, 4} {
		if !samples[i].Lost {
			t.Fatalf("expected sample %d lost", i)
		}
	}
	if samples[3].ElapsedSec != 1.5 || *samples[3].LatencyMs != 2.30 {
		t.Fatalf("unexpected fourth sample %+v", samples[3])
	}
}

func TestPingLogEmpty(t *testing.T) {
	if got := PingLog("connect: Network is unreachable", 1); len(got) != 0 {
		t.Fatalf("expected no samples got %d", len(got))
	}
}
