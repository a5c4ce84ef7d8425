package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/sdnharness/internal/artifacts"
	"github.com/pingsantohq/sdnharness/internal/config"
	"github.com/pingsantohq/sdnharness/internal/stats"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

func icmpPhase(t *testing.T, label string, start time.Time, latencies ...float64) *types.Phase {
	t.Helper()
	p := types.NewPhase(label, time.Duration(len(latencies))*time.Second)
	p.StartTime = start
	s := types.NewSeries(types.SeriesKey{Kind: types.ProbeICMP, Source: "h1", Dest: "h2", Phase: label})
	for i, v := range latencies {
		if err := s.AppendICMP(types.IcmpSample{ElapsedSec: float64(i), LatencyMs: types.Float(v)}); err != nil {
			t.Fatalf("append sample: %v", err)
		}
	}
	p.Series = append(p.Series, s)
	return p
}

func writePhases(t *testing.T, root, runID string, phases ...*types.Phase) []string {
	t.Helper()
	w, err := artifacts.NewWriter(root)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	dirs := make([]string, 0, len(phases))
	for _, p := range phases {
		dir, err := w.WritePhase(runID, p)
		if err != nil {
			t.Fatalf("WritePhase %s: %v", p.Label, err)
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

func TestLoadConfigFallsBackToEnvironment(t *testing.T) {
	dir := t.TempDir()
	write := func(name, scenario string) string {
		path := filepath.Join(dir, name)
		yaml := "network:\n  mode: shell\n  nodes:\n    - {name: h1, addr: 10.0.0.1}\nscenario:\n  name: " + scenario + "\n"
		if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		return path
	}
	envPath := write("env.yaml", config.ScenarioCongestion)
	flagPath := write("flag.yaml", config.ScenarioMobility)
	t.Setenv("SDNHARNESS_CONFIG", envPath)

	cfg, err := loadConfig(context.Background(), "")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Scenario.Name != config.ScenarioCongestion {
		t.Fatalf("expected config from SDNHARNESS_CONFIG, got scenario %s", cfg.Scenario.Name)
	}

	cfg, err = loadConfig(context.Background(), flagPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Scenario.Name != config.ScenarioMobility {
		t.Fatalf("expected --config to win, got scenario %s", cfg.Scenario.Name)
	}
}

func TestReportComparesPhaseDirectories(t *testing.T) {
	start := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	dirs := writePhases(t, t.TempDir(), "run-1",
		icmpPhase(t, "baseline", start, 2, 2, 2),
		icmpPhase(t, "link-down", start.Add(time.Minute), 8, 8, 8),
	)

	var buf bytes.Buffer
	if err := report(&buf, []string{"--baseline", dirs[0], "--compare", dirs[1], "--json"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	var rep stats.Report
	if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	c, ok := rep.Find("icmp/h1->h2", types.MetricLatency, "link-down")
	if !ok {
		t.Fatalf("expected latency comparison, got %+v", rep.Comparisons)
	}
	if c.PercentChange != 300 || !c.Degraded {
		t.Fatalf("expected +300%% degraded got %+v", c)
	}
}

func TestReportMissingCompareDirIsUnavailable(t *testing.T) {
	start := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	root := t.TempDir()
	dirs := writePhases(t, root, "run-1", icmpPhase(t, "baseline", start, 2, 3))
	missing := filepath.Join(root, "run-1", "failover")

	var buf bytes.Buffer
	if err := report(&buf, []string{"--baseline", dirs[0], "--compare", missing}); err != nil {
		t.Fatalf("report: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "change vs baseline") {
		t.Fatalf("expected comparison table, got:\n%s", out)
	}
	if !strings.Contains(out, "failover: phase directory") {
		t.Fatalf("expected missing directory caveat, got:\n%s", out)
	}
}

func TestReportLoadsWholeRun(t *testing.T) {
	start := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	root := t.TempDir()
	writePhases(t, root, "run-2",
		icmpPhase(t, "recovered", start.Add(2*time.Minute), 2, 2),
		icmpPhase(t, "baseline", start, 2, 2),
	)

	var buf bytes.Buffer
	if err := report(&buf, []string{"--run-dir", filepath.Join(root, "run-2"), "--json"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	var rep stats.Report
	if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rep.Phases) != 2 || rep.Phases[0].Label != "baseline" {
		t.Fatalf("expected phases ordered by start time, got %+v", rep.Phases)
	}
}

func TestReportAlignedPrintsPhaseTimelines(t *testing.T) {
	start := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	dirs := writePhases(t, t.TempDir(), "run-3",
		icmpPhase(t, "baseline", start, 2, 3),
		icmpPhase(t, "link-down", start.Add(time.Minute), 9, 7),
	)

	var buf bytes.Buffer
	if err := report(&buf, []string{"--baseline", dirs[0], "--compare", dirs[1], "--aligned"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"comparisons degraded", "baseline  ELAPSED_S", "link-down  ELAPSED_S", "1.000      7.00"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestReportRequiresInput(t *testing.T) {
	if err := report(&bytes.Buffer{}, nil); err == nil {
		t.Fatalf("expected error without --baseline or --run-dir")
	}
}

func TestBuildNetworkShellMode(t *testing.T) {
	cfg := config.Config{Network: config.NetworkConfig{
		Mode:   "shell",
		Prefix: "mnexec -a {{.PID}}",
		Nodes: []config.NodeConfig{
			{Name: "h2", Addr: "10.0.0.2", PID: 202},
			{Name: "h1", Addr: "10.0.0.1", PID: 201},
		},
	}}
	network, closer, err := buildNetwork(cfg)
	if err != nil {
		t.Fatalf("buildNetwork: %v", err)
	}
	defer closer()
	if got := strings.Join(network.Nodes(), ","); got != "h1,h2" {
		t.Fatalf("expected sorted nodes got %s", got)
	}
	n, err := network.Node("h2")
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if n.Addr() != "10.0.0.2" {
		t.Fatalf("expected addr 10.0.0.2 got %s", n.Addr())
	}
}

func TestProbeToolsFromConfig(t *testing.T) {
	tools := probeTools(config.ToolsConfig{
		Ping:         "/usr/bin/ping",
		Iperf:        "iperf3",
		TailLines:    20,
		ExecTimeout:  2 * time.Second,
		UDPBandwidth: "50M",
	})
	if tools.Ping != "/usr/bin/ping" || tools.Iperf != "iperf3" || tools.TailLines != 20 {
		t.Fatalf("unexpected tools %+v", tools)
	}
	if tools.ExecTimeout != 2*time.Second || tools.UDPBandwidth != "50M" {
		t.Fatalf("unexpected tools %+v", tools)
	}
}

func TestJSONLRecorderAppendsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", eventsFileName)
	rec := jsonlRecorder{path: path}
	rec.Record(types.Event{Type: types.EventPhaseStarted, Phase: "baseline"})
	rec.Record(types.Event{Type: types.EventPhaseFinished, Phase: "baseline"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()
	var got []types.EventType
	err = artifacts.ReadJSONL(f, func(b []byte) error {
		var ev types.Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return err
		}
		got = append(got, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(got) != 2 || got[0] != types.EventPhaseStarted || got[1] != types.EventPhaseFinished {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b,c ")
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("unexpected split %v", got)
	}
}
