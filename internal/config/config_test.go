package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
harness:
  work_dir: /var/lib/sdnharness
  max_concurrent_drivers: 8
network:
  mode: shell
  prefix: "mnexec -a {{.PID}}"
  nodes:
    - {name: sta1, addr: 10.0.0.1, pid: 101}
    - {name: h1, addr: 10.0.0.2, pid: 102}
    - {name: s1}
perturb:
  links:
    - a: s1
      b: s2
      endpoints:
        - {node: s1, interface: s1-eth2}
        - {node: s2, interface: s2-eth1}
  controllers:
    - {id: c1, node: s1, stop: "docker stop c1", start: "docker start c1", addr: "127.0.0.1:6653"}
scenario:
  name: link-failure
  sample_interval: 1s
  phase_duration: 20s
  settle: 2s
  link: {a: s1, b: s2}
  probes:
    - {kind: icmp, source: sta1, dest: h1}
    - {kind: tcp, source: sta1, dest: h1, port: 5002}
  phases:
    - label: baseline
      duration: 10s
      settle: 0s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harness.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	cfg, err := Load(ctx, writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Harness.WorkDir != "/var/lib/sdnharness" {
		t.Fatalf("unexpected work dir: %s", cfg.Harness.WorkDir)
	}
	if len(cfg.Network.Nodes) != 3 || cfg.Network.Nodes[0].PID != 101 {
		t.Fatalf("unexpected nodes: %#v", cfg.Network.Nodes)
	}
	if cfg.Scenario.PhaseDuration != 20*time.Second || cfg.Scenario.Settle != 2*time.Second {
		t.Fatalf("unexpected durations: %s %s", cfg.Scenario.PhaseDuration, cfg.Scenario.Settle)
	}
	if cfg.Scenario.Probes[1].Port != 5002 {
		t.Fatalf("unexpected probe port %d", cfg.Scenario.Probes[1].Port)
	}
	if got := cfg.Scenario.Phases[0].Settle; got == nil || *got != 0 {
		t.Fatalf("expected explicit zero settle got %v", got)
	}
	if cfg.Perturb.Links[0].Endpoints[1].Interface != "s2-eth1" {
		t.Fatalf("unexpected link endpoints %#v", cfg.Perturb.Links)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, "scenario:\n  name: custom\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scenario.SampleInterval != time.Second {
		t.Fatalf("expected 1s default interval got %s", cfg.Scenario.SampleInterval)
	}
	if cfg.Scenario.BasePort != 5001 || cfg.Scenario.TrafficBasePort != 6001 {
		t.Fatalf("unexpected default ports %d %d", cfg.Scenario.BasePort, cfg.Scenario.TrafficBasePort)
	}
	if cfg.Scenario.Baseline != "baseline" {
		t.Fatalf("unexpected baseline label %q", cfg.Scenario.Baseline)
	}
	if cfg.Tools.OpenFlowVersion != "OpenFlow13" {
		t.Fatalf("unexpected openflow version %q", cfg.Tools.OpenFlowVersion)
	}
	if !strings.Contains(cfg.Perturb.LinkCommand, "{{.Interface}}") {
		t.Fatalf("unexpected link command %q", cfg.Perturb.LinkCommand)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown scenario": "scenario:\n  name: chaos\n",
		"unknown mode":     "network:\n  mode: telnet\n",
		"ssh without key":  "network:\n  mode: ssh\n  ssh: {user: mininet}\n",
		"duplicate node":   "network:\n  nodes: [{name: h1}, {name: h1}]\n",
	}
	for name, body := range cases {
		if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadDatabaseURLFromEnv(t *testing.T) {
	t.Setenv(envDatabaseURL, "postgres://harness@localhost/runs")
	cfg, err := Load(context.Background(), writeConfig(t, "scenario: {name: custom}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Harness.DatabaseURL != "postgres://harness@localhost/runs" {
		t.Fatalf("unexpected database url %q", cfg.Harness.DatabaseURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	ctx := context.Background()
	t.Setenv(envConfigPath, writeConfig(t, sampleYAML))

	cfg, err := LoadFromEnv(ctx)
	if err != nil {
		t.Fatalf("LoadFromEnv returned error: %v", err)
	}
	if cfg.Scenario.Name != ScenarioLinkFailure {
		t.Fatalf("unexpected scenario: %s", cfg.Scenario.Name)
	}

	t.Setenv(envConfigPath, "")
	if got := Path(); got != DefaultConfigPath {
		t.Fatalf("expected default path got %s", got)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg, err := Load(ctx, writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	path := filepath.Join(t.TempDir(), "run", "config.yaml")
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed")
	}
	reloaded, err := Load(ctx, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Scenario.PhaseDuration != cfg.Scenario.PhaseDuration || len(reloaded.Scenario.Probes) != 2 {
		t.Fatalf("round trip mismatch: %#v", reloaded.Scenario)
	}
}

func TestWriteRedactsDatabasePassword(t *testing.T) {
	cfg := Config{Harness: HarnessConfig{DatabaseURL: "postgres://harness:s3cret@db:5432/harness?sslmode=disable"}}
	cfg.ApplyDefaults()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "s3cret") {
		t.Fatalf("expected password to be redacted:\n%s", data)
	}
	if !strings.Contains(string(data), "postgres://harness:REDACTED@db:5432/harness?sslmode=disable") {
		t.Fatalf("expected redacted dsn:\n%s", data)
	}
	if cfg.Harness.DatabaseURL != "postgres://harness:s3cret@db:5432/harness?sslmode=disable" {
		t.Fatalf("caller config must not be modified")
	}
}

func TestRedactDSN(t *testing.T) {
	cases := map[string]string{
		"":                          "",
		"postgres://db/harness":     "postgres://db/harness",
		"postgres://u:p@db/harness": "postgres://u:REDACTED@db/harness",
		"host=db user=u password=p": "",
	}
	for in, want := range cases {
		if got := RedactDSN(in); got != want {
			t.Fatalf("RedactDSN(%q): expected %q got %q", in, want, got)
		}
	}
}
