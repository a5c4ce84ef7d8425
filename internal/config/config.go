package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "SDNHARNESS_CONFIG"
	envDatabaseURL    = "DATABASE_URL"
	DefaultConfigPath = "/etc/sdnharness/harness.yaml"
)

type Config struct {
	Harness  HarnessConfig  `yaml:"harness"`
	Network  NetworkConfig  `yaml:"network"`
	Tools    ToolsConfig    `yaml:"tools"`
	Perturb  PerturbConfig  `yaml:"perturb"`
	Scenario ScenarioConfig `yaml:"scenario"`
	Flows    FlowsConfig    `yaml:"flows"`
}

type HarnessConfig struct {
	WorkDir              string        `yaml:"work_dir"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	APIAddr              string        `yaml:"api_addr"`
	DatabaseURL          string        `yaml:"database_url"`
	MaxConcurrentDrivers int           `yaml:"max_concurrent_drivers"`
	CleanupTimeout       time.Duration `yaml:"cleanup_timeout"`
}

type NetworkConfig struct {
	// Mode is "shell" (local commands, optionally prefixed) or "ssh".
	Mode   string       `yaml:"mode"`
	Prefix string       `yaml:"prefix"`
	Shell  string       `yaml:"shell"`
	SSH    SSHConfig    `yaml:"ssh"`
	Nodes  []NodeConfig `yaml:"nodes"`
}

type SSHConfig struct {
	User           string        `yaml:"user"`
	KeyPath        string        `yaml:"key_path"`
	KnownHostsPath string        `yaml:"known_hosts"`
	Port           int           `yaml:"port"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

type NodeConfig struct {
	Name      string `yaml:"name"`
	Addr      string `yaml:"addr"`
	PID       int    `yaml:"pid"`
	Namespace string `yaml:"namespace"`
	Host      string `yaml:"host"`
}

type ToolsConfig struct {
	Ping            string        `yaml:"ping"`
	Iperf           string        `yaml:"iperf"`
	OvsOfctl        string        `yaml:"ovs_ofctl"`
	OpenFlowVersion string        `yaml:"openflow_version"`
	TailLines       int           `yaml:"tail_lines"`
	ListenerSettle  time.Duration `yaml:"listener_settle"`
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	UDPBandwidth    string        `yaml:"udp_bandwidth"`
}

type PerturbConfig struct {
	// LinkCommand is rendered per link endpoint with .Node, .Interface and
	// .State ("up" or "down").
	LinkCommand string `yaml:"link_command"`
	// MoveCommand is rendered with .Station, .X, .Y and .Z.
	MoveCommand string             `yaml:"move_command"`
	MoveNode    string             `yaml:"move_node"`
	Links       []LinkConfig       `yaml:"links"`
	Controllers []ControllerConfig `yaml:"controllers"`
}

type LinkConfig struct {
	A         string           `yaml:"a"`
	B         string           `yaml:"b"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

type EndpointConfig struct {
	Node      string `yaml:"node"`
	Interface string `yaml:"interface"`
}

type ControllerConfig struct {
	ID    string `yaml:"id"`
	Node  string `yaml:"node"`
	Start string `yaml:"start"`
	Stop  string `yaml:"stop"`
	// Addr is the OpenFlow listener checked after a start, host:port.
	Addr         string        `yaml:"addr"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type ScenarioConfig struct {
	// Name selects a built-in template: mobility, link-failure,
	// controller-failover, congestion or custom.
	Name            string         `yaml:"name"`
	Baseline        string         `yaml:"baseline"`
	SampleInterval  time.Duration  `yaml:"sample_interval"`
	PhaseDuration   time.Duration  `yaml:"phase_duration"`
	Settle          time.Duration  `yaml:"settle"`
	BasePort        int            `yaml:"base_port"`
	TrafficBasePort int            `yaml:"traffic_base_port"`
	Seed            string         `yaml:"seed"`
	Probes          []ProbeConfig  `yaml:"probes"`
	Phases          []PhaseConfig  `yaml:"phases"`
	Finally         []ActionConfig `yaml:"finally"`

	// Template parameters.
	Link         LinkRef          `yaml:"link"`
	Station      string           `yaml:"station"`
	Waypoints    []WaypointConfig `yaml:"waypoints"`
	Controller   string           `yaml:"controller"`
	Pattern      string           `yaml:"pattern"`
	TrafficHosts []string         `yaml:"traffic_hosts"`
	RandomPairs  int              `yaml:"random_pairs"`
}

type LinkRef struct {
	A string `yaml:"a"`
	B string `yaml:"b"`
}

type WaypointConfig struct {
	At time.Duration `yaml:"at"`
	X  float64       `yaml:"x"`
	Y  float64       `yaml:"y"`
	Z  float64       `yaml:"z"`
}

type ProbeConfig struct {
	Kind      string        `yaml:"kind"`
	Source    string        `yaml:"source"`
	Dest      string        `yaml:"dest"`
	Port      int           `yaml:"port"`
	Output    string        `yaml:"output"`
	Bandwidth string        `yaml:"bandwidth"`
	Timeout   time.Duration `yaml:"timeout"`
}

type PhaseConfig struct {
	Label         string         `yaml:"label"`
	Duration      time.Duration  `yaml:"duration"`
	Settle        *time.Duration `yaml:"settle"`
	Perturbations []ActionConfig `yaml:"perturbations"`
	Timeline      []ActionConfig `yaml:"timeline"`
	// Probes replaces the scenario-wide probe list for this phase.
	Probes []ProbeConfig `yaml:"probes"`
}

type ActionConfig struct {
	// Action is set_link_status, move_station, stop_controller,
	// start_controller, traffic or exec.
	Action     string        `yaml:"action"`
	At         time.Duration `yaml:"at"`
	Every      time.Duration `yaml:"every"`
	Until      time.Duration `yaml:"until"`
	A          string        `yaml:"a"`
	B          string        `yaml:"b"`
	State      string        `yaml:"state"`
	Station    string        `yaml:"station"`
	X          float64       `yaml:"x"`
	Y          float64       `yaml:"y"`
	Z          float64       `yaml:"z"`
	Controller string        `yaml:"controller"`
	Pattern    string        `yaml:"pattern"`
	Hosts      []string      `yaml:"hosts"`
	Pairs      int           `yaml:"pairs"`
	Node       string        `yaml:"node"`
	Command    string        `yaml:"command"`
}

type FlowsConfig struct {
	Switch      string        `yaml:"switch"`
	Node        string        `yaml:"node"`
	Interval    time.Duration `yaml:"interval"`
	Window      time.Duration `yaml:"window"`
	StressFlows int           `yaml:"stress_flows"`
	StressRate  float64       `yaml:"stress_rate"`
	StressSrc   string        `yaml:"stress_src"`
	StressDst   string        `yaml:"stress_dst"`
	StressPort  int           `yaml:"stress_base_port"`
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if cfg.Harness.DatabaseURL == "" {
		cfg.Harness.DatabaseURL = os.Getenv(envDatabaseURL)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}
	return cfg, nil
}

// Path returns the configuration file named by SDNHARNESS_CONFIG, or
// DefaultConfigPath when it is unset.
func Path() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return DefaultConfigPath
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	return Load(ctx, Path())
}
