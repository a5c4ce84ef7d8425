package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	ScenarioMobility           = "mobility"
	ScenarioLinkFailure        = "link-failure"
	ScenarioControllerFailover = "controller-failover"
	ScenarioCongestion         = "congestion"
	ScenarioCustom             = "custom"
)

// ApplyDefaults fills every unset field with the harness defaults.
func (c *Config) ApplyDefaults() {
	if c.Harness.WorkDir == "" {
		c.Harness.WorkDir = filepath.Join(os.TempDir(), "sdnharness")
	}
	if c.Harness.MetricsAddr == "" {
		c.Harness.MetricsAddr = "127.0.0.1:9320"
	}
	if c.Harness.APIAddr == "" {
		c.Harness.APIAddr = ":8080"
	}
	if c.Harness.CleanupTimeout <= 0 {
		c.Harness.CleanupTimeout = 10 * time.Second
	}
	if c.Network.Mode == "" {
		c.Network.Mode = "shell"
	}
	if c.Tools.OvsOfctl == "" {
		c.Tools.OvsOfctl = "ovs-ofctl"
	}
	if c.Tools.OpenFlowVersion == "" {
		c.Tools.OpenFlowVersion = "OpenFlow13"
	}
	if c.Perturb.LinkCommand == "" {
		c.Perturb.LinkCommand = "ip link set dev {{.Interface}} {{.State}}"
	}
	for i := range c.Perturb.Controllers {
		if c.Perturb.Controllers[i].ReadyTimeout <= 0 {
			c.Perturb.Controllers[i].ReadyTimeout = 30 * time.Second
		}
	}

	s := &c.Scenario
	if s.Name == "" {
		s.Name = ScenarioCustom
	}
	if s.Baseline == "" {
		s.Baseline = "baseline"
	}
	if s.SampleInterval <= 0 {
		s.SampleInterval = time.Second
	}
	if s.PhaseDuration <= 0 {
		s.PhaseDuration = 30 * time.Second
	}
	if s.Settle < 0 {
		s.Settle = 0
	}
	if s.BasePort <= 0 {
		s.BasePort = 5001
	}
	if s.TrafficBasePort <= 0 {
		s.TrafficBasePort = 6001
	}
	if s.Seed == "" {
		s.Seed = s.Name
	}

	if c.Flows.Interval <= 0 {
		c.Flows.Interval = 5 * time.Second
	}
	if c.Flows.Window <= 0 {
		c.Flows.Window = 30 * time.Second
	}
	if c.Flows.StressRate <= 0 {
		c.Flows.StressRate = 40
	}
	if c.Flows.StressPort <= 0 {
		c.Flows.StressPort = 5001
	}
}

// Validate checks settings that are wrong regardless of scenario.
// Scenario-level checks happen when the run is provisioned.
func (c Config) Validate() error {
	switch c.Network.Mode {
	case "shell":
	case "ssh":
		if c.Network.SSH.User == "" || c.Network.SSH.KeyPath == "" {
			return errors.New("network.ssh.user and network.ssh.key_path required in ssh mode")
		}
	default:
		return fmt.Errorf("unknown network mode %q", c.Network.Mode)
	}
	seen := make(map[string]struct{}, len(c.Network.Nodes))
	for _, n := range c.Network.Nodes {
		if n.Name == "" {
			return errors.New("network node without name")
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("duplicate network node %q", n.Name)
		}
		seen[n.Name] = struct{}{}
	}
	switch c.Scenario.Name {
	case ScenarioMobility, ScenarioLinkFailure, ScenarioControllerFailover, ScenarioCongestion, ScenarioCustom:
	default:
		return fmt.Errorf("unknown scenario %q", c.Scenario.Name)
	}
	return nil
}
