// Package config loads the director configuration.
//
// Config is stored at $XDG_CONFIG_HOME/drydock/config.yaml (defaults to
// ~/.config/drydock/config.yaml). A missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"drydock/internal/deploy"
	"drydock/internal/ipam"
	"drydock/internal/logging"
)

type Config struct {
	Database string    `yaml:"database"`
	LockDir  string    `yaml:"lock_dir"`
	Log      Log       `yaml:"log"`
	Update   Update    `yaml:"update"`
	IPAM     IPAM      `yaml:"ipam"`
	Networks []Network `yaml:"networks"`
	Cloud    Cloud     `yaml:"cloud"`
	Agent    Agent     `yaml:"agent"`
	Features Features  `yaml:"features"`
	Timeouts Timeouts  `yaml:"timeouts"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Update struct {
	MaxInFlight     int              `yaml:"max_in_flight"`
	CanaryWatchTime deploy.WatchTime `yaml:"canary_watch_time"`
	UpdateWatchTime deploy.WatchTime `yaml:"update_watch_time"`
}

type IPAM struct {
	AllocationRetries int `yaml:"allocation_retries"`
}

type Network struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Subnets []Subnet `yaml:"subnets"`
	VIPs    []string `yaml:"vips"`
}

type Subnet struct {
	Range           string         `yaml:"range"`
	Gateway         string         `yaml:"gateway"`
	DNS             []string       `yaml:"dns"`
	Reserved        []string       `yaml:"reserved"`
	Static          []string       `yaml:"static"`
	AZs             []string       `yaml:"azs"`
	CloudProperties map[string]any `yaml:"cloud_properties"`
}

// Cloud selects the docker daemon that hosts VMs.
type Cloud struct {
	DockerHost string `yaml:"docker_host"`
	Network    string `yaml:"network"`
}

type Agent struct {
	// Endpoint is a dial target with an {agent_id} placeholder.
	Endpoint    string        `yaml:"endpoint"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type Features struct {
	SoftDeleteVMs          bool `yaml:"soft_delete_vms"`
	NATSDeliveredTemplates bool `yaml:"nats_delivered_templates"`
}

type Timeouts struct {
	AgentReady time.Duration `yaml:"agent_ready"`
}

// Path respects XDG_CONFIG_HOME, falling back to ~/.config/drydock/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "drydock", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "drydock", "config.yaml")
}

func stateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".local", "state", "drydock")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "drydock")
}

func Default() *Config {
	state := stateDir()
	return &Config{
		Database: filepath.Join(state, "director.db"),
		LockDir:  filepath.Join(state, "locks"),
		Log:      Log{Level: logging.LevelInfo, Format: logging.FormatText},
		Update: Update{
			MaxInFlight:     1,
			CanaryWatchTime: deploy.WatchTime{Min: time.Second, Max: 30 * time.Second},
			UpdateWatchTime: deploy.WatchTime{Min: time.Second, Max: 30 * time.Second},
		},
		IPAM:     IPAM{AllocationRetries: ipam.DefaultAllocationRetries},
		Cloud:    Cloud{Network: "drydock"},
		Agent:    Agent{Endpoint: "unix:///run/drydock/agents/{agent_id}.sock", DialTimeout: 10 * time.Second},
		Timeouts: Timeouts{AgentReady: 10 * time.Minute},
	}
}

// Load reads path, or Path() when path is empty. Values absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database) == "" {
		errs = append(errs, errors.New("database: path is required"))
	}
	if strings.TrimSpace(c.LockDir) == "" {
		errs = append(errs, errors.New("lock_dir: path is required"))
	}
	if _, err := logging.NewHandler(io.Discard, c.Log.Level, c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Update.MaxInFlight < 1 {
		errs = append(errs, errors.New("update.max_in_flight: must be at least 1"))
	}
	if c.IPAM.AllocationRetries < 1 {
		errs = append(errs, errors.New("ipam.allocation_retries: must be at least 1"))
	}
	if !strings.Contains(c.Agent.Endpoint, "{agent_id}") {
		errs = append(errs, errors.New("agent.endpoint: must contain {agent_id}"))
	}
	seen := make(map[string]bool, len(c.Networks))
	for i, n := range c.Networks {
		if seen[n.Name] {
			errs = append(errs, fmt.Errorf("networks[%d]: duplicate network %q", i, n.Name))
		}
		seen[n.Name] = true
		if _, err := ipam.ParseNetworkType(n.Type); err != nil {
			errs = append(errs, fmt.Errorf("networks[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BuildNetworks turns the network section into allocator networks.
func (c *Config) BuildNetworks() ([]*ipam.Network, error) {
	out := make([]*ipam.Network, 0, len(c.Networks))
	for _, n := range c.Networks {
		typ, err := ipam.ParseNetworkType(n.Type)
		if err != nil {
			return nil, fmt.Errorf("network %q: %w", n.Name, err)
		}
		subnets := make([]ipam.SubnetConfig, 0, len(n.Subnets))
		for _, s := range n.Subnets {
			subnets = append(subnets, ipam.SubnetConfig{
				Range:           s.Range,
				Gateway:         s.Gateway,
				DNS:             s.DNS,
				Reserved:        s.Reserved,
				Static:          s.Static,
				AZs:             s.AZs,
				CloudProperties: s.CloudProperties,
			})
		}
		built, err := ipam.NewNetwork(n.Name, typ, subnets, n.VIPs)
		if err != nil {
			return nil, err
		}
		out = append(out, built)
	}
	return out, nil
}

// AgentTarget expands the agent endpoint for one agent.
func (c *Config) AgentTarget(agentID string) string {
	return strings.ReplaceAll(c.Agent.Endpoint, "{agent_id}", agentID)
}

// UpdateConfig is the fleet default used when a plan sets no watch times.
func (c *Config) UpdateConfig() *deploy.UpdateConfig {
	return &deploy.UpdateConfig{
		CanaryWatchTime: c.Update.CanaryWatchTime,
		UpdateWatchTime: c.Update.UpdateWatchTime,
		MaxInFlight:     c.Update.MaxInFlight,
	}
}

func (c *Config) DeployOptions() deploy.Options {
	return deploy.Options{
		SoftDeleteVMs:          c.Features.SoftDeleteVMs,
		NATSDeliveredTemplates: c.Features.NATSDeliveredTemplates,
	}
}
