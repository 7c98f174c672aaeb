package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"drydock/internal/ipam"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Update.MaxInFlight != 1 || cfg.IPAM.AllocationRetries != ipam.DefaultAllocationRetries {
		t.Fatalf("Load() defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoadOverridesAndBuildsNetworks(t *testing.T) {
	path := writeConfig(t, `
database: /tmp/director.db
log:
  level: debug
  format: json
update:
  max_in_flight: 4
  canary_watch_time: 1000-60000
features:
  soft_delete_vms: true
agent:
  endpoint: "dns:///{agent_id}.agents:7070"
  dial_timeout: 3s
networks:
  - name: default
    subnets:
      - range: 10.0.0.0/24
        gateway: 10.0.0.1
        static: [10.0.0.5 - 10.0.0.9]
        azs: [z1]
  - name: public
    type: vip
    vips: [203.0.113.10]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database != "/tmp/director.db" || cfg.Log.Format != "json" || cfg.Update.MaxInFlight != 4 {
		t.Fatalf("Load() = %+v", cfg)
	}
	if cfg.Update.CanaryWatchTime.Max != time.Minute || cfg.Update.UpdateWatchTime.Max != 30*time.Second {
		t.Fatalf("watch times = %+v", cfg.Update)
	}
	if cfg.LockDir == "" {
		t.Fatal("LockDir lost its default")
	}
	if cfg.Agent.DialTimeout != 3*time.Second || cfg.AgentTarget("a-1") != "dns:///a-1.agents:7070" {
		t.Fatalf("agent = %+v target %q", cfg.Agent, cfg.AgentTarget("a-1"))
	}
	if opts := cfg.DeployOptions(); !opts.SoftDeleteVMs || opts.NATSDeliveredTemplates {
		t.Fatalf("DeployOptions() = %+v", opts)
	}

	networks, err := cfg.BuildNetworks()
	if err != nil {
		t.Fatalf("BuildNetworks() error = %v", err)
	}
	if len(networks) != 2 || networks[0].Type != ipam.TypeManual || networks[1].Type != ipam.TypeVIP {
		t.Fatalf("BuildNetworks() = %+v", networks)
	}
	if got := len(networks[0].Subnets[0].StaticAddrs()); got != 5 {
		t.Fatalf("static addresses = %d, want 5", got)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Database = ""
	cfg.Update.MaxInFlight = 0
	cfg.Log.Level = "loud"
	cfg.Agent.Endpoint = "unix:///run/agent.sock"
	cfg.Networks = []Network{{Name: "a"}, {Name: "a", Type: "overlay"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	for _, want := range []string{"database", "max_in_flight", "log level", "{agent_id}", "duplicate network", "overlay"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, missing %q", err, want)
		}
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "update: [")); err == nil {
		t.Fatal("Load() on malformed yaml: error = nil")
	}
	if _, err := Load(writeConfig(t, "update:\n  canary_watch_time: soon\n")); err == nil {
		t.Fatal("Load() with bad watch time: error = nil")
	}
}
