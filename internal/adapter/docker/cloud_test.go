package docker

import (
	"net/netip"
	"slices"
	"testing"

	"github.com/docker/go-connections/nat"

	"drydock/internal/deploy"
	"drydock/internal/ipam"
)

func TestContainerConfig(t *testing.T) {
	c := NewCloud(nil, WithDefaultNetwork("drydock"))
	req := deploy.CreateVMRequest{
		AgentID:         "agent-1",
		Stemcell:        "ubuntu:24.04",
		CloudProperties: map[string]any{"ports": []any{"8080:80/tcp", 9090}},
		Networks: []*ipam.Reservation{
			{Network: "default", Addr: netip.MustParseAddr("10.0.0.5")},
			{Network: "cloud"},
		},
		Env:          map[string]any{"zone": "z1", "bosh": "yes"},
		Metadata:     map[string]string{"deployment": "cf"},
		DiskLocality: []string{"disk-1"},
	}

	cc, hc, nc, err := c.containerConfig(req)
	if err != nil {
		t.Fatalf("containerConfig() error = %v", err)
	}
	if cc.Image != "ubuntu:24.04" || cc.Labels[labelAgentID] != "agent-1" || cc.Labels[labelMetadata+"deployment"] != "cf" {
		t.Fatalf("container config = %+v", cc)
	}
	wantEnv := []string{"DRYDOCK_AGENT_ID=agent-1", "BOSH=yes", "ZONE=z1"}
	if !slices.Equal(cc.Env, wantEnv) {
		t.Fatalf("Env = %v, want %v", cc.Env, wantEnv)
	}
	if _, ok := cc.ExposedPorts[nat.Port("80/tcp")]; !ok {
		t.Fatalf("ExposedPorts = %v, want 80/tcp", cc.ExposedPorts)
	}
	if b := hc.PortBindings[nat.Port("80/tcp")]; len(b) != 1 || b[0].HostPort != "8080" {
		t.Fatalf("PortBindings = %v", hc.PortBindings)
	}
	if len(hc.Mounts) != 1 || hc.Mounts[0].Source != "disk-1" || hc.Mounts[0].Target != DiskMountPath {
		t.Fatalf("Mounts = %+v", hc.Mounts)
	}
	if ep := nc.EndpointsConfig["default"]; ep == nil || ep.IPAMConfig == nil || ep.IPAMConfig.IPv4Address != "10.0.0.5" {
		t.Fatalf("default endpoint = %+v", nc.EndpointsConfig["default"])
	}
	if ep := nc.EndpointsConfig["cloud"]; ep == nil || ep.IPAMConfig != nil {
		t.Fatalf("cloud endpoint = %+v, want no fixed address", nc.EndpointsConfig["cloud"])
	}
	if _, ok := nc.EndpointsConfig["drydock"]; ok {
		t.Fatal("default network joined although the request names networks")
	}
}

func TestContainerConfigDefaultNetwork(t *testing.T) {
	c := NewCloud(nil, WithDefaultNetwork("drydock"))
	_, _, nc, err := c.containerConfig(deploy.CreateVMRequest{AgentID: "a", Stemcell: "img"})
	if err != nil {
		t.Fatalf("containerConfig() error = %v", err)
	}
	if _, ok := nc.EndpointsConfig["drydock"]; !ok || len(nc.EndpointsConfig) != 1 {
		t.Fatalf("EndpointsConfig = %v, want only drydock", nc.EndpointsConfig)
	}
}

func TestPortSpecsRejectsBadValues(t *testing.T) {
	if _, err := portSpecs(map[string]any{"ports": "80"}); err == nil {
		t.Fatal("portSpecs() with a scalar: error = nil")
	}
	if _, err := portSpecs(map[string]any{"ports": []any{1.5}}); err == nil {
		t.Fatal("portSpecs() with a float: error = nil")
	}
	got, err := portSpecs(nil)
	if err != nil || got != nil {
		t.Fatalf("portSpecs(nil) = %v, %v", got, err)
	}
}

func TestIPAMConfig(t *testing.T) {
	s, err := ipam.NewSubnet("default", ipam.SubnetConfig{Range: "10.1.0.0/24", Gateway: "10.1.0.1"})
	if err != nil {
		t.Fatalf("NewSubnet() error = %v", err)
	}
	cfg := ipamConfig(s)
	if cfg.Subnet != "10.1.0.0/24" || cfg.Gateway != "10.1.0.1" {
		t.Fatalf("ipamConfig() = %+v", cfg)
	}
}

func TestIPv6Endpoint(t *testing.T) {
	s, err := ipam.NewSubnet("v6", ipam.SubnetConfig{Range: "fd00:10::/64", Gateway: "fd00:10::1"})
	if err != nil {
		t.Fatalf("NewSubnet() error = %v", err)
	}
	if cfg := ipamConfig(s); cfg.Subnet != "fd00:10::/64" || cfg.Gateway != "fd00:10::1" {
		t.Fatalf("ipamConfig() = %+v", cfg)
	}

	ep := endpointIPAM(netip.MustParseAddr("fd00:10::5"))
	if ep.IPv6Address != "fd00:10::5" || ep.IPv4Address != "" {
		t.Fatalf("endpointIPAM(ipv6) = %+v", ep)
	}
	ep = endpointIPAM(netip.MustParseAddr("10.0.0.5"))
	if ep.IPv4Address != "10.0.0.5" || ep.IPv6Address != "" {
		t.Fatalf("endpointIPAM(ipv4) = %+v", ep)
	}
}
