package deploy_test

import (
	"net/netip"
	"slices"
	"testing"
	"time"

	"drydock/internal/adapter/fake"
	"drydock/internal/deploy"
	"drydock/internal/ipam"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func canaryConfig() *deploy.UpdateConfig {
	return &deploy.UpdateConfig{
		CanaryWatchTime: deploy.WatchTime{Min: time.Second, Max: 30 * time.Second},
		UpdateWatchTime: deploy.WatchTime{Min: time.Second, Max: 10 * time.Second},
		MaxInFlight:     1,
	}
}

func reservation(addr string) *ipam.Reservation {
	return &ipam.Reservation{
		Addr:    netip.MustParseAddr(addr),
		Network: "default",
		Kind:    ipam.KindStatic,
		Static:  true,
	}
}

// runningInstance is web/0 with one active VM holding 10.0.0.5 and an
// attached disk.
func runningInstance(h *fake.Harness) *deploy.Instance {
	inst := &deploy.Instance{
		ID:         "i-1",
		Deployment: "dep",
		Job:        "web",
		Index:      0,
		AZ:         "z1",
		State:      deploy.StateStarted,
		Disk:       &deploy.PersistentDisk{CID: "disk-old", Name: "data", SizeMB: 1024, Active: true},
		ApplySpec:  map[string]any{"job": "web"},
	}
	vm := &deploy.VM{
		CID:       "vm-old",
		AgentID:   "agent-old",
		Active:    true,
		CreatedAt: t0,
		Addresses: []*ipam.Reservation{reservation("10.0.0.5")},
	}
	inst.VMs = []*deploy.VM{vm}
	h.SeedVM(inst, vm)
	return inst
}

func planFor(inst *deploy.Instance, desired deploy.InstanceState, changes ...deploy.Change) *deploy.InstancePlan {
	return &deploy.InstancePlan{
		Instance:     inst,
		DesiredState: desired,
		Changes:      deploy.NewChangeSet(changes...),
		NeedsDisk:    inst.Disk != nil,
		Networks:     []deploy.NetworkPlan{{Reservation: reservation("10.0.0.5")}},
		VM:           deploy.VMSpec{Stemcell: "ubuntu-1", CloudProperties: map[string]any{"type": "small"}},
		Disk:         &deploy.DiskSpec{Name: "data", SizeMB: 1024},
		Tags:         map[string]string{"team": "core"},
		ApplySpec:    map[string]any{"job": "web", "version": "2"},
	}
}

func count(methods []string, method string) int {
	n := 0
	for _, m := range methods {
		if m == method {
			n++
		}
	}
	return n
}

// assertOrder checks that want appears in methods as a subsequence.
func assertOrder(t *testing.T, methods, want []string) {
	t.Helper()
	i := 0
	for _, m := range methods {
		if i < len(want) && m == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("calls %v do not contain %v in order (matched %d)", methods, want, i)
	}
}

func assertNoCalls(t *testing.T, methods []string, forbidden ...string) {
	t.Helper()
	for _, f := range forbidden {
		if slices.Contains(methods, f) {
			t.Fatalf("unexpected %s in %v", f, methods)
		}
	}
}
