package deploy

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"drydock/internal/ipam"
)

const samplePlan = `
deployment: cf
update:
  canaries: 1
  canary_watch_time: 1000-30000
  update_watch_time: 1000-10000
  max_in_flight: 2
instances:
  - id: a1
    job: router
    index: 0
    az: z1
    state: started
    desired_state: started
    changes: [stemcell, dns]
    vms:
      - cid: vm-1
        agent_id: agent-1
        active: true
        addresses:
          - network: default
            address: 10.0.0.5
            kind: static
    disk:
      cid: disk-1
      name: data
      size_mb: 1024
    networks:
      - network: default
        address: 10.0.0.5
        kind: static
      - network: private
    vm:
      stemcell: ubuntu-jammy/1.2
      cloud_properties:
        type: small
    persistent_disk:
      name: data
      size_mb: 1024
    dns:
      - name: a1.router.default.cf.bosh
        address: 10.0.0.5
  - id: b2
    job: router
    index: 1
    desired_state: started
    vm:
      stemcell: ubuntu-jammy/1.2
`

func TestParsePlanFile(t *testing.T) {
	pf, err := ParsePlanFile([]byte(samplePlan))
	if err != nil {
		t.Fatalf("ParsePlanFile() error = %v", err)
	}
	plans := pf.Plans()
	if len(plans) != 2 {
		t.Fatalf("len(Plans()) = %d, want 2", len(plans))
	}

	first := plans[0]
	if !first.Canary || plans[1].Canary {
		t.Fatalf("canary flags = %v, %v; want true, false", first.Canary, plans[1].Canary)
	}
	if !first.Changes.Has(ChangeStemcell) || !first.DNSChanged {
		t.Fatalf("changes = %s dns=%v", first.Changes, first.DNSChanged)
	}
	if first.UpdateConfig == nil || first.UpdateConfig.CanaryWatchTime.Max != 30*time.Second || first.UpdateConfig.MaxInFlight != 2 {
		t.Fatalf("UpdateConfig = %+v", first.UpdateConfig)
	}
	inst := first.Instance
	if inst.Name() != "router/a1" || inst.Deployment != "cf" || inst.State != StateStarted {
		t.Fatalf("instance = %s in %s state %s", inst.Name(), inst.Deployment, inst.State)
	}
	if vm := inst.ActiveVM(); vm == nil || vm.CID != "vm-1" || len(vm.Addresses) != 1 {
		t.Fatalf("active vm = %+v", vm)
	}
	if inst.Disk == nil || inst.Disk.CID != "disk-1" || first.Disk == nil || first.Disk.SizeMB != 1024 {
		t.Fatalf("disk = %+v, spec = %+v", inst.Disk, first.Disk)
	}

	static, dynamic := first.Networks[0].Reservation, first.Networks[1].Reservation
	if static.Kind != ipam.KindStatic || static.Addr != netip.MustParseAddr("10.0.0.5") || !static.Static {
		t.Fatalf("static reservation = %s", static)
	}
	if dynamic.Kind != ipam.KindDynamic || dynamic.Resolved() {
		t.Fatalf("dynamic reservation = %s", dynamic)
	}
	if static.Owner != inst.Owner() || static.AZ != "z1" {
		t.Fatalf("reservation owner = %v az = %q", static.Owner, static.AZ)
	}

	second := plans[1]
	if !second.AlreadyDetached || !second.NeedsRecreate() {
		t.Fatalf("instance without state should be detached and need a VM: %+v", second)
	}
}

func TestParsePlanFileValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing deployment",
			yaml:    "instances: []",
			wantErr: "deployment is required",
		},
		{
			name:    "missing desired state",
			yaml:    "deployment: cf\ninstances:\n  - job: web\n",
			wantErr: "desired_state is required",
		},
		{
			name:    "duplicate instance",
			yaml:    "deployment: cf\ninstances:\n  - job: web\n    desired_state: started\n  - job: web\n    desired_state: stopped\n",
			wantErr: "duplicate instance web/0",
		},
		{
			name:    "two active vms",
			yaml:    "deployment: cf\ninstances:\n  - job: web\n    desired_state: started\n    vms:\n      - cid: a\n        active: true\n      - cid: b\n        active: true\n",
			wantErr: "2 active vms",
		},
		{
			name:    "unknown change",
			yaml:    "deployment: cf\ninstances:\n  - job: web\n    desired_state: started\n    changes: [bogus]\n",
			wantErr: "bogus",
		},
		{
			name:    "unknown state",
			yaml:    "deployment: cf\ninstances:\n  - job: web\n    desired_state: paused\n",
			wantErr: "paused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlanFile([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ParsePlanFile() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadPlanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0o600); err != nil {
		t.Fatal(err)
	}
	pf, err := LoadPlanFile(path)
	if err != nil {
		t.Fatalf("LoadPlanFile() error = %v", err)
	}
	if pf.Deployment != "cf" || len(pf.Instances) != 2 {
		t.Fatalf("LoadPlanFile() = %+v", pf)
	}
	if _, err := LoadPlanFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadPlanFile() on a missing file: error = nil")
	}
}
