package deploy_test

import (
	"bytes"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"drydock/internal/adapter/fake"
	"drydock/internal/deploy"
	"drydock/internal/ipam"
)

func perform(t *testing.T, h *fake.Harness, plan *deploy.InstancePlan, opts deploy.Options) (*deploy.UpdateProcedure, error) {
	t.Helper()
	u := deploy.NewUpdateProcedure(plan, h.Deps(), deploy.NewTask("t-1"), opts)
	return u, u.Perform(t.Context())
}

func TestUpdateStopsWithoutTouchingVMs(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStopped, deploy.ChangeState)

	if _, err := perform(t, h, plan, deploy.Options{}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}

	methods := h.Timeline.Methods()
	assertOrder(t, methods, []string{"agent.Drain", "agent.Stop", "snapshots.TakeSnapshot", "store.SaveInstance"})
	assertNoCalls(t, methods, "cloud.CreateVM", "cloud.DeleteVM", "agent.Start")
	stops := h.Agents.Calls("Stop")
	if len(stops) != 1 || stops[0].Args[1] != deploy.StopKeepVM {
		t.Fatalf("Stop calls = %v, want one keep_vm stop", stops)
	}
	if st, _ := h.Store.State(inst.Name()); st != deploy.StateStopped {
		t.Fatalf("stored state = %s, want stopped", st)
	}
	if len(inst.VMs) != 1 || !inst.VMs[0].Active {
		t.Fatalf("instance VMs changed: %+v", inst.VMs)
	}
}

func TestUpdateWithoutChangesIsNoop(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted)

	u, err := perform(t, h, plan, deploy.Options{})
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if methods := h.Timeline.Methods(); len(methods) != 0 {
		t.Fatalf("no-op update made calls: %v", methods)
	}
	if u.Report.VM == nil || u.Report.VM.CID != "vm-old" {
		t.Fatalf("Report.VM = %+v, want vm-old", u.Report.VM)
	}
}

func TestUpdateMetadataOnly(t *testing.T) {
	tests := []struct {
		name      string
		changes   []deploy.Change
		dns       bool
		wantCalls []string
		forbidden []string
	}{
		{
			name:      "dns",
			changes:   []deploy.Change{deploy.ChangeDNS},
			dns:       true,
			wantCalls: []string{"links.BindLinks", "dns.UpdateDNS"},
			forbidden: []string{"cloud.SetVMMetadata"},
		},
		{
			name:      "tags",
			changes:   []deploy.Change{deploy.ChangeTags},
			wantCalls: []string{"links.BindLinks", "cloud.SetVMMetadata", "cloud.SetDiskMetadata"},
			forbidden: []string{"dns.UpdateDNS"},
		},
		{
			name:      "dns and tags",
			changes:   []deploy.Change{deploy.ChangeTags, deploy.ChangeDNS},
			dns:       true,
			wantCalls: []string{"links.BindLinks", "cloud.SetVMMetadata", "dns.UpdateDNS"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := fake.NewHarness()
			inst := runningInstance(h)
			plan := planFor(inst, deploy.StateStarted, tt.changes...)
			plan.DNSChanged = tt.dns

			if _, err := perform(t, h, plan, deploy.Options{}); err != nil {
				t.Fatalf("Perform() error = %v", err)
			}
			methods := h.Timeline.Methods()
			assertOrder(t, methods, tt.wantCalls)
			assertNoCalls(t, methods, tt.forbidden...)
			assertNoCalls(t, methods, "agent.Stop", "agent.Apply", "cloud.CreateVM", "cloud.DeleteVM", "templates.PersistTemplates")
		})
	}
}

func TestUpdateMetadataOnlyMovesVariableSet(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	inst.VariableSetID = "vars-1"
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeDNS)
	plan.VariableSetID = "vars-2"

	if _, err := perform(t, h, plan, deploy.Options{}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if inst.VariableSetID != "vars-2" {
		t.Fatalf("VariableSetID = %q, want vars-2", inst.VariableSetID)
	}
	if h.Store.Saves(inst.Name()) != 1 {
		t.Fatalf("instance saved %d times, want 1", h.Store.Saves(inst.Name()))
	}
}

func TestUpdateDetaches(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateDetached, deploy.ChangeState)

	if _, err := perform(t, h, plan, deploy.Options{}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}

	methods := h.Timeline.Methods()
	assertOrder(t, methods, []string{"agent.Drain", "agent.Stop", "agent.UnmountDisk", "cloud.DetachDisk", "cloud.DeleteVM", "store.DeleteVM", "store.SaveInstance"})
	assertNoCalls(t, methods, "agent.Prepare", "cloud.CreateVM", "addresses.Release")
	if drains := h.Agents.Calls("Drain"); drains[0].Args[1] != "shutdown" {
		t.Fatalf("drain kind = %v, want shutdown", drains[0].Args[1])
	}
	if stops := h.Agents.Calls("Stop"); stops[0].Args[1] != deploy.StopDeleteVM {
		t.Fatalf("stop intent = %v, want delete_vm", stops[0].Args[1])
	}
	if inst.State != deploy.StateDetached || len(inst.VMs) != 0 {
		t.Fatalf("instance = %s with %d vms, want detached with none", inst.State, len(inst.VMs))
	}
	if inst.Disk == nil {
		t.Fatal("detaching dropped the persistent disk")
	}
	if _, ok := h.Cloud.VM("vm-old"); ok {
		t.Fatal("vm-old still exists in the cloud")
	}
}

func TestUpdateSoftDeleteOrphansOnDetach(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateDetached, deploy.ChangeState)

	if _, err := perform(t, h, plan, deploy.Options{SoftDeleteVMs: true}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	assertNoCalls(t, h.Timeline.Methods(), "cloud.DeleteVM")
	if orphaned := h.Store.Orphaned(); len(orphaned) != 1 || orphaned[0].CID != "vm-old" {
		t.Fatalf("Orphaned() = %v, want vm-old", orphaned)
	}
}

func TestUpdateAlreadyDetachedStaysDetached(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	inst.VMs = nil
	inst.State = deploy.StateDetached
	plan := planFor(inst, deploy.StateDetached, deploy.ChangeJobs)
	plan.AlreadyDetached = true

	if _, err := perform(t, h, plan, deploy.Options{}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	methods := h.Timeline.Methods()
	assertNoCalls(t, methods, "cloud.CreateVM", "agent.Stop", "links.BindLinks")
	if st, _ := h.Store.State(inst.Name()); st != deploy.StateDetached {
		t.Fatalf("stored state = %s, want detached", st)
	}
}

func TestUpdateRecreatesVM(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)

	u, err := perform(t, h, plan, deploy.Options{})
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}

	methods := h.Timeline.Methods()
	assertOrder(t, methods, []string{
		"templates.PersistTemplates",
		"links.BindLinks",
		"agent.Prepare",
		"agent.Drain",
		"agent.Stop",
		"snapshots.TakeSnapshot",
		"cloud.DetachDisk",
		"cloud.DeleteVM",
		"addresses.Reserve",
		"cloud.CreateVM",
		"store.AddVM",
		"store.ActivateVM",
		"agent.WaitUntilReady",
		"cloud.AttachDisk",
		"agent.MountDisk",
		"store.SaveInstance",
		"agent.Apply",
		"agent.Start",
		"agent.GetState",
	})
	if stops := h.Agents.Calls("Stop"); stops[0].Args[1] != deploy.StopDeleteVM {
		t.Fatalf("stop intent = %v, want delete_vm", stops[0].Args[1])
	}
	if len(inst.VMs) != 1 || inst.VMs[0].CID == "vm-old" || !inst.VMs[0].Active {
		t.Fatalf("instance VMs = %+v, want one new active vm", inst.VMs)
	}
	vm := inst.VMs[0]
	if u.Report.VM != vm {
		t.Fatalf("Report.VM = %+v, want %+v", u.Report.VM, vm)
	}
	if attached, _ := h.Cloud.DiskAttachment("disk-old"); attached != vm.CID {
		t.Fatalf("disk attached to %q, want %q", attached, vm.CID)
	}
	created, _ := h.Cloud.VM(vm.CID)
	if len(created.Request.DiskLocality) != 1 || created.Request.DiskLocality[0] != "disk-old" {
		t.Fatalf("disk locality = %v, want [disk-old]", created.Request.DiskLocality)
	}
	if created.Request.Networks[0].Owner != inst.Owner() {
		t.Fatalf("reservation owner = %v, want %v", created.Request.Networks[0].Owner, inst.Owner())
	}
	if inst.State != deploy.StateStarted {
		t.Fatalf("instance state = %s, want started", inst.State)
	}
}

func TestUpdateUnresponsiveAgentSkipsStop(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeRecreate)
	plan.UnresponsiveAgent = true

	if _, err := perform(t, h, plan, deploy.Options{}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	methods := h.Timeline.Methods()
	if got := count(methods, "cloud.DeleteVM"); got != 1 {
		t.Fatalf("DeleteVM calls = %d, want 1", got)
	}
	for _, c := range h.Agents.Calls("") {
		if c.Args[0] == "agent-old" {
			t.Fatalf("unresponsive agent was called: %s", c.Method)
		}
	}
	assertOrder(t, methods, []string{"cloud.DeleteVM", "cloud.CreateVM", "agent.Apply"})
}

func TestUpdateNATSDeliveredTemplatesSkipsBinding(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)

	if _, err := perform(t, h, plan, deploy.Options{NATSDeliveredTemplates: true}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	methods := h.Timeline.Methods()
	assertNoCalls(t, methods, "links.BindLinks")
	if got := count(methods, "templates.PersistTemplates"); got != 1 {
		t.Fatalf("PersistTemplates calls = %d, want 1 after the VM is created", got)
	}
}

func TestUpdateCreateSwapDelete(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	old := inst.VMs[0]
	old.Addresses = append(old.Addresses, reservation("10.0.0.9"))
	replacement := &deploy.VM{
		CID:       "vm-new",
		AgentID:   "agent-new",
		CreatedAt: t0.Add(time.Hour),
		Addresses: []*ipam.Reservation{reservation("10.0.0.5")},
	}
	inst.VMs = append(inst.VMs, replacement)
	h.SeedVM(inst, replacement)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)
	plan.CreateSwapDelete = true

	u, err := perform(t, h, plan, deploy.Options{})
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}

	methods := h.Timeline.Methods()
	assertNoCalls(t, methods, "cloud.CreateVM", "cloud.DeleteVM")
	assertOrder(t, methods, []string{"agent.Stop", "store.ActivateVM", "cloud.DetachDisk", "store.OrphanVM", "addresses.Release", "cloud.AttachDisk", "agent.Apply"})
	if len(inst.VMs) != 1 || inst.VMs[0] != replacement || !replacement.Active {
		t.Fatalf("instance VMs = %+v, want only active vm-new", inst.VMs)
	}
	if u.Report.VM != replacement {
		t.Fatalf("Report.VM = %+v, want vm-new", u.Report.VM)
	}
	if orphaned := h.Store.Orphaned(); len(orphaned) != 1 || orphaned[0] != old {
		t.Fatalf("Orphaned() = %v, want vm-old", orphaned)
	}
	released := h.Addresses.Released()
	if len(released) != 1 || released[0] != netip.MustParseAddr("10.0.0.9") {
		t.Fatalf("Released() = %v, want only 10.0.0.9", released)
	}
	if attached, _ := h.Cloud.DiskAttachment("disk-old"); attached != "vm-new" {
		t.Fatalf("disk attached to %q, want vm-new", attached)
	}
	if applied := h.Agents.Agent("agent-new").Applied(); applied == nil {
		t.Fatal("spec was not applied to the new agent")
	}
}

func TestUpdateMigratesPersistentDisk(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangePersistentDisk)
	plan.Disk = &deploy.DiskSpec{Name: "data", SizeMB: 2048}

	if _, err := perform(t, h, plan, deploy.Options{}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}

	methods := h.Timeline.Methods()
	assertOrder(t, methods, []string{"agent.UpdateSettings", "cloud.CreateDisk", "store.SaveDisk", "cloud.AttachDisk", "agent.MountDisk", "agent.MigrateDisk", "store.SaveDisk", "cloud.DetachDisk", "cloud.DeleteDisk", "store.DeleteDisk"})
	assertNoCalls(t, methods, "cloud.CreateVM")
	if inst.Disk == nil || inst.Disk.CID == "disk-old" || inst.Disk.SizeMB != 2048 || !inst.Disk.Active {
		t.Fatalf("instance disk = %+v, want new active 2048 MB disk", inst.Disk)
	}
	if _, ok := h.Cloud.DiskAttachment("disk-old"); ok {
		t.Fatal("old disk still exists")
	}
	if attached, _ := h.Cloud.DiskAttachment(inst.Disk.CID); attached != "vm-old" {
		t.Fatalf("new disk attached to %q, want vm-old", attached)
	}
}

func TestUpdateKeepsDiskWhenInterpolatedPropertiesMatch(t *testing.T) {
	h := fake.NewHarness()
	h.Collaborators.Variables = map[string]any{"disk_type": "ssd"}
	inst := runningInstance(h)
	inst.Disk.CloudProperties = map[string]any{"type": "ssd"}
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeJobs)
	plan.Disk = &deploy.DiskSpec{Name: "data", SizeMB: 1024, CloudProperties: map[string]any{"type": "((disk_type))"}}

	if _, err := perform(t, h, plan, deploy.Options{}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	assertNoCalls(t, h.Timeline.Methods(), "cloud.CreateDisk", "cloud.DeleteDisk")
	if inst.Disk.CID != "disk-old" {
		t.Fatalf("disk = %s, want disk-old", inst.Disk.CID)
	}
}

func TestUpdateCancelledTaskMakesNoCalls(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)
	task := deploy.NewTask("t-1")
	task.Cancel()

	err := deploy.NewUpdateProcedure(plan, h.Deps(), task, deploy.Options{}).Perform(t.Context())
	if !errors.Is(err, deploy.ErrTaskCancelled) {
		t.Fatalf("Perform() error = %v, want ErrTaskCancelled", err)
	}
	if methods := h.Timeline.Methods(); len(methods) != 0 {
		t.Fatalf("cancelled update made calls: %v", methods)
	}
}

func TestUpdateWrapsFailuresWithPhase(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)
	boom := errors.New("quota exceeded")
	h.Faults.FailAlways(fake.FaultCloudCreateVM, boom)

	_, err := perform(t, h, plan, deploy.Options{})
	var updateErr *deploy.UpdateError
	if !errors.As(err, &updateErr) {
		t.Fatalf("Perform() error = %v, want UpdateError", err)
	}
	if updateErr.Phase != deploy.PhaseRecreate || updateErr.Instance != inst.Name() {
		t.Fatalf("UpdateError = %+v, want recreate phase for %s", updateErr, inst.Name())
	}
	if !errors.Is(err, boom) {
		t.Fatalf("Perform() error = %v, want wrapped %v", err, boom)
	}
	if got := count(h.Timeline.Methods(), "addresses.Release"); got != 0 {
		t.Fatalf("static reservation released %d times on failure", got)
	}
}

func TestUpdateDeletesVMWhenRecordingFails(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)
	plan.Networks = []deploy.NetworkPlan{{Reservation: &ipam.Reservation{Network: "default", Kind: ipam.KindDynamic}}}
	boom := errors.New("db down")
	h.Faults.FailAlways(fake.FaultStoreAddVM, boom)

	_, err := perform(t, h, plan, deploy.Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("Perform() error = %v, want wrapped %v", err, boom)
	}
	if cids := h.Cloud.VMCIDs(); len(cids) != 0 {
		t.Fatalf("cloud VMs = %v, want none left behind", cids)
	}
	if !slices.Contains(h.Addresses.Released(), netip.MustParseAddr("10.0.0.100")) {
		t.Fatalf("Released() = %v, want dynamic 10.0.0.100 returned", h.Addresses.Released())
	}
}

func TestUpdateDeletesVMWhenActivationFails(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)
	h.Faults.FailAlways(fake.FaultStoreActivateVM, errors.New("db down"))

	if _, err := perform(t, h, plan, deploy.Options{}); err == nil {
		t.Fatal("Perform() error = nil, want activation failure")
	}
	if cids := h.Cloud.VMCIDs(); len(cids) != 0 {
		t.Fatalf("cloud VMs = %v, want none left behind", cids)
	}
	if len(inst.VMs) != 0 {
		t.Fatalf("instance VMs = %+v, want none", inst.VMs)
	}
}

func TestUpdateDeletesVMWhenAgentNeverComesUp(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)
	h.Faults.FailAlways(fake.FaultAgentWaitUntilReady, errors.New("timeout"))

	if _, err := perform(t, h, plan, deploy.Options{}); err == nil {
		t.Fatal("Perform() error = nil, want agent timeout")
	}
	if cids := h.Cloud.VMCIDs(); len(cids) != 0 {
		t.Fatalf("cloud VMs = %v, want none left behind", cids)
	}
	if len(inst.VMs) != 0 {
		t.Fatalf("instance VMs = %+v, want none", inst.VMs)
	}
}

func TestUpdateKeepsOldDiskRecordWhenCloudDeleteFails(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangePersistentDisk)
	plan.Disk = &deploy.DiskSpec{Name: "data", SizeMB: 2048}
	boom := errors.New("quota api down")
	h.Faults.FailAlways(fake.FaultCloudDeleteDisk, boom)

	_, err := perform(t, h, plan, deploy.Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("Perform() error = %v, want wrapped %v", err, boom)
	}
	assertNoCalls(t, h.Timeline.Methods(), "store.DeleteDisk")
	deactivated := false
	for _, c := range h.Store.Calls("SaveDisk") {
		if c.Args[1] == "disk-old" && c.Args[2] == false {
			deactivated = true
		}
	}
	if !deactivated {
		t.Fatalf("SaveDisk calls = %v, want disk-old saved inactive", h.Store.Calls("SaveDisk"))
	}
	if inst.Disk == nil || inst.Disk.CID == "disk-old" || !inst.Disk.Active {
		t.Fatalf("instance disk = %+v, want the new active disk", inst.Disk)
	}
}

func TestUpdateLogsInstanceOncePerLine(t *testing.T) {
	h := fake.NewHarness()
	inst := runningInstance(h)
	plan := planFor(inst, deploy.StateStarted, deploy.ChangeStemcell)
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if _, err := perform(t, h, plan, deploy.Options{Log: log}); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if !strings.Contains(buf.String(), " instance=web/i-1") {
		t.Fatalf("log output lacks the instance attribute:\n%s", buf.String())
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if n := strings.Count(line, " instance="); n > 1 {
			t.Errorf("line carries instance %d times: %s", n, line)
		}
	}
}
