package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"drydock/internal/ipam"
)

// steps are the small idempotent actions an update is composed of. Each one
// skips itself when there is nothing to act on.
type steps struct {
	deps       Deps
	plan       *InstancePlan
	task       *Task
	log        *slog.Logger
	softDelete bool
}

func (s *steps) inst() *Instance { return s.plan.Instance }

func (s *steps) agentFor(vm *VM) Agent { return s.deps.Agents.ForAgent(vm.AgentID) }

// stop drains and stops the jobs on the active VM.
func (s *steps) stop(ctx context.Context, intent StopIntent) error {
	vm := s.inst().ActiveVM()
	if vm == nil {
		s.log.Debug("No active VM, skipping stop")
		return nil
	}
	agent := s.agentFor(vm)
	if !s.plan.SkipDrain {
		if err := s.drain(ctx, agent); err != nil {
			return err
		}
	}
	if err := agent.Stop(ctx, intent); err != nil {
		return fmt.Errorf("stop jobs on %s: %w", vm.CID, err)
	}
	return nil
}

func (s *steps) drain(ctx context.Context, agent Agent) error {
	kind := "update"
	if s.plan.ShuttingDown || s.plan.DesiredState == StateDetached {
		kind = "shutdown"
	}
	secs, err := agent.Drain(ctx, kind, s.plan.ApplySpec)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	for secs < 0 {
		if err := s.task.sleep(ctx, s.deps.Clock, time.Duration(-secs)*time.Second); err != nil {
			return err
		}
		if secs, err = agent.DrainStatus(ctx); err != nil {
			return fmt.Errorf("drain status: %w", err)
		}
	}
	return s.task.sleep(ctx, s.deps.Clock, time.Duration(secs)*time.Second)
}

func (s *steps) snapshot(ctx context.Context) error {
	if s.deps.Snapshots == nil || s.inst().Disk == nil {
		return nil
	}
	return s.deps.Snapshots.TakeSnapshot(ctx, s.inst(), true)
}

func (s *steps) prepare(ctx context.Context) error {
	vm := s.inst().ActiveVM()
	if vm == nil {
		return nil
	}
	if err := s.agentFor(vm).Prepare(ctx, s.plan.ApplySpec); err != nil {
		return fmt.Errorf("prepare %s: %w", vm.CID, err)
	}
	return nil
}

func (s *steps) unmountDisks(ctx context.Context) error {
	vm, disk := s.inst().ActiveVM(), s.inst().Disk
	if vm == nil || disk == nil {
		return nil
	}
	if err := s.agentFor(vm).UnmountDisk(ctx, disk.CID); err != nil {
		return fmt.Errorf("unmount disk %s: %w", disk.CID, err)
	}
	return nil
}

func (s *steps) detachDisks(ctx context.Context, vm *VM) error {
	disk := s.inst().Disk
	if vm == nil || disk == nil {
		return nil
	}
	err := s.deps.Cloud.DetachDisk(ctx, vm.CID, disk.CID)
	if teardownError(err) {
		s.log.Warn("Disk already detached", "vm", vm.CID, "disk", disk.CID, "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("detach disk %s from %s: %w", disk.CID, vm.CID, err)
	}
	return nil
}

// attachDisks attaches and mounts the instance disk on vm.
func (s *steps) attachDisks(ctx context.Context, vm *VM) error {
	disk := s.inst().Disk
	if vm == nil || disk == nil {
		return nil
	}
	if err := s.deps.Cloud.AttachDisk(ctx, vm.CID, disk.CID); err != nil {
		return fmt.Errorf("attach disk %s to %s: %w", disk.CID, vm.CID, err)
	}
	if err := s.agentFor(vm).MountDisk(ctx, disk.CID); err != nil {
		return fmt.Errorf("mount disk %s on %s: %w", disk.CID, vm.CID, err)
	}
	return nil
}

// deleteVM removes vm from the cloud, or hands it to orphan cleanup when
// soft deletion is configured.
func (s *steps) deleteVM(ctx context.Context, vm *VM) error {
	if vm == nil {
		return nil
	}
	if s.softDelete {
		if err := s.deps.Store.OrphanVM(ctx, s.inst(), vm); err != nil {
			return fmt.Errorf("orphan vm %s: %w", vm.CID, err)
		}
		s.log.Info("Orphaned VM", "vm", vm.CID)
		return nil
	}
	return s.hardDeleteVM(ctx, vm)
}

func (s *steps) hardDeleteVM(ctx context.Context, vm *VM) error {
	err := s.deps.Cloud.DeleteVM(ctx, vm.CID)
	if teardownError(err) {
		s.log.Warn("VM already gone", "vm", vm.CID)
	} else if err != nil {
		return fmt.Errorf("delete vm %s: %w", vm.CID, err)
	}
	if err := s.deps.Store.DeleteVM(ctx, s.inst(), vm); err != nil {
		return fmt.Errorf("delete vm record %s: %w", vm.CID, err)
	}
	s.log.Info("Deleted VM", "vm", vm.CID)
	return nil
}

// electActiveVM activates the newest inactive VM, or keeps the active one
// when there is no candidate.
func (s *steps) electActiveVM(ctx context.Context) (*VM, error) {
	var elected *VM
	for _, vm := range s.inst().VMs {
		if vm.Active {
			continue
		}
		if elected == nil || vm.CreatedAt.After(elected.CreatedAt) {
			elected = vm
		}
	}
	if elected == nil {
		elected = s.inst().ActiveVM()
	}
	if elected == nil {
		return nil, fmt.Errorf("instance %s has no vm to activate", s.inst().Name())
	}
	if err := s.deps.Store.ActivateVM(ctx, s.inst(), elected); err != nil {
		return nil, fmt.Errorf("activate vm %s: %w", elected.CID, err)
	}
	return elected, nil
}

// orphanVM moves vm to deferred cleanup and releases the addresses it holds
// that the active VM does not share.
func (s *steps) orphanVM(ctx context.Context, vm, active *VM) error {
	if err := s.detachDisks(ctx, vm); err != nil {
		return err
	}
	if err := s.deps.Store.OrphanVM(ctx, s.inst(), vm); err != nil {
		return fmt.Errorf("orphan vm %s: %w", vm.CID, err)
	}
	for _, r := range vm.Addresses {
		if !r.Resolved() || holds(active, r) {
			continue
		}
		if err := s.deps.Addresses.Release(ctx, r); err != nil {
			return fmt.Errorf("release %s of orphaned vm %s: %w", r, vm.CID, err)
		}
	}
	s.log.Info("Orphaned VM", "vm", vm.CID)
	return nil
}

func holds(vm *VM, r *ipam.Reservation) bool {
	if vm == nil {
		return false
	}
	return slices.ContainsFunc(vm.Addresses, func(other *ipam.Reservation) bool {
		return other.Network == r.Network && other.Addr == r.Addr
	})
}

func (s *steps) updateSettings(ctx context.Context) error {
	vm := s.inst().ActiveVM()
	if vm == nil {
		return nil
	}
	settings := map[string]any{"env": s.plan.VM.Env}
	if disk := s.inst().Disk; disk != nil {
		settings["disk_associations"] = []map[string]any{{"name": disk.Name, "cid": disk.CID}}
	}
	if err := s.agentFor(vm).UpdateSettings(ctx, settings); err != nil {
		return fmt.Errorf("update agent settings on %s: %w", vm.CID, err)
	}
	return nil
}

func (s *steps) updateMetadata(ctx context.Context) error {
	if vm := s.inst().ActiveVM(); vm != nil {
		if err := s.deps.Cloud.SetVMMetadata(ctx, vm.CID, s.vmMetadata()); err != nil {
			return fmt.Errorf("set vm metadata on %s: %w", vm.CID, err)
		}
	}
	if disk := s.inst().Disk; disk != nil {
		if err := s.deps.Cloud.SetDiskMetadata(ctx, disk.CID, s.plan.Tags); err != nil {
			return fmt.Errorf("set disk metadata on %s: %w", disk.CID, err)
		}
	}
	return nil
}

func (s *steps) vmMetadata() map[string]string {
	inst := s.inst()
	md := map[string]string{
		"deployment": inst.Deployment,
		"job":        inst.Job,
		"index":      fmt.Sprint(inst.Index),
		"id":         inst.ID,
	}
	for k, v := range s.plan.Tags {
		md[k] = v
	}
	return md
}

func (s *steps) releaseObsolete(ctx context.Context) error {
	for _, r := range s.plan.ObsoleteReservations() {
		if err := s.deps.Addresses.Release(ctx, r); err != nil {
			return fmt.Errorf("release obsolete %s: %w", r, err)
		}
		for _, vm := range s.inst().VMs {
			vm.Addresses = slices.DeleteFunc(vm.Addresses, func(held *ipam.Reservation) bool {
				return held.Network == r.Network && held.Addr == r.Addr
			})
		}
	}
	return nil
}

// bindInstance persists rendered templates, binds links and moves the
// instance to the plan's variable set.
func (s *steps) bindInstance(ctx context.Context) error {
	if s.deps.Templates != nil {
		if err := s.deps.Templates.PersistTemplates(ctx, s.plan); err != nil {
			return fmt.Errorf("persist templates: %w", err)
		}
	}
	if s.deps.Links != nil {
		if err := s.deps.Links.BindLinks(ctx, s.inst()); err != nil {
			return fmt.Errorf("bind links: %w", err)
		}
	}
	return s.updateVariableSet(ctx)
}

func (s *steps) updateVariableSet(ctx context.Context) error {
	if s.plan.VariableSetID == "" || s.plan.VariableSetID == s.inst().VariableSetID {
		return nil
	}
	s.inst().VariableSetID = s.plan.VariableSetID
	if err := s.deps.Store.SaveInstance(ctx, s.inst()); err != nil {
		return fmt.Errorf("update variable set: %w", err)
	}
	return nil
}

func (s *steps) updateDNS(ctx context.Context) error {
	if s.deps.DNS == nil {
		return nil
	}
	if err := s.deps.DNS.UpdateDNS(ctx, s.inst(), s.plan.DNSRecords); err != nil {
		return fmt.Errorf("update dns: %w", err)
	}
	return nil
}

func (s *steps) persistState(ctx context.Context, state InstanceState) error {
	inst := s.inst()
	inst.State = inst.State.Transition(state)
	if err := s.deps.Store.SaveInstance(ctx, inst); err != nil {
		return fmt.Errorf("persist instance %s: %w", inst.Name(), err)
	}
	return nil
}
