package deploy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"drydock/internal/ipam"
)

// createVM reserves the instance's networks, boots a VM, waits for its agent
// and attaches the persistent disk. A VM that cannot be recorded or whose
// agent never comes up is deleted again before the error is returned.
func (s *steps) createVM(ctx context.Context) (*VM, error) {
	inst := s.inst()

	reservations := s.plan.DesiredReservations()
	var allocated []*ipam.Reservation
	rollback := func() {
		for _, r := range allocated {
			if err := s.deps.Addresses.Release(context.WithoutCancel(ctx), r); err != nil {
				s.log.Warn("Failed to release address after aborted VM create", "reservation", r.String(), "err", err)
			}
		}
	}
	discard := func(vm *VM, recorded bool) {
		cleanup := context.WithoutCancel(ctx)
		var err error
		if recorded {
			err = s.hardDeleteVM(cleanup, vm)
		} else if derr := s.deps.Cloud.DeleteVM(cleanup, vm.CID); derr != nil && !teardownError(derr) {
			err = fmt.Errorf("delete vm %s: %w", vm.CID, derr)
		}
		if err != nil {
			s.log.Error("Failed to clean up VM after aborted create", "vm", vm.CID, "err", err)
		}
		rollback()
	}

	for _, r := range reservations {
		if r.Owner.IsZero() {
			r.Owner = inst.Owner()
		}
		if r.AZ == "" {
			r.AZ = inst.AZ
		}
		if s.task != nil {
			r.TaskID = s.task.ID
		}
		if r.Resolved() {
			if err := s.deps.Addresses.Reserve(ctx, r); err != nil {
				rollback()
				return nil, fmt.Errorf("reserve %s: %w", r, err)
			}
			continue
		}
		if err := s.deps.Addresses.AllocateDynamic(ctx, r); err != nil {
			rollback()
			return nil, fmt.Errorf("allocate address on %s: %w", r.Network, err)
		}
		allocated = append(allocated, r)
	}

	agentID := uuid.NewString()
	var locality []string
	if inst.Disk != nil {
		locality = append(locality, inst.Disk.CID)
	}
	cid, err := s.deps.Cloud.CreateVM(ctx, CreateVMRequest{
		AgentID:         agentID,
		Stemcell:        s.plan.VM.Stemcell,
		CloudProperties: s.plan.VM.CloudProperties,
		Networks:        reservations,
		DiskLocality:    locality,
		Env:             s.plan.VM.Env,
		Metadata:        s.vmMetadata(),
	})
	if err != nil {
		rollback()
		return nil, fmt.Errorf("create vm for %s: %w", inst.Name(), err)
	}

	vm := &VM{
		CID:       cid,
		AgentID:   agentID,
		CreatedAt: s.deps.Clock.Now(),
		Stemcell:  s.plan.VM.Stemcell,
		Addresses: reservations,
	}
	if err := s.deps.Store.AddVM(ctx, inst, vm); err != nil {
		discard(vm, false)
		return nil, fmt.Errorf("record vm %s: %w", cid, err)
	}
	if inst.ActiveVM() == nil {
		if err := s.deps.Store.ActivateVM(ctx, inst, vm); err != nil {
			discard(vm, true)
			return nil, fmt.Errorf("activate vm %s: %w", cid, err)
		}
	}
	s.log.Info("Created VM", "vm", cid, "agent", agentID)

	if err := s.agentFor(vm).WaitUntilReady(ctx); err != nil {
		discard(vm, true)
		return nil, fmt.Errorf("wait for agent on vm %s: %w", cid, err)
	}

	if err := s.attachDisks(ctx, vm); err != nil {
		return nil, err
	}
	return vm, nil
}
