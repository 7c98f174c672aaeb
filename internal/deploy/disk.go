package deploy

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// updatePersistentDisk converges the instance disk to the plan: a new disk
// is created, attached, mounted and migrated to before the old one goes.
func (s *steps) updatePersistentDisk(ctx context.Context) error {
	inst := s.inst()
	desired, current := s.plan.Disk, inst.Disk

	if desired == nil {
		if current == nil {
			return nil
		}
		if err := s.deleteDisk(ctx, current); err != nil {
			return err
		}
		inst.Disk = nil
		return nil
	}

	if current != nil {
		same, err := s.diskMatches(ctx, current, desired)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
	}

	vm := inst.ActiveVM()
	if vm == nil {
		return fmt.Errorf("instance %s has no active vm to attach a disk to", inst.Name())
	}

	cid, err := s.deps.Cloud.CreateDisk(ctx, desired.SizeMB, desired.CloudProperties, vm.CID)
	if err != nil {
		return fmt.Errorf("create disk for %s: %w", inst.Name(), err)
	}
	disk := &PersistentDisk{CID: cid, Name: desired.Name, SizeMB: desired.SizeMB, CloudProperties: desired.CloudProperties}
	if err := s.deps.Store.SaveDisk(ctx, inst, disk); err != nil {
		return fmt.Errorf("record disk %s: %w", cid, err)
	}

	agent := s.agentFor(vm)
	if err := s.deps.Cloud.AttachDisk(ctx, vm.CID, cid); err != nil {
		return fmt.Errorf("attach disk %s to %s: %w", cid, vm.CID, err)
	}
	if err := agent.MountDisk(ctx, cid); err != nil {
		return fmt.Errorf("mount disk %s: %w", cid, err)
	}
	if current != nil {
		if err := agent.MigrateDisk(ctx, current.CID, cid); err != nil {
			return fmt.Errorf("migrate disk %s to %s: %w", current.CID, cid, err)
		}
	}

	disk.Active = true
	if err := s.deps.Store.SaveDisk(ctx, inst, disk); err != nil {
		return fmt.Errorf("activate disk %s: %w", cid, err)
	}
	inst.Disk = disk
	s.log.Info("Attached persistent disk", "disk", cid, "size_mb", desired.SizeMB)

	if current != nil {
		return s.deleteOldDisk(ctx, vm, current)
	}
	return nil
}

func (s *steps) deleteDisk(ctx context.Context, disk *PersistentDisk) error {
	vm := s.inst().ActiveVM()
	if vm != nil {
		if err := s.agentFor(vm).UnmountDisk(ctx, disk.CID); err != nil {
			return fmt.Errorf("unmount disk %s: %w", disk.CID, err)
		}
	}
	return s.deleteOldDisk(ctx, vm, disk)
}

// deleteOldDisk tears a replaced disk down. The record is deactivated first
// and only removed once the cloud disk is gone, so a failed delete leaves an
// inactive record behind for cleanup. A failed detach is logged; the delete
// that follows reports whether it mattered.
func (s *steps) deleteOldDisk(ctx context.Context, vm *VM, disk *PersistentDisk) error {
	if disk.Active {
		disk.Active = false
		if err := s.deps.Store.SaveDisk(ctx, s.inst(), disk); err != nil {
			return fmt.Errorf("deactivate disk %s: %w", disk.CID, err)
		}
	}
	if vm != nil {
		if err := s.deps.Cloud.DetachDisk(ctx, vm.CID, disk.CID); err != nil {
			s.log.Warn("Failed to detach old disk", "disk", disk.CID, "err", err)
		}
	}
	if err := s.deps.Cloud.DeleteDisk(ctx, disk.CID); err != nil {
		if !teardownError(err) {
			return fmt.Errorf("delete disk %s: %w", disk.CID, err)
		}
		s.log.Warn("Old disk already gone", "disk", disk.CID, "err", err)
	}
	if err := s.deps.Store.DeleteDisk(ctx, s.inst(), disk); err != nil {
		return fmt.Errorf("delete disk record %s: %w", disk.CID, err)
	}
	return nil
}

// diskMatches compares name, size and cloud properties after placeholder
// interpolation.
func (s *steps) diskMatches(ctx context.Context, current *PersistentDisk, desired *DiskSpec) (bool, error) {
	if current.Name != desired.Name || current.SizeMB != desired.SizeMB {
		return false, nil
	}
	have, want := current.CloudProperties, desired.CloudProperties
	if s.deps.Interpolator != nil {
		var err error
		if have, err = s.deps.Interpolator.Interpolate(ctx, have); err != nil {
			return false, fmt.Errorf("interpolate current disk properties: %w", err)
		}
		if want, err = s.deps.Interpolator.Interpolate(ctx, want); err != nil {
			return false, fmt.Errorf("interpolate desired disk properties: %w", err)
		}
	}
	return cmp.Equal(have, want, cmpopts.EquateEmpty()), nil
}
