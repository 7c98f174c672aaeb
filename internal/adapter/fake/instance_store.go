package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"drydock/internal/adapter/fake/fault"
	"drydock/internal/deploy"
)

const (
	FaultStoreSaveInstance = "store.SaveInstance"
	FaultStoreAddVM        = "store.AddVM"
	FaultStoreActivateVM   = "store.ActivateVM"
	FaultStoreDeleteVM     = "store.DeleteVM"
	FaultStoreOrphanVM     = "store.OrphanVM"
	FaultStoreSaveDisk     = "store.SaveDisk"
	FaultStoreDeleteDisk   = "store.DeleteDisk"
)

var _ deploy.InstanceStore = (*InstanceStore)(nil)

// InstanceStore is an in-memory deploy.InstanceStore. It mutates the passed
// records and remembers the last saved state of every instance.
type InstanceStore struct {
	CallRecorder
	Timeline *Timeline
	faults   *fault.Injector

	mu       sync.Mutex
	states   map[string]deploy.InstanceState
	saves    map[string]int
	orphaned []*deploy.VM
}

func NewInstanceStore(faults *fault.Injector) *InstanceStore {
	if faults == nil {
		faults = fault.NewInjector()
	}
	return &InstanceStore{
		faults: faults,
		states: make(map[string]deploy.InstanceState),
		saves:  make(map[string]int),
	}
}

func (s *InstanceStore) call(method string, args ...any) error {
	s.record(method, args...)
	s.Timeline.note("store", method, args...)
	return s.faults.Eval("store."+method, args...)
}

func (s *InstanceStore) SaveInstance(_ context.Context, inst *deploy.Instance) error {
	if err := s.call("SaveInstance", inst.Name(), inst.State); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[inst.Name()] = inst.State
	s.saves[inst.Name()]++
	return nil
}

func (s *InstanceStore) AddVM(_ context.Context, inst *deploy.Instance, vm *deploy.VM) error {
	if err := s.call("AddVM", inst.Name(), vm.CID); err != nil {
		return err
	}
	if slices.Contains(inst.VMs, vm) {
		return fmt.Errorf("vm %s already belongs to %s", vm.CID, inst.Name())
	}
	inst.VMs = append(inst.VMs, vm)
	return nil
}

func (s *InstanceStore) ActivateVM(_ context.Context, inst *deploy.Instance, vm *deploy.VM) error {
	if err := s.call("ActivateVM", inst.Name(), vm.CID); err != nil {
		return err
	}
	if !slices.Contains(inst.VMs, vm) {
		return fmt.Errorf("vm %s does not belong to %s", vm.CID, inst.Name())
	}
	for _, other := range inst.VMs {
		other.Active = other == vm
	}
	return nil
}

func (s *InstanceStore) DeleteVM(_ context.Context, inst *deploy.Instance, vm *deploy.VM) error {
	if err := s.call("DeleteVM", inst.Name(), vm.CID); err != nil {
		return err
	}
	inst.VMs = slices.DeleteFunc(inst.VMs, func(other *deploy.VM) bool { return other == vm })
	return nil
}

func (s *InstanceStore) OrphanVM(_ context.Context, inst *deploy.Instance, vm *deploy.VM) error {
	if err := s.call("OrphanVM", inst.Name(), vm.CID); err != nil {
		return err
	}
	inst.VMs = slices.DeleteFunc(inst.VMs, func(other *deploy.VM) bool { return other == vm })
	vm.Active = false
	s.mu.Lock()
	s.orphaned = append(s.orphaned, vm)
	s.mu.Unlock()
	return nil
}

func (s *InstanceStore) SaveDisk(_ context.Context, inst *deploy.Instance, disk *deploy.PersistentDisk) error {
	return s.call("SaveDisk", inst.Name(), disk.CID, disk.Active)
}

func (s *InstanceStore) DeleteDisk(_ context.Context, inst *deploy.Instance, disk *deploy.PersistentDisk) error {
	if err := s.call("DeleteDisk", inst.Name(), disk.CID); err != nil {
		return err
	}
	if inst.Disk == disk {
		inst.Disk = nil
	}
	return nil
}

// State returns the last saved state of the named instance.
func (s *InstanceStore) State(name string) (deploy.InstanceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	return st, ok
}

func (s *InstanceStore) Saves(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[name]
}

func (s *InstanceStore) Orphaned() []*deploy.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.orphaned)
}
