package fake

import (
	"time"

	"drydock/internal/adapter/fake/fault"
	"drydock/internal/deploy"
)

// Harness wires one fake of every deploy collaborator around a shared fault
// injector and timeline.
type Harness struct {
	Faults        *fault.Injector
	Timeline      *Timeline
	Clock         *Clock
	Cloud         *Cloud
	Agents        *Agents
	Store         *InstanceStore
	Addresses     *AddressPool
	Collaborators *Collaborators
}

func NewHarness() *Harness {
	faults := fault.NewInjector()
	tl := &Timeline{}
	h := &Harness{
		Faults:        faults,
		Timeline:      tl,
		Clock:         NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Cloud:         NewCloud(faults),
		Agents:        NewAgents(faults),
		Store:         NewInstanceStore(faults),
		Addresses:     NewAddressPool(faults),
		Collaborators: NewCollaborators(faults),
	}
	h.Cloud.Timeline = tl
	h.Agents.Timeline = tl
	h.Store.Timeline = tl
	h.Addresses.Timeline = tl
	h.Collaborators.Timeline = tl
	return h
}

// Deps returns deploy dependencies backed by the harness fakes.
func (h *Harness) Deps() deploy.Deps {
	return deploy.Deps{
		Cloud:        h.Cloud,
		Agents:       h.Agents,
		Store:        h.Store,
		Addresses:    h.Addresses,
		DNS:          h.Collaborators,
		Links:        h.Collaborators,
		Templates:    h.Collaborators,
		Snapshots:    h.Collaborators,
		Interpolator: h.Collaborators,
		Clock:        h.Clock,
	}
}

// SeedVM registers vm with the cloud so teardown finds it, attaching the
// instance disk when vm is active.
func (h *Harness) SeedVM(inst *deploy.Instance, vm *deploy.VM) {
	var disks []string
	if vm.Active && inst.Disk != nil {
		disks = append(disks, inst.Disk.CID)
	}
	h.Cloud.AddVM(vm.CID, disks...)
	if len(disks) > 0 {
		agent := h.Agents.Agent(vm.AgentID)
		agent.mu.Lock()
		agent.mounted = append(agent.mounted, disks...)
		agent.mu.Unlock()
	}
}
