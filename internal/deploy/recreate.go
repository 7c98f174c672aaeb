package deploy

import (
	"context"
	"slices"

	"drydock/internal/check"
)

// RecreateHandler replaces an instance's VM, either by deleting and creating
// one (classic) or by promoting a pre-created VM (create-swap-delete).
type RecreateHandler struct {
	s         *steps
	vmDeleted bool
}

// vmDeleted is set when the caller already removed the active VM, e.g. for an
// unresponsive agent.
func newRecreateHandler(s *steps, vmDeleted bool) *RecreateHandler {
	return &RecreateHandler{s: s, vmDeleted: vmDeleted}
}

func (h *RecreateHandler) Perform(ctx context.Context) error {
	inst := h.s.inst()
	var err error
	if h.s.plan.CreateSwapDelete && len(inst.VMs) > 1 {
		err = h.swap(ctx)
	} else {
		err = h.classic(ctx)
	}
	if err != nil {
		return err
	}
	check.Assertf(inst.activeCount() == 1, "instance %s has %d active vms after recreate", inst.Name(), inst.activeCount())
	return nil
}

func (h *RecreateHandler) classic(ctx context.Context) error {
	if !h.vmDeleted {
		old := h.s.inst().ActiveVM()
		if err := h.s.detachDisks(ctx, old); err != nil {
			return err
		}
		if err := h.s.deleteVM(ctx, old); err != nil {
			return err
		}
	}
	_, err := h.s.createVM(ctx)
	return err
}

func (h *RecreateHandler) swap(ctx context.Context) error {
	active, err := h.s.electActiveVM(ctx)
	if err != nil {
		return err
	}
	for _, vm := range slices.Clone(h.s.inst().VMs) {
		if vm == active {
			continue
		}
		if err := h.s.orphanVM(ctx, vm, active); err != nil {
			return err
		}
	}
	if h.s.plan.NeedsDisk {
		return h.s.attachDisks(ctx, active)
	}
	return nil
}
