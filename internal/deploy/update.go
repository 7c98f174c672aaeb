package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"drydock/internal/check"
	"drydock/internal/telemetry"
)

type Options struct {
	// SoftDeleteVMs orphans VMs instead of deleting them from the cloud.
	SoftDeleteVMs bool
	// NATSDeliveredTemplates means templates and links were already bound
	// when the VM was created, so a recreate does not bind them again.
	NATSDeliveredTemplates bool
	Tracer                 trace.Tracer
	Log                    *slog.Logger
}

// Report is what an update leaves behind for the caller.
type Report struct {
	VM *VM
}

// UpdateProcedure converges one instance to its plan. It performs no error
// recovery: the first failing step aborts the update.
type UpdateProcedure struct {
	plan   *InstancePlan
	deps   Deps
	task   *Task
	opts   Options
	steps  *steps
	log    *slog.Logger
	Report Report
}

func NewUpdateProcedure(plan *InstancePlan, deps Deps, task *Task, opts Options) *UpdateProcedure {
	check.Assert(plan != nil && plan.Instance != nil, "NewUpdateProcedure: plan with instance is required")
	check.Assert(deps.Cloud != nil, "NewUpdateProcedure: cloud must not be nil")
	check.Assert(deps.Agents != nil, "NewUpdateProcedure: agent factory must not be nil")
	check.Assert(deps.Store != nil, "NewUpdateProcedure: instance store must not be nil")
	check.Assert(deps.Addresses != nil, "NewUpdateProcedure: address pool must not be nil")
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("instance", plan.Instance.Name())
	if task != nil {
		log = log.With("task", task.ID)
	}
	return &UpdateProcedure{
		plan: plan,
		deps: deps,
		task: task,
		opts: opts,
		log:  log,
		steps: &steps{
			deps:       deps,
			plan:       plan,
			task:       task,
			log:        log,
			softDelete: opts.SoftDeleteVMs,
		},
	}
}

func (u *UpdateProcedure) Perform(ctx context.Context) (err error) {
	inst := u.plan.Instance
	op := telemetry.Start(ctx, u.opts.Tracer, "update "+inst.Name(),
		attribute.String(telemetry.InstanceKey, inst.Name()),
		attribute.String(telemetry.DeploymentKey, inst.Deployment),
	)
	defer func() { op.End(err) }()
	ctx = op.Context()

	run := func(phase UpdatePhase, fn func(context.Context) error) error {
		if err := u.task.Checkpoint(ctx); err != nil {
			return err
		}
		if err := op.RunStep(ctx, phase.String(), fn); err != nil {
			return &UpdateError{Instance: inst.Name(), Phase: phase, Err: err}
		}
		return nil
	}
	s := u.steps

	if len(u.plan.Changes) == 0 {
		u.log.Debug("Instance is up to date")
		u.Report.VM = inst.ActiveVM()
		return nil
	}
	if u.plan.Changes.Only(ChangeDNS, ChangeTags) {
		return u.metadataOnly(run)
	}
	u.log.Info("Updating instance", "changes", u.plan.Changes.String(), "desired_state", u.plan.DesiredState.String())

	needsRecreate := u.plan.NeedsRecreate()
	swap := u.plan.CreateSwapDelete && len(inst.VMs) > 1
	vmDeleted := false

	if u.plan.UnresponsiveAgent {
		if vm := inst.ActiveVM(); vm != nil {
			if err := run(PhaseDeleteVM, func(ctx context.Context) error { return s.hardDeleteVM(ctx, vm) }); err != nil {
				return err
			}
			vmDeleted = true
		}
	}

	if !u.plan.AlreadyDetached {
		if !(u.opts.NATSDeliveredTemplates && needsRecreate) {
			if err := run(PhaseTemplates, s.bindInstance); err != nil {
				return err
			}
		}
		if !u.plan.ShuttingDown && u.plan.DesiredState != StateDetached {
			if err := run(PhasePrepare, s.prepare); err != nil {
				return err
			}
		}
		if inst.State != StateStopped {
			intent := StopKeepVM
			if needsRecreate || u.plan.ShuttingDown || u.plan.DesiredState == StateDetached {
				intent = StopDeleteVM
			}
			if err := run(PhaseStop, func(ctx context.Context) error { return s.stop(ctx, intent) }); err != nil {
				return err
			}
			if err := run(PhaseSnapshot, s.snapshot); err != nil {
				return err
			}
		}

		switch u.plan.DesiredState {
		case StateDetached:
			if err := run(PhaseDetach, func(ctx context.Context) error {
				if err := s.unmountDisks(ctx); err != nil {
					return err
				}
				return s.detachDisks(ctx, inst.ActiveVM())
			}); err != nil {
				return err
			}
			if err := run(PhaseDeleteVM, func(ctx context.Context) error { return s.deleteVM(ctx, inst.ActiveVM()) }); err != nil {
				return err
			}
			u.log.Info("Instance detached")
			return run(PhasePersist, func(ctx context.Context) error { return s.persistState(ctx, StateDetached) })
		case StateStopped:
			if err := run(PhaseNetwork, s.releaseObsolete); err != nil {
				return err
			}
			u.Report.VM = inst.ActiveVM()
			u.log.Info("Instance stopped")
			return run(PhasePersist, func(ctx context.Context) error { return s.persistState(ctx, StateStopped) })
		}
	}

	if u.plan.DesiredState == StateDetached {
		return run(PhasePersist, func(ctx context.Context) error { return s.persistState(ctx, StateDetached) })
	}

	if needsRecreate || swap {
		h := newRecreateHandler(s, vmDeleted)
		if err := run(PhaseRecreate, h.Perform); err != nil {
			return err
		}
	} else {
		if err := run(PhaseSettings, s.updateSettings); err != nil {
			return err
		}
	}
	u.Report.VM = inst.ActiveVM()

	if err := run(PhaseDisk, s.updatePersistentDisk); err != nil {
		return err
	}
	if err := run(PhaseNetwork, s.releaseObsolete); err != nil {
		return err
	}
	if err := run(PhasePersist, func(ctx context.Context) error { return u.deps.Store.SaveInstance(ctx, inst) }); err != nil {
		return err
	}
	if u.plan.DNSChanged {
		if err := run(PhaseDNS, s.updateDNS); err != nil {
			return err
		}
	}
	if u.plan.Changes.Has(ChangeTags) {
		if err := run(PhaseMetadata, s.updateMetadata); err != nil {
			return err
		}
	}
	if err := run(PhaseTemplates, u.persistTemplates); err != nil {
		return err
	}

	vm := inst.ActiveVM()
	if vm == nil {
		return &UpdateError{Instance: inst.Name(), Phase: PhaseApply, Err: fmt.Errorf("no active vm")}
	}
	applier := NewStateApplier(u.plan, s.agentFor(vm), u.deps.Store, u.deps.Clock, u.task, u.log)
	if err := run(PhaseApply, func(ctx context.Context) error { return applier.Apply(ctx, u.plan.UpdateConfig, true) }); err != nil {
		return err
	}
	u.log.Info("Instance updated", "vm", vm.CID, "state", inst.State.String())
	return nil
}

// metadataOnly handles plans whose changes are limited to DNS and tags.
func (u *UpdateProcedure) metadataOnly(run func(UpdatePhase, func(context.Context) error) error) error {
	s := u.steps
	u.log.Info("Updating instance metadata only", "changes", u.plan.Changes.String())
	if err := run(PhaseTemplates, func(ctx context.Context) error {
		if u.deps.Links != nil {
			if err := u.deps.Links.BindLinks(ctx, u.plan.Instance); err != nil {
				return err
			}
		}
		return s.updateVariableSet(ctx)
	}); err != nil {
		return err
	}
	if u.plan.Changes.Has(ChangeTags) {
		if err := run(PhaseMetadata, s.updateMetadata); err != nil {
			return err
		}
	}
	if u.plan.DNSChanged {
		if err := run(PhaseDNS, s.updateDNS); err != nil {
			return err
		}
	}
	u.Report.VM = u.plan.Instance.ActiveVM()
	return nil
}

func (u *UpdateProcedure) persistTemplates(ctx context.Context) error {
	if u.deps.Templates == nil {
		return nil
	}
	return u.deps.Templates.PersistTemplates(ctx, u.plan)
}
