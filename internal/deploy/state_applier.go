package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"drydock/internal/check"
)

// StateApplier pushes the desired spec to an instance's agent, starts jobs
// when the instance should run, and waits for the agent to report the
// desired state within the watch budget.
type StateApplier struct {
	plan  *InstancePlan
	agent Agent
	store InstanceStore
	clock Clock
	task  *Task
	log   *slog.Logger
}

func NewStateApplier(plan *InstancePlan, agent Agent, store InstanceStore, clock Clock, task *Task, log *slog.Logger) *StateApplier {
	check.Assert(plan != nil && plan.Instance != nil, "NewStateApplier: plan with instance is required")
	check.Assert(agent != nil, "NewStateApplier: agent must not be nil")
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &StateApplier{plan: plan, agent: agent, store: store, clock: clock, task: task, log: log}
}

func (a *StateApplier) Apply(ctx context.Context, cfg *UpdateConfig, runPostStart bool) error {
	inst := a.plan.Instance
	desired := a.plan.DesiredState

	if a.plan.ApplySpec != nil {
		inst.ApplySpec = a.plan.ApplySpec
	}
	if err := a.store.SaveInstance(ctx, inst); err != nil {
		return fmt.Errorf("persist apply spec: %w", err)
	}
	if err := a.agent.Apply(ctx, inst.ApplySpec); err != nil {
		return fmt.Errorf("apply spec to agent: %w", err)
	}

	if desired == StateStarted {
		if err := a.agent.RunScript(ctx, "pre-start", nil); err != nil {
			return fmt.Errorf("run pre-start: %w", err)
		}
		if err := a.start(ctx); err != nil {
			return err
		}
	}

	state, err := a.observe(ctx, cfg)
	if err != nil {
		return err
	}

	switch {
	case desired == StateStarted && !state.Running():
		return &AgentJobNotRunningError{Instance: inst.Name(), Processes: state.NotRunning()}
	case desired == StateStarted && runPostStart:
		if err := a.agent.RunScript(ctx, "post-start", nil); err != nil {
			return fmt.Errorf("run post-start: %w", err)
		}
	case desired == StateStopped && state.Running():
		return &AgentJobNotStoppedError{Instance: inst.Name()}
	}

	inst.State = inst.State.Transition(desired)
	if err := a.store.SaveInstance(ctx, inst); err != nil {
		return fmt.Errorf("persist instance state: %w", err)
	}
	return nil
}

// start tolerates agents that predate the start call.
func (a *StateApplier) start(ctx context.Context) error {
	err := a.agent.Start(ctx)
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.Unimplemented {
		a.log.Warn("Agent does not support start, continuing")
		return nil
	}
	return fmt.Errorf("start jobs: %w", err)
}

func (a *StateApplier) observe(ctx context.Context, cfg *UpdateConfig) (AgentState, error) {
	if cfg == nil {
		state, err := a.agent.GetState(ctx)
		if err != nil {
			return AgentState{}, fmt.Errorf("get agent state: %w", err)
		}
		return state, nil
	}

	desired := a.plan.DesiredState
	var state AgentState
	for _, wait := range WatchSchedule(cfg.WatchTimeFor(a.plan.Canary)) {
		if err := a.task.sleep(ctx, a.clock, wait); err != nil {
			return AgentState{}, err
		}
		if err := a.task.Checkpoint(ctx); err != nil {
			return AgentState{}, err
		}

		var err error
		state, err = a.agent.GetState(ctx)
		if err != nil {
			return AgentState{}, fmt.Errorf("get agent state: %w", err)
		}
		a.log.Debug("Polled agent state", "job_state", state.JobState, "desired", desired.String())
		if (desired == StateStarted) == state.Running() {
			break
		}
	}
	return state, nil
}
