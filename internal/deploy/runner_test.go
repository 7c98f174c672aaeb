package deploy_test

import (
	"errors"
	"fmt"
	"testing"

	"drydock/internal/adapter/fake"
	"drydock/internal/deploy"
)

func fleet(h *fake.Harness, n int) []*deploy.InstancePlan {
	plans := make([]*deploy.InstancePlan, 0, n)
	for i := range n {
		inst := &deploy.Instance{
			ID:         fmt.Sprintf("i-%d", i),
			Deployment: "dep",
			Job:        "web",
			Index:      i,
			State:      deploy.StateStarted,
		}
		vm := &deploy.VM{CID: fmt.Sprintf("vm-%d-old", i), AgentID: fmt.Sprintf("agent-%d", i), Active: true, CreatedAt: t0}
		inst.VMs = []*deploy.VM{vm}
		h.SeedVM(inst, vm)
		plan := planFor(inst, deploy.StateStarted, deploy.ChangeJobs)
		plan.Disk = nil
		plan.Networks = nil
		plan.Canary = i == 0
		plans = append(plans, plan)
	}
	return plans
}

func TestRunnerUpdatesCanaryFirst(t *testing.T) {
	h := fake.NewHarness()
	plans := fleet(h, 3)
	events := make(chan deploy.ProgressEvent, 32)
	r := &deploy.Runner{Deps: h.Deps(), MaxInFlight: 2, Events: events}

	result, err := r.Run(t.Context(), deploy.NewTask("t-1"), plans)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Instances) != 3 || len(result.Failed()) != 0 {
		t.Fatalf("Run() result = %+v", result)
	}
	for i, ir := range result.Instances {
		if want := fmt.Sprintf("web/i-%d", i); ir.Instance != want || ir.State != deploy.StateStarted {
			t.Fatalf("result[%d] = %+v, want %s started", i, ir, want)
		}
		if ir.VM != fmt.Sprintf("vm-%d-old", i) {
			t.Fatalf("result[%d].VM = %q", i, ir.VM)
		}
	}

	first, second := <-events, <-events
	if first.Type != "instance_started" || first.Instance != "web/i-0" {
		t.Fatalf("first event = %+v, want canary start", first)
	}
	if second.Type != "instance_updated" || second.Instance != "web/i-0" {
		t.Fatalf("second event = %+v, want canary finished before the rest", second)
	}
}

func TestRunnerStopsOnCanaryFailure(t *testing.T) {
	h := fake.NewHarness()
	plans := fleet(h, 3)
	boom := errors.New("canary broke")
	h.Faults.FailAlways(fake.FaultAgentPrepare, boom)
	r := &deploy.Runner{Deps: h.Deps(), MaxInFlight: 2}

	result, err := r.Run(t.Context(), deploy.NewTask("t-1"), plans)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if len(result.Instances) != 1 || result.Instances[0].Instance != "web/i-0" {
		t.Fatalf("Run() result = %+v, want only the canary", result)
	}
	if got := len(h.Agents.Calls("Prepare")); got != 1 {
		t.Fatalf("Prepare calls = %d, want 1", got)
	}
}

func TestRunnerStopsStartingUpdatesAfterFailure(t *testing.T) {
	h := fake.NewHarness()
	plans := fleet(h, 3)
	boom := errors.New("agent-1 broke")
	h.Faults.SetHook(fake.FaultAgentPrepare, func(args ...any) error {
		if args[0] == "agent-1" {
			return boom
		}
		return nil
	})
	r := &deploy.Runner{Deps: h.Deps(), MaxInFlight: 1}

	result, err := r.Run(t.Context(), deploy.NewTask("t-1"), plans)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	failed := result.Failed()
	if len(failed) == 0 || !errors.Is(failed[0].Err, boom) {
		t.Fatalf("Failed() = %+v", failed)
	}
	for _, c := range h.Agents.Calls("") {
		if c.Args[0] == "agent-2" {
			t.Fatalf("agent-2 was called after agent-1 failed: %s", c.Method)
		}
	}
}

func TestRunnerCancelledTask(t *testing.T) {
	h := fake.NewHarness()
	plans := fleet(h, 2)
	plans[0].Canary = false
	task := deploy.NewTask("t-1")
	task.Cancel()
	r := &deploy.Runner{Deps: h.Deps(), MaxInFlight: 2}

	_, err := r.Run(t.Context(), task, plans)
	if !errors.Is(err, deploy.ErrTaskCancelled) {
		t.Fatalf("Run() error = %v, want ErrTaskCancelled", err)
	}
	if methods := h.Timeline.Methods(); len(methods) != 0 {
		t.Fatalf("cancelled run made calls: %v", methods)
	}
}
