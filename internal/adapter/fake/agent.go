package fake

import (
	"context"
	"maps"
	"slices"
	"sync"

	"drydock/internal/adapter/fake/fault"
	"drydock/internal/deploy"
)

const (
	FaultAgentApply          = "agent.Apply"
	FaultAgentPrepare        = "agent.Prepare"
	FaultAgentStart          = "agent.Start"
	FaultAgentStop           = "agent.Stop"
	FaultAgentDrain          = "agent.Drain"
	FaultAgentRunScript      = "agent.RunScript"
	FaultAgentGetState       = "agent.GetState"
	FaultAgentMountDisk      = "agent.MountDisk"
	FaultAgentUnmountDisk    = "agent.UnmountDisk"
	FaultAgentMigrateDisk    = "agent.MigrateDisk"
	FaultAgentUpdateSettings = "agent.UpdateSettings"
	FaultAgentWaitUntilReady = "agent.WaitUntilReady"
)

var (
	_ deploy.AgentFactory = (*Agents)(nil)
	_ deploy.Agent        = (*Agent)(nil)
)

// Agents hands out one Agent per agent ID. Every agent shares the factory's
// recorder, fault injector and timeline; fault hooks receive the agent ID as
// their first argument.
type Agents struct {
	CallRecorder
	Timeline *Timeline
	faults   *fault.Injector

	mu     sync.Mutex
	agents map[string]*Agent

	// DrainSeconds is what Drain returns. DrainStatus walks DrainStatuses and
	// then reports 0.
	DrainSeconds  int
	DrainStatuses []int
}

func NewAgents(faults *fault.Injector) *Agents {
	if faults == nil {
		faults = fault.NewInjector()
	}
	return &Agents{faults: faults, agents: make(map[string]*Agent)}
}

func (f *Agents) ForAgent(agentID string) deploy.Agent {
	return f.Agent(agentID)
}

// Agent returns the concrete fake for agentID, creating it on first use.
func (f *Agents) Agent(agentID string) *Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		a = &Agent{id: agentID, factory: f, jobState: "stopped"}
		f.agents[agentID] = a
	}
	return a
}

// Agent is the fake process supervisor of one VM. GetState pops queued
// states first and otherwise derives the state from the last Start or Stop.
type Agent struct {
	id      string
	factory *Agents

	mu       sync.Mutex
	jobState string
	queued   []deploy.AgentState
	mounted  []string
	applied  map[string]any
	settings map[string]any
	scripts  []string
}

func (a *Agent) call(method string, args ...any) error {
	args = append([]any{a.id}, args...)
	a.factory.record(method, args...)
	a.factory.Timeline.note("agent", method, args...)
	return a.factory.faults.Eval("agent."+method, args...)
}

// QueueStates makes the next GetState calls return states in order.
func (a *Agent) QueueStates(states ...deploy.AgentState) {
	a.mu.Lock()
	a.queued = append(a.queued, states...)
	a.mu.Unlock()
}

// SetJobState overrides the state reported once the queue is empty.
func (a *Agent) SetJobState(state string) {
	a.mu.Lock()
	a.jobState = state
	a.mu.Unlock()
}

func (a *Agent) Apply(_ context.Context, spec map[string]any) error {
	if err := a.call("Apply"); err != nil {
		return err
	}
	a.mu.Lock()
	a.applied = maps.Clone(spec)
	a.mu.Unlock()
	return nil
}

func (a *Agent) Prepare(_ context.Context, _ map[string]any) error {
	return a.call("Prepare")
}

func (a *Agent) Start(context.Context) error {
	if err := a.call("Start"); err != nil {
		return err
	}
	a.SetJobState("running")
	return nil
}

func (a *Agent) Stop(_ context.Context, intent deploy.StopIntent) error {
	if err := a.call("Stop", intent); err != nil {
		return err
	}
	a.SetJobState("stopped")
	return nil
}

func (a *Agent) Drain(_ context.Context, kind string, _ map[string]any) (int, error) {
	if err := a.call("Drain", kind); err != nil {
		return 0, err
	}
	a.factory.mu.Lock()
	defer a.factory.mu.Unlock()
	return a.factory.DrainSeconds, nil
}

func (a *Agent) DrainStatus(context.Context) (int, error) {
	if err := a.call("DrainStatus"); err != nil {
		return 0, err
	}
	a.factory.mu.Lock()
	defer a.factory.mu.Unlock()
	if len(a.factory.DrainStatuses) == 0 {
		return 0, nil
	}
	next := a.factory.DrainStatuses[0]
	a.factory.DrainStatuses = a.factory.DrainStatuses[1:]
	return next, nil
}

func (a *Agent) RunScript(_ context.Context, name string, _ map[string]string) error {
	if err := a.call("RunScript", name); err != nil {
		return err
	}
	a.mu.Lock()
	a.scripts = append(a.scripts, name)
	a.mu.Unlock()
	return nil
}

func (a *Agent) GetState(context.Context) (deploy.AgentState, error) {
	if err := a.call("GetState"); err != nil {
		return deploy.AgentState{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queued) > 0 {
		next := a.queued[0]
		a.queued = a.queued[1:]
		return next, nil
	}
	return deploy.AgentState{JobState: a.jobState}, nil
}

func (a *Agent) ListDisk(context.Context) ([]string, error) {
	if err := a.call("ListDisk"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.mounted), nil
}

func (a *Agent) MountDisk(_ context.Context, diskCID string) error {
	if err := a.call("MountDisk", diskCID); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.mounted, diskCID) {
		a.mounted = append(a.mounted, diskCID)
	}
	return nil
}

func (a *Agent) UnmountDisk(_ context.Context, diskCID string) error {
	if err := a.call("UnmountDisk", diskCID); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mounted = slices.DeleteFunc(a.mounted, func(d string) bool { return d == diskCID })
	return nil
}

func (a *Agent) MigrateDisk(_ context.Context, fromCID, toCID string) error {
	return a.call("MigrateDisk", fromCID, toCID)
}

func (a *Agent) UpdateSettings(_ context.Context, settings map[string]any) error {
	if err := a.call("UpdateSettings"); err != nil {
		return err
	}
	a.mu.Lock()
	a.settings = maps.Clone(settings)
	a.mu.Unlock()
	return nil
}

func (a *Agent) WaitUntilReady(context.Context) error {
	return a.call("WaitUntilReady")
}

func (a *Agent) Mounted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.mounted)
}

func (a *Agent) Applied() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.applied)
}

func (a *Agent) Settings() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.settings)
}

func (a *Agent) Scripts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.scripts)
}
