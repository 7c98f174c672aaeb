package deploy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"drydock/internal/check"
)

// ProgressEvent reports runner progress. Events are sent with non-blocking
// writes and may be dropped if the channel is full.
type ProgressEvent struct {
	Type     string
	Instance string
	Message  string
}

type InstanceResult struct {
	Instance string
	VM       string
	State    InstanceState
	Err      error
}

type RunResult struct {
	Instances []InstanceResult
}

// Failed returns the results that carry an error.
func (r RunResult) Failed() []InstanceResult {
	var out []InstanceResult
	for _, ir := range r.Instances {
		if ir.Err != nil {
			out = append(out, ir)
		}
	}
	return out
}

// Runner updates a set of instances: canaries one at a time first, then the
// rest with at most MaxInFlight updates running concurrently. The first
// failure stops new updates from starting.
type Runner struct {
	Deps        Deps
	Options     Options
	MaxInFlight int
	Events      chan<- ProgressEvent
}

func (r *Runner) Run(ctx context.Context, task *Task, plans []*InstancePlan) (RunResult, error) {
	check.Assert(task != nil, "Runner.Run: task must not be nil")

	var (
		mu     sync.Mutex
		result RunResult
	)
	update := func(ctx context.Context, plan *InstancePlan) error {
		name := plan.Instance.Name()
		r.emit(ProgressEvent{Type: "instance_started", Instance: name, Message: plan.Changes.String()})

		u := NewUpdateProcedure(plan, r.Deps, task, r.Options)
		err := u.Perform(ctx)

		ir := InstanceResult{Instance: name, State: plan.Instance.State, Err: err}
		if u.Report.VM != nil {
			ir.VM = u.Report.VM.CID
		}
		mu.Lock()
		result.Instances = append(result.Instances, ir)
		mu.Unlock()

		if err != nil {
			r.emit(ProgressEvent{Type: "instance_failed", Instance: name, Message: err.Error()})
			return err
		}
		r.emit(ProgressEvent{Type: "instance_updated", Instance: name, Message: plan.Instance.State.String()})
		return nil
	}

	canaries, rest := splitCanaries(plans)
	for _, plan := range canaries {
		if err := update(ctx, plan); err != nil {
			return result.sorted(), fmt.Errorf("canary %s: %w", plan.Instance.Name(), err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.MaxInFlight, 1))
	for _, plan := range rest {
		if gctx.Err() != nil || task.Cancelled() {
			break
		}
		g.Go(func() error { return update(gctx, plan) })
	}
	err := g.Wait()
	if err == nil && task.Cancelled() {
		err = ErrTaskCancelled
	}
	return result.sorted(), firstCause(err, result)
}

func (r *Runner) emit(ev ProgressEvent) {
	if r.Events == nil {
		return
	}
	select {
	case r.Events <- ev:
	default:
	}
}

func splitCanaries(plans []*InstancePlan) (canaries, rest []*InstancePlan) {
	for _, p := range plans {
		if p.Canary {
			canaries = append(canaries, p)
		} else {
			rest = append(rest, p)
		}
	}
	return canaries, rest
}

func (r RunResult) sorted() RunResult {
	slices.SortFunc(r.Instances, func(a, b InstanceResult) int { return cmp.Compare(a.Instance, b.Instance) })
	return r
}

// firstCause prefers a real failure over the cancellations it caused in
// sibling updates.
func firstCause(err error, result RunResult) error {
	if err == nil || !errors.Is(err, ErrTaskCancelled) {
		return err
	}
	for _, ir := range result.Instances {
		if ir.Err != nil && !errors.Is(ir.Err, ErrTaskCancelled) {
			return ir.Err
		}
	}
	return err
}
