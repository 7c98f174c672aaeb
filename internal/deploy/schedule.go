package deploy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	minWatchStepMS = 1000
	maxWatchStepMS = 15000
	// maxSleepSlice caps a single uninterrupted sleep.
	maxSleepSlice = maxWatchStepMS * time.Millisecond
)

// WatchSchedule spreads the watch budget into polling intervals: the minimum
// wait first, then evenly sized steps of 1s to 15s covering max-min.
func WatchSchedule(w WatchTime) []time.Duration {
	minMS, maxMS := w.Min.Milliseconds(), w.Max.Milliseconds()
	deltaMS := maxMS - minMS
	stepMS := min(max(deltaMS/9, minWatchStepMS), maxWatchStepMS)

	out := []time.Duration{time.Duration(minMS) * time.Millisecond}
	for range deltaMS / stepMS {
		out = append(out, time.Duration(stepMS)*time.Millisecond)
	}
	return out
}

// Task is the deploy run an update belongs to. Cancelling it stops every
// worker of the run at its next checkpoint.
type Task struct {
	ID        string
	cancelled atomic.Bool
}

func NewTask(id string) *Task { return &Task{ID: id} }

func (t *Task) Cancel() {
	if t != nil {
		t.cancelled.Store(true)
	}
}

func (t *Task) Cancelled() bool { return t != nil && t.cancelled.Load() }

// Checkpoint returns ErrTaskCancelled once the task or ctx is cancelled.
func (t *Task) Checkpoint(ctx context.Context) error {
	if t.Cancelled() {
		return ErrTaskCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTaskCancelled, err)
	}
	return nil
}

// sleep waits d in slices of at most maxSleepSlice, checking for
// cancellation between slices.
func (t *Task) sleep(ctx context.Context, clock Clock, d time.Duration) error {
	for d > 0 {
		if err := t.Checkpoint(ctx); err != nil {
			return err
		}
		slice := min(d, maxSleepSlice)
		if err := clock.Sleep(ctx, slice); err != nil {
			return t.Checkpoint(ctx)
		}
		d -= slice
	}
	return t.Checkpoint(ctx)
}
