package deploy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskCancelled = errors.New("task cancelled")

	// Cloud teardown conditions that are logged and skipped.
	ErrVMNotFound      = errors.New("vm not found")
	ErrDiskNotFound    = errors.New("disk not found")
	ErrDiskNotAttached = errors.New("disk not attached")
)

// AgentJobNotRunningError reports processes that did not come up within the
// watch budget.
type AgentJobNotRunningError struct {
	Instance  string
	Processes []string
}

func (e *AgentJobNotRunningError) Error() string {
	if len(e.Processes) == 0 {
		return fmt.Sprintf("%q is not running after update", e.Instance)
	}
	return fmt.Sprintf("%q is not running after update. Review logs for failed jobs: %s", e.Instance, strings.Join(e.Processes, ", "))
}

type AgentJobNotStoppedError struct {
	Instance string
}

func (e *AgentJobNotStoppedError) Error() string {
	return fmt.Sprintf("%q is still running despite the stop command", e.Instance)
}

// UpdateError carries the instance and phase an update failed in.
type UpdateError struct {
	Instance string
	Phase    UpdatePhase
	Err      error
}

func (e *UpdateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("update %s failed at %s: %v", e.Instance, e.Phase, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

func teardownError(err error) bool {
	return errors.Is(err, ErrVMNotFound) || errors.Is(err, ErrDiskNotFound) || errors.Is(err, ErrDiskNotAttached)
}
