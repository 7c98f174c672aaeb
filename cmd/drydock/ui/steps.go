package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type stepStatus string

const (
	stepPending stepStatus = "pending"
	stepRunning stepStatus = "running"
	stepDone    stepStatus = "done"
	stepFailed  stepStatus = "failed"
)

// stepState is one line of progress. IDs are slash paths: a job, then an
// instance of that job, then an update step of the instance.
type stepState struct {
	ID       string
	ParentID string
	Title    string
	Status   stepStatus
	Message  string
	Started  time.Time
	Elapsed  time.Duration

	// implied steps were never reported themselves, only their children.
	implied bool
}

func (s stepState) depth() int {
	if s.ParentID == "" {
		return 0
	}
	return strings.Count(s.ParentID, "/") + 1
}

func (s stepState) finished() bool {
	return s.Status == stepDone || s.Status == stepFailed
}

func stepIndent(s stepState) string {
	return strings.Repeat("  ", s.depth()+1)
}

// stepTitle keeps job and instance names whole and shortens update steps to
// their own name, since they are printed under their instance.
func stepTitle(id string) string {
	if strings.Count(id, "/") < 2 {
		return id
	}
	return id[strings.LastIndex(id, "/")+1:]
}

type stepSnapshot struct {
	Steps []stepState
}

// stepObserver folds step start and end events into ordered snapshots.
type stepObserver struct {
	mu     sync.Mutex
	now    func() time.Time
	steps  map[string]*stepState
	order  []string
	report func(stepSnapshot)
}

func newStepObserver(report func(stepSnapshot)) *stepObserver {
	return &stepObserver{
		now:    time.Now,
		steps:  make(map[string]*stepState),
		report: report,
	}
}

func (o *stepObserver) onStepStart(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.lookupLocked(id)
	s.Status = stepRunning
	s.Message = ""
	s.implied = false
	s.Started = o.now()
	s.Elapsed = 0
	o.emitLocked()
}

func (o *stepObserver) onStepEnd(id string, failed bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.lookupLocked(id)
	s.implied = false
	s.Status = stepDone
	s.Message = ""
	if failed {
		s.Status = stepFailed
		s.Message = strings.TrimSpace(message)
	}
	if !s.Started.IsZero() {
		s.Elapsed = o.now().Sub(s.Started)
	}
	o.emitLocked()
}

// lookupLocked returns the step for id, creating it and any missing
// ancestors in first-seen order.
func (o *stepObserver) lookupLocked(id string) *stepState {
	id = strings.Trim(strings.TrimSpace(id), "/")
	if id == "" {
		id = "unnamed"
	}
	if s, ok := o.steps[id]; ok {
		return s
	}

	parent := ""
	if i := strings.LastIndex(id, "/"); i > 0 {
		parent = id[:i]
		if _, ok := o.steps[parent]; !ok {
			o.lookupLocked(parent).implied = true
		}
	}
	s := &stepState{ID: id, ParentID: parent, Title: stepTitle(id), Status: stepPending}
	o.steps[id] = s
	o.order = append(o.order, id)
	return s
}

func (o *stepObserver) emitLocked() {
	if o.report == nil {
		return
	}

	children := make(map[string][]*stepState, len(o.order))
	for _, id := range o.order {
		if s := o.steps[id]; s.ParentID != "" {
			children[s.ParentID] = append(children[s.ParentID], s)
		}
	}

	out := make([]stepState, 0, len(o.order))
	for _, id := range o.order {
		s := *o.steps[id]
		if kids := children[id]; len(kids) > 0 {
			if s.implied {
				s.Status = rollup(kids)
			}
			if summary := tally(kids); summary != "" {
				switch {
				case s.Message == "":
					s.Message = summary
				case s.Status == stepFailed && !strings.Contains(s.Message, summary):
					s.Message = summary + "; " + s.Message
				}
			}
		}
		out = append(out, s)
	}
	o.report(stepSnapshot{Steps: out})
}

func tally(kids []*stepState) string {
	var done, failed int
	for _, k := range kids {
		switch k.Status {
		case stepDone:
			done++
		case stepFailed:
			failed++
		}
	}
	switch {
	case failed > 0:
		return fmt.Sprintf("%d/%d done, %d failed", done, len(kids), failed)
	case done == 0:
		return fmt.Sprintf("%d pending", len(kids))
	default:
		return fmt.Sprintf("%d/%d done", done, len(kids))
	}
}

// rollup derives the status of an implied parent from its children.
func rollup(kids []*stepState) stepStatus {
	var done, running int
	for _, k := range kids {
		switch k.Status {
		case stepFailed:
			return stepFailed
		case stepDone:
			done++
		case stepRunning:
			running++
		}
	}
	switch {
	case done == len(kids):
		return stepDone
	case running > 0 || done > 0:
		return stepRunning
	default:
		return stepPending
	}
}

// visibleSteps hides the descendants of finished steps that succeeded.
func visibleSteps(steps []stepState) []stepState {
	status := make(map[string]stepStatus, len(steps))
	parent := make(map[string]string, len(steps))
	for _, s := range steps {
		status[s.ID] = s.Status
		parent[s.ID] = s.ParentID
	}

	out := make([]stepState, 0, len(steps))
	for _, s := range steps {
		hidden := false
		for p := s.ParentID; p != ""; p = parent[p] {
			if status[p] == stepDone {
				hidden = true
				break
			}
		}
		if !hidden {
			out = append(out, s)
		}
	}
	return out
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
