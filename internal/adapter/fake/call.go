package fake

import (
	"slices"
	"sync"
)

type Call struct {
	Method string
	Args   []any
}

// CallRecorder keeps every call a fake received, in order.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *CallRecorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns the calls of method, or every call when method is empty.
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if method == "" {
		return slices.Clone(r.calls)
	}
	var out []Call
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count is len(Calls(method)) without the copy.
func (r *CallRecorder) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (r *CallRecorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Method
	}
	return out
}

func (r *CallRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Timeline is one recorder shared by the cloud, agent, store and address
// fakes of a harness, so tests can check ordering across them. Entries read
// "component.Method".
type Timeline struct {
	CallRecorder
}

func (t *Timeline) note(component, method string, args ...any) {
	if t != nil {
		t.record(component+"."+method, args...)
	}
}
