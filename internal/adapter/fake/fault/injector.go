// Package fault arms failures on fake collaborator calls. Points are named
// "component.Method", e.g. "cloud.CreateVM" or "agent.GetState".
package fault

import (
	"fmt"
	"sync"
)

// Hook sees the call arguments and may fail the call.
type Hook func(args ...any) error

type rule struct {
	hook   Hook
	queued []error
	// skip lets that many calls through before sticky applies.
	skip   int
	sticky error
}

// Injector is shared by every fake of a test, so one call arms any
// collaborator. The zero value is not usable; use NewInjector.
type Injector struct {
	mu    sync.Mutex
	rules map[string]*rule
	evals map[string]int
}

func NewInjector() *Injector {
	return &Injector{rules: make(map[string]*rule), evals: make(map[string]int)}
}

// FailOnce fails the next call of point with err. Repeated calls queue up.
func (i *Injector) FailOnce(point string, err error) {
	i.arm(point, func(r *rule) { r.queued = append(r.queued, err) })
}

// FailAlways fails every call of point with err.
func (i *Injector) FailAlways(point string, err error) {
	i.FailAfter(point, 0, err)
}

// FailAfter lets n calls of point succeed, then fails every later call.
func (i *Injector) FailAfter(point string, n int, err error) {
	i.arm(point, func(r *rule) { r.skip, r.sticky = n, err })
}

func (i *Injector) SetHook(point string, hook Hook) {
	i.arm(point, func(r *rule) { r.hook = hook })
}

func (i *Injector) Clear(point string) {
	i.mu.Lock()
	delete(i.rules, point)
	i.mu.Unlock()
}

// Reset drops every rule and call count.
func (i *Injector) Reset() {
	i.mu.Lock()
	clear(i.rules)
	clear(i.evals)
	i.mu.Unlock()
}

// Eval is called by a fake on entry to a method. Hooks run first, then
// queued one-shot errors, then the sticky error.
func (i *Injector) Eval(point string, args ...any) error {
	i.mu.Lock()
	i.evals[point]++
	r, ok := i.rules[point]
	var (
		hook   Hook
		queued error
		sticky error
	)
	if ok {
		hook = r.hook
		if len(r.queued) > 0 {
			queued, r.queued = r.queued[0], r.queued[1:]
		}
		if r.skip > 0 {
			r.skip--
		} else {
			sticky = r.sticky
		}
	}
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("injected %s: %w", point, err)
		}
	}
	if queued != nil {
		return fmt.Errorf("injected %s: %w", point, queued)
	}
	if sticky != nil {
		return fmt.Errorf("injected %s: %w", point, sticky)
	}
	return nil
}

// Evals reports how many times point was called.
func (i *Injector) Evals(point string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.evals[point]
}

func (i *Injector) arm(point string, set func(*rule)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.rules[point]
	if !ok {
		r = &rule{}
		i.rules[point] = r
	}
	set(r)
}
