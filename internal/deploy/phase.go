package deploy

import (
	"fmt"
	"strings"

	"drydock/internal/check"
)

// InstanceState is the desired or observed lifecycle state of an instance.
type InstanceState uint8

const (
	StateStarted InstanceState = iota + 1
	StateStopped
	StateDetached
)

func (s InstanceState) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

func (s InstanceState) IsValid() bool {
	switch s {
	case StateStarted, StateStopped, StateDetached:
		return true
	default:
		return false
	}
}

// Transition validates a state change. Any valid state may follow any other.
func (s InstanceState) Transition(to InstanceState) InstanceState {
	ok := to.IsValid()
	check.Assertf(ok, "instance state transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

func (s InstanceState) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid instance state: %d", s)
	}
	return []byte(s.String()), nil
}

func (s *InstanceState) UnmarshalText(text []byte) error {
	next, err := ParseInstanceState(string(text))
	if err != nil {
		return err
	}
	*s = next
	return nil
}

func ParseInstanceState(raw string) (InstanceState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "started":
		return StateStarted, nil
	case "stopped":
		return StateStopped, nil
	case "detached":
		return StateDetached, nil
	default:
		return 0, fmt.Errorf("invalid instance state: %q", raw)
	}
}
