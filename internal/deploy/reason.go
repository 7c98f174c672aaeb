package deploy

import (
	"fmt"
	"strings"
)

// UpdatePhase names the step of an instance update that failed.
type UpdatePhase uint8

const (
	PhaseUnknown UpdatePhase = iota + 1
	PhaseDNS
	PhaseMetadata
	PhaseTemplates
	PhaseStop
	PhaseSnapshot
	PhasePrepare
	PhaseDetach
	PhaseDeleteVM
	PhaseRecreate
	PhaseSettings
	PhaseDisk
	PhaseNetwork
	PhasePersist
	PhaseApply
)

func (p UpdatePhase) String() string {
	switch p {
	case PhaseDNS:
		return "update_dns"
	case PhaseMetadata:
		return "update_metadata"
	case PhaseTemplates:
		return "persist_templates"
	case PhaseStop:
		return "stop"
	case PhaseSnapshot:
		return "snapshot"
	case PhasePrepare:
		return "prepare"
	case PhaseDetach:
		return "detach"
	case PhaseDeleteVM:
		return "delete_vm"
	case PhaseRecreate:
		return "recreate"
	case PhaseSettings:
		return "update_settings"
	case PhaseDisk:
		return "update_persistent_disk"
	case PhaseNetwork:
		return "release_obsolete_networks"
	case PhasePersist:
		return "persist_instance"
	case PhaseApply:
		return "apply_state"
	default:
		return "unknown"
	}
}

func (p UpdatePhase) IsValid() bool {
	return p >= PhaseUnknown && p <= PhaseApply
}

// StopIntent tells the agent whether the VM survives the stop.
type StopIntent uint8

const (
	StopKeepVM StopIntent = iota + 1
	StopDeleteVM
)

func (i StopIntent) String() string {
	switch i {
	case StopKeepVM:
		return "keep_vm"
	case StopDeleteVM:
		return "delete_vm"
	default:
		return "unknown"
	}
}

func (i StopIntent) IsValid() bool {
	return i == StopKeepVM || i == StopDeleteVM
}

// Change is one kind of difference between desired and current instance.
type Change uint8

const (
	ChangeDNS Change = iota + 1
	ChangeTags
	ChangeStemcell
	ChangeCloudProperties
	ChangeEnv
	ChangeNetwork
	ChangeJobs
	ChangeConfiguration
	ChangePersistentDisk
	ChangeState
	ChangeRecreate
)

var changeNames = map[Change]string{
	ChangeDNS:             "dns",
	ChangeTags:            "tags",
	ChangeStemcell:        "stemcell",
	ChangeCloudProperties: "cloud_properties",
	ChangeEnv:             "env",
	ChangeNetwork:         "network",
	ChangeJobs:            "jobs",
	ChangeConfiguration:   "configuration",
	ChangePersistentDisk:  "persistent_disk",
	ChangeState:           "state",
	ChangeRecreate:        "recreate",
}

func (c Change) String() string {
	if name, ok := changeNames[c]; ok {
		return name
	}
	return "unknown"
}

func (c Change) IsValid() bool {
	_, ok := changeNames[c]
	return ok
}

func (c Change) MarshalText() ([]byte, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("invalid change: %d", c)
	}
	return []byte(c.String()), nil
}

func (c *Change) UnmarshalText(text []byte) error {
	raw := strings.ToLower(strings.TrimSpace(string(text)))
	for k, name := range changeNames {
		if name == raw {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("invalid change: %q", raw)
}

// recreateChanges force a new VM when present.
var recreateChanges = []Change{ChangeStemcell, ChangeCloudProperties, ChangeEnv, ChangeNetwork, ChangeRecreate}
