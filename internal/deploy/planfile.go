package deploy

import (
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"drydock/internal/ipam"
)

// PlanFile is the on-disk form of a deploy: the observed instances, what
// each should become and the fleet update policy.
type PlanFile struct {
	Deployment string             `yaml:"deployment"`
	Update     UpdatePolicy       `yaml:"update"`
	Instances  []InstancePlanFile `yaml:"instances"`
}

type UpdatePolicy struct {
	Canaries        int       `yaml:"canaries"`
	CanaryWatchTime WatchTime `yaml:"canary_watch_time"`
	UpdateWatchTime WatchTime `yaml:"update_watch_time"`
	MaxInFlight     int       `yaml:"max_in_flight"`
}

type InstancePlanFile struct {
	ID             string            `yaml:"id"`
	Job            string            `yaml:"job"`
	Index          int               `yaml:"index"`
	AZ             string            `yaml:"az,omitempty"`
	State          InstanceState     `yaml:"state"`
	DesiredState   InstanceState     `yaml:"desired_state"`
	Changes        []Change          `yaml:"changes,omitempty"`
	VariableSetID  string            `yaml:"variable_set,omitempty"`
	VMs            []VMFile          `yaml:"vms,omitempty"`
	Disk           *DiskFile         `yaml:"disk,omitempty"`
	Networks       []NetworkFile     `yaml:"networks,omitempty"`
	VM             VMSpecFile        `yaml:"vm"`
	PersistentDisk *DiskSpecFile     `yaml:"persistent_disk,omitempty"`
	Tags           map[string]string `yaml:"tags,omitempty"`
	DNS            []DNSRecordFile   `yaml:"dns,omitempty"`
	ApplySpec      map[string]any    `yaml:"apply_spec,omitempty"`

	Recreate          bool `yaml:"recreate,omitempty"`
	CreateSwapDelete  bool `yaml:"create_swap_delete,omitempty"`
	UnresponsiveAgent bool `yaml:"unresponsive_agent,omitempty"`
	SkipDrain         bool `yaml:"skip_drain,omitempty"`
	ShuttingDown      bool `yaml:"shutting_down,omitempty"`
}

type VMFile struct {
	CID       string        `yaml:"cid"`
	AgentID   string        `yaml:"agent_id"`
	Active    bool          `yaml:"active"`
	CreatedAt time.Time     `yaml:"created_at,omitempty"`
	Stemcell  string        `yaml:"stemcell,omitempty"`
	Addresses []NetworkFile `yaml:"addresses,omitempty"`
}

type DiskFile struct {
	CID             string         `yaml:"cid"`
	Name            string         `yaml:"name"`
	SizeMB          int            `yaml:"size_mb"`
	CloudProperties map[string]any `yaml:"cloud_properties,omitempty"`
}

type DiskSpecFile struct {
	Name            string         `yaml:"name"`
	SizeMB          int            `yaml:"size_mb"`
	CloudProperties map[string]any `yaml:"cloud_properties,omitempty"`
}

// NetworkFile is one reservation. An empty address asks for a dynamic one.
type NetworkFile struct {
	Network  string     `yaml:"network"`
	Address  netip.Addr `yaml:"address,omitempty"`
	Kind     ipam.Kind  `yaml:"kind,omitempty"`
	Obsolete bool       `yaml:"obsolete,omitempty"`
}

type VMSpecFile struct {
	Stemcell        string         `yaml:"stemcell"`
	CloudProperties map[string]any `yaml:"cloud_properties,omitempty"`
	Env             map[string]any `yaml:"env,omitempty"`
}

type DNSRecordFile struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// LoadPlanFile reads and validates a plan file.
func LoadPlanFile(path string) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return ParsePlanFile(data)
}

func ParsePlanFile(data []byte) (*PlanFile, error) {
	var pf PlanFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

func (pf *PlanFile) Validate() error {
	if strings.TrimSpace(pf.Deployment) == "" {
		return fmt.Errorf("plan: deployment is required")
	}
	if pf.Update.Canaries < 0 {
		return fmt.Errorf("plan: canaries must not be negative")
	}
	seen := make(map[string]bool, len(pf.Instances))
	for i, inst := range pf.Instances {
		if inst.Job == "" {
			return fmt.Errorf("plan: instance %d: job is required", i)
		}
		key := fmt.Sprintf("%s/%d", inst.Job, inst.Index)
		if seen[key] {
			return fmt.Errorf("plan: duplicate instance %s", key)
		}
		seen[key] = true
		if !inst.DesiredState.IsValid() {
			return fmt.Errorf("plan: instance %s: desired_state is required", key)
		}
		active := 0
		for _, vm := range inst.VMs {
			if vm.Active {
				active++
			}
		}
		if active > 1 {
			return fmt.Errorf("plan: instance %s has %d active vms", key, active)
		}
		for _, n := range inst.Networks {
			if n.Network == "" {
				return fmt.Errorf("plan: instance %s: network name is required", key)
			}
		}
	}
	return nil
}

// Plans converts the file into instance plans. The first Canaries instances
// are canaries.
func (pf *PlanFile) Plans() []*InstancePlan {
	var cfg *UpdateConfig
	if pf.Update.UpdateWatchTime.Max > 0 || pf.Update.CanaryWatchTime.Max > 0 {
		cfg = &UpdateConfig{
			CanaryWatchTime: pf.Update.CanaryWatchTime,
			UpdateWatchTime: pf.Update.UpdateWatchTime,
			MaxInFlight:     max(pf.Update.MaxInFlight, 1),
		}
	}

	plans := make([]*InstancePlan, 0, len(pf.Instances))
	for i, f := range pf.Instances {
		inst := &Instance{
			ID:         f.ID,
			Deployment: pf.Deployment,
			Job:        f.Job,
			Index:      f.Index,
			AZ:         f.AZ,
			State:      f.State,
			ApplySpec:  f.ApplySpec,
		}
		if !inst.State.IsValid() {
			inst.State = StateDetached
		}
		for _, vf := range f.VMs {
			vm := &VM{CID: vf.CID, AgentID: vf.AgentID, Active: vf.Active, CreatedAt: vf.CreatedAt, Stemcell: vf.Stemcell}
			for _, n := range vf.Addresses {
				vm.Addresses = append(vm.Addresses, n.reservation(inst))
			}
			inst.VMs = append(inst.VMs, vm)
		}
		if f.Disk != nil {
			inst.Disk = &PersistentDisk{CID: f.Disk.CID, Name: f.Disk.Name, SizeMB: f.Disk.SizeMB, CloudProperties: f.Disk.CloudProperties, Active: true}
		}

		plan := &InstancePlan{
			Instance:          inst,
			DesiredState:      f.DesiredState,
			Changes:           NewChangeSet(f.Changes...),
			New:               len(f.VMs) == 0 && inst.State != StateDetached,
			AlreadyDetached:   inst.State == StateDetached,
			ShuttingDown:      f.ShuttingDown,
			NeedsDisk:         f.PersistentDisk != nil,
			DNSChanged:        slices.Contains(f.Changes, ChangeDNS),
			CreateSwapDelete:  f.CreateSwapDelete,
			UnresponsiveAgent: f.UnresponsiveAgent,
			Recreate:          f.Recreate,
			Canary:            i < pf.Update.Canaries,
			SkipDrain:         f.SkipDrain,
			VM:                VMSpec{Stemcell: f.VM.Stemcell, CloudProperties: f.VM.CloudProperties, Env: f.VM.Env},
			Tags:              f.Tags,
			UpdateConfig:      cfg,
			ApplySpec:         f.ApplySpec,
			VariableSetID:     f.VariableSetID,
		}
		if f.PersistentDisk != nil {
			plan.Disk = &DiskSpec{Name: f.PersistentDisk.Name, SizeMB: f.PersistentDisk.SizeMB, CloudProperties: f.PersistentDisk.CloudProperties}
		}
		for _, n := range f.Networks {
			plan.Networks = append(plan.Networks, NetworkPlan{Reservation: n.reservation(inst), Obsolete: n.Obsolete})
		}
		for _, r := range f.DNS {
			plan.DNSRecords = append(plan.DNSRecords, DNSRecord{Name: r.Name, Addr: r.Address})
		}
		plans = append(plans, plan)
	}
	return plans
}

func (n NetworkFile) reservation(inst *Instance) *ipam.Reservation {
	kind := n.Kind
	if !kind.IsValid() {
		kind = ipam.KindDynamic
		if n.Address.IsValid() {
			kind = ipam.KindExisting
		}
	}
	return &ipam.Reservation{
		Addr:    n.Address,
		Network: n.Network,
		Kind:    kind,
		Static:  kind == ipam.KindStatic,
		Owner:   inst.Owner(),
		AZ:      inst.AZ,
	}
}
