package deploy

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"drydock/internal/ipam"
)

// VM is one cloud VM record of an instance. During create-swap-delete an
// instance owns several; exactly one is active once an update completes.
type VM struct {
	CID       string
	AgentID   string
	Active    bool
	CreatedAt time.Time
	Stemcell  string
	Addresses []*ipam.Reservation
}

type PersistentDisk struct {
	CID             string
	Name            string
	SizeMB          int
	CloudProperties map[string]any
	Active          bool
}

type Instance struct {
	ID            string
	Deployment    string
	Job           string
	Index         int
	AZ            string
	State         InstanceState
	VMs           []*VM
	Disk          *PersistentDisk
	ApplySpec     map[string]any
	VariableSetID string
}

func (i *Instance) Name() string {
	if i.ID != "" {
		return i.Job + "/" + i.ID
	}
	return i.Job + "/" + strconv.Itoa(i.Index)
}

func (i *Instance) Owner() ipam.Owner {
	return ipam.Owner{InstanceID: i.ID, Deployment: i.Deployment, Job: i.Job, Index: i.Index}
}

func (i *Instance) ActiveVM() *VM {
	for _, vm := range i.VMs {
		if vm.Active {
			return vm
		}
	}
	return nil
}

func (i *Instance) activeCount() int {
	n := 0
	for _, vm := range i.VMs {
		if vm.Active {
			n++
		}
	}
	return n
}

// ChangeSet is the set of differences the planner found.
type ChangeSet []Change

func NewChangeSet(changes ...Change) ChangeSet {
	out := slices.Clone(changes)
	slices.Sort(out)
	return slices.Compact(out)
}

func (c ChangeSet) Has(ch Change) bool { return slices.Contains(c, ch) }

func (c ChangeSet) HasAny(chs ...Change) bool {
	return slices.ContainsFunc(chs, c.Has)
}

// Only reports whether the set is non-empty and contained in allowed.
func (c ChangeSet) Only(allowed ...Change) bool {
	if len(c) == 0 {
		return false
	}
	for _, ch := range c {
		if !slices.Contains(allowed, ch) {
			return false
		}
	}
	return true
}

func (c ChangeSet) String() string {
	names := make([]string, 0, len(c))
	for _, ch := range c {
		names = append(names, ch.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// NetworkPlan is one reservation the instance should hold, or an obsolete
// one it should give up.
type NetworkPlan struct {
	Reservation *ipam.Reservation
	Obsolete    bool
}

type VMSpec struct {
	Stemcell        string
	CloudProperties map[string]any
	Env             map[string]any
}

type DiskSpec struct {
	Name            string
	SizeMB          int
	CloudProperties map[string]any
}

type DNSRecord struct {
	Name string
	Addr string
}

// WatchTime bounds how long an instance may take to reach its desired state.
type WatchTime struct {
	Min time.Duration
	Max time.Duration
}

// ParseWatchTime reads "1000-30000" (milliseconds) or a single value used
// for both bounds.
func ParseWatchTime(raw string) (WatchTime, error) {
	raw = strings.TrimSpace(raw)
	lo, hi, ranged := strings.Cut(raw, "-")
	if !ranged {
		hi = lo
	}
	minMS, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return WatchTime{}, fmt.Errorf("parse watch time %q: %w", raw, err)
	}
	maxMS, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return WatchTime{}, fmt.Errorf("parse watch time %q: %w", raw, err)
	}
	if minMS < 0 || maxMS < minMS {
		return WatchTime{}, fmt.Errorf("parse watch time %q: need 0 <= min <= max", raw)
	}
	return WatchTime{Min: time.Duration(minMS) * time.Millisecond, Max: time.Duration(maxMS) * time.Millisecond}, nil
}

func (w WatchTime) String() string {
	return fmt.Sprintf("%d-%d", w.Min.Milliseconds(), w.Max.Milliseconds())
}

func (w WatchTime) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *WatchTime) UnmarshalText(text []byte) error {
	parsed, err := ParseWatchTime(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

type UpdateConfig struct {
	CanaryWatchTime WatchTime
	UpdateWatchTime WatchTime
	MaxInFlight     int
}

// WatchTimeFor picks the canary or regular watch budget.
func (u *UpdateConfig) WatchTimeFor(canary bool) WatchTime {
	if canary {
		return u.CanaryWatchTime
	}
	return u.UpdateWatchTime
}

// InstancePlan is the planner's verdict for one instance: where it is, where
// it should be, and what differs.
type InstancePlan struct {
	Instance     *Instance
	DesiredState InstanceState
	Changes      ChangeSet

	New               bool
	AlreadyDetached   bool
	ShuttingDown      bool
	NeedsDisk         bool
	DNSChanged        bool
	CreateSwapDelete  bool
	UnresponsiveAgent bool
	Recreate          bool
	Canary            bool
	SkipDrain         bool

	Networks     []NetworkPlan
	VM           VMSpec
	Disk         *DiskSpec
	Tags         map[string]string
	UpdateConfig *UpdateConfig
	ApplySpec    map[string]any
	DNSRecords   []DNSRecord

	// VariableSetID is the config-server variable set the instance moves to.
	VariableSetID string
}

// NeedsRecreate reports whether the active VM has to be replaced.
func (p *InstancePlan) NeedsRecreate() bool {
	if p.Recreate || p.UnresponsiveAgent {
		return true
	}
	if p.Instance != nil && p.Instance.ActiveVM() == nil && p.DesiredState != StateDetached {
		return true
	}
	return p.Changes.HasAny(recreateChanges...)
}

// DesiredReservations are the reservations the instance keeps.
func (p *InstancePlan) DesiredReservations() []*ipam.Reservation {
	var out []*ipam.Reservation
	for _, n := range p.Networks {
		if !n.Obsolete {
			out = append(out, n.Reservation)
		}
	}
	return out
}

func (p *InstancePlan) ObsoleteReservations() []*ipam.Reservation {
	var out []*ipam.Reservation
	for _, n := range p.Networks {
		if n.Obsolete {
			out = append(out, n.Reservation)
		}
	}
	return out
}

// AgentState is what the agent reports about its processes.
type AgentState struct {
	JobState  string
	Processes []ProcessState
}

type ProcessState struct {
	Name  string
	State string
}

func (s AgentState) Running() bool { return s.JobState == "running" }

func (s AgentState) NotRunning() []string {
	var out []string
	for _, p := range s.Processes {
		if p.State != "running" {
			out = append(out, p.Name)
		}
	}
	return out
}

