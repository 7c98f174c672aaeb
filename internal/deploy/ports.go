package deploy

import (
	"context"
	"time"

	"drydock/internal/ipam"
)

// CreateVMRequest is everything the cloud needs to boot a VM.
type CreateVMRequest struct {
	AgentID         string
	Stemcell        string
	CloudProperties map[string]any
	Networks        []*ipam.Reservation
	Env             map[string]any
	Metadata        map[string]string

	// DiskLocality lists disks the VM should be placed near.
	DiskLocality []string
}

// Cloud is the IaaS driver. Teardown calls report ErrVMNotFound,
// ErrDiskNotFound and ErrDiskNotAttached so callers can skip them.
type Cloud interface {
	CreateVM(ctx context.Context, req CreateVMRequest) (string, error)
	DeleteVM(ctx context.Context, vmCID string) error
	CreateDisk(ctx context.Context, sizeMB int, cloudProperties map[string]any, vmCID string) (string, error)
	DeleteDisk(ctx context.Context, diskCID string) error
	AttachDisk(ctx context.Context, vmCID, diskCID string) error
	DetachDisk(ctx context.Context, vmCID, diskCID string) error
	SnapshotDisk(ctx context.Context, diskCID string, metadata map[string]string) (string, error)
	SetVMMetadata(ctx context.Context, vmCID string, metadata map[string]string) error
	SetDiskMetadata(ctx context.Context, diskCID string, metadata map[string]string) error
}

// Agent talks to the process supervisor inside one VM.
type Agent interface {
	Apply(ctx context.Context, spec map[string]any) error
	Prepare(ctx context.Context, spec map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context, intent StopIntent) error
	// Drain returns seconds to wait. A negative value asks the caller to
	// poll DrainStatus after waiting its absolute value.
	Drain(ctx context.Context, kind string, spec map[string]any) (int, error)
	DrainStatus(ctx context.Context) (int, error)
	RunScript(ctx context.Context, name string, env map[string]string) error
	GetState(ctx context.Context) (AgentState, error)
	ListDisk(ctx context.Context) ([]string, error)
	MountDisk(ctx context.Context, diskCID string) error
	UnmountDisk(ctx context.Context, diskCID string) error
	MigrateDisk(ctx context.Context, fromCID, toCID string) error
	UpdateSettings(ctx context.Context, settings map[string]any) error
	WaitUntilReady(ctx context.Context) error
}

type AgentFactory interface {
	ForAgent(agentID string) Agent
}

// InstanceStore persists instance bookkeeping. Calls update the passed
// records in place as well as the backing store.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *Instance) error
	AddVM(ctx context.Context, inst *Instance, vm *VM) error
	// ActivateVM marks vm active and every other VM of inst inactive.
	ActivateVM(ctx context.Context, inst *Instance, vm *VM) error
	DeleteVM(ctx context.Context, inst *Instance, vm *VM) error
	// OrphanVM detaches vm from inst and keeps it for deferred cleanup.
	OrphanVM(ctx context.Context, inst *Instance, vm *VM) error
	SaveDisk(ctx context.Context, inst *Instance, disk *PersistentDisk) error
	DeleteDisk(ctx context.Context, inst *Instance, disk *PersistentDisk) error
}

// AddressPool is the slice of ipam.Provider the engine needs.
type AddressPool interface {
	Reserve(ctx context.Context, r *ipam.Reservation) error
	AllocateDynamic(ctx context.Context, r *ipam.Reservation) error
	Release(ctx context.Context, r *ipam.Reservation) error
}

var _ AddressPool = (*ipam.Provider)(nil)

type DNSUpdater interface {
	UpdateDNS(ctx context.Context, inst *Instance, records []DNSRecord) error
}

type LinksManager interface {
	BindLinks(ctx context.Context, inst *Instance) error
}

type TemplatePersister interface {
	PersistTemplates(ctx context.Context, plan *InstancePlan) error
}

type SnapshotManager interface {
	TakeSnapshot(ctx context.Context, inst *Instance, clean bool) error
}

// ConfigInterpolator resolves config-server placeholders in a property map.
type ConfigInterpolator interface {
	Interpolate(ctx context.Context, props map[string]any) (map[string]any, error)
}

type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock sleeps on the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deps bundles the collaborators an update needs.
type Deps struct {
	Cloud        Cloud
	Agents       AgentFactory
	Store        InstanceStore
	Addresses    AddressPool
	DNS          DNSUpdater
	Links        LinksManager
	Templates    TemplatePersister
	Snapshots    SnapshotManager
	Interpolator ConfigInterpolator
	Clock        Clock
}
