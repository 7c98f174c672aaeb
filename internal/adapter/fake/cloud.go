package fake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"drydock/internal/adapter/fake/fault"
	"drydock/internal/check"
	"drydock/internal/deploy"
)

const (
	FaultCloudCreateVM        = "cloud.CreateVM"
	FaultCloudDeleteVM        = "cloud.DeleteVM"
	FaultCloudCreateDisk      = "cloud.CreateDisk"
	FaultCloudDeleteDisk      = "cloud.DeleteDisk"
	FaultCloudAttachDisk      = "cloud.AttachDisk"
	FaultCloudDetachDisk      = "cloud.DetachDisk"
	FaultCloudSnapshotDisk    = "cloud.SnapshotDisk"
	FaultCloudSetVMMetadata   = "cloud.SetVMMetadata"
	FaultCloudSetDiskMetadata = "cloud.SetDiskMetadata"
)

var _ deploy.Cloud = (*Cloud)(nil)

// CloudVM is the fake cloud's view of one VM.
type CloudVM struct {
	CID      string
	Request  deploy.CreateVMRequest
	Disks    []string
	Metadata map[string]string
}

type cloudDisk struct {
	sizeMB   int
	attached string
	metadata map[string]string
}

// Cloud is an in-memory IaaS. Teardown of unknown VMs and disks reports the
// deploy not-found errors the way a real driver does.
type Cloud struct {
	CallRecorder
	Timeline *Timeline
	faults   *fault.Injector

	mu        sync.Mutex
	nextID    int
	vms       map[string]*CloudVM
	disks     map[string]*cloudDisk
	snapshots []string
}

func NewCloud(faults *fault.Injector) *Cloud {
	if faults == nil {
		faults = fault.NewInjector()
	}
	return &Cloud{
		faults: faults,
		vms:    make(map[string]*CloudVM),
		disks:  make(map[string]*cloudDisk),
	}
}

func (c *Cloud) call(method string, args ...any) error {
	c.record(method, args...)
	c.Timeline.note("cloud", method, args...)
	return c.faults.Eval("cloud."+method, args...)
}

func (c *Cloud) id(prefix string) string {
	c.nextID++
	return fmt.Sprintf("%s-%d", prefix, c.nextID)
}

func (c *Cloud) CreateVM(_ context.Context, req deploy.CreateVMRequest) (string, error) {
	if err := c.call("CreateVM", req.AgentID); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cid := c.id("vm")
	c.vms[cid] = &CloudVM{CID: cid, Request: req, Metadata: maps.Clone(req.Metadata)}
	return cid, nil
}

func (c *Cloud) DeleteVM(_ context.Context, vmCID string) error {
	if err := c.call("DeleteVM", vmCID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, ok := c.vms[vmCID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vmCID, deploy.ErrVMNotFound)
	}
	for _, d := range vm.Disks {
		if disk, ok := c.disks[d]; ok {
			disk.attached = ""
		}
	}
	delete(c.vms, vmCID)
	return nil
}

func (c *Cloud) CreateDisk(_ context.Context, sizeMB int, _ map[string]any, vmCID string) (string, error) {
	if err := c.call("CreateDisk", sizeMB, vmCID); err != nil {
		return "", err
	}
	check.Assert(sizeMB > 0, "Cloud.CreateDisk: size must be positive")
	c.mu.Lock()
	defer c.mu.Unlock()
	cid := c.id("disk")
	c.disks[cid] = &cloudDisk{sizeMB: sizeMB}
	return cid, nil
}

func (c *Cloud) DeleteDisk(_ context.Context, diskCID string) error {
	if err := c.call("DeleteDisk", diskCID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	disk, ok := c.disks[diskCID]
	if !ok {
		return fmt.Errorf("disk %s: %w", diskCID, deploy.ErrDiskNotFound)
	}
	if disk.attached != "" {
		return fmt.Errorf("disk %s is attached to %s", diskCID, disk.attached)
	}
	delete(c.disks, diskCID)
	return nil
}

func (c *Cloud) AttachDisk(_ context.Context, vmCID, diskCID string) error {
	if err := c.call("AttachDisk", vmCID, diskCID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, ok := c.vms[vmCID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vmCID, deploy.ErrVMNotFound)
	}
	disk, ok := c.disks[diskCID]
	if !ok {
		return fmt.Errorf("disk %s: %w", diskCID, deploy.ErrDiskNotFound)
	}
	if disk.attached != "" && disk.attached != vmCID {
		return fmt.Errorf("disk %s is attached to %s", diskCID, disk.attached)
	}
	disk.attached = vmCID
	if !slices.Contains(vm.Disks, diskCID) {
		vm.Disks = append(vm.Disks, diskCID)
	}
	return nil
}

func (c *Cloud) DetachDisk(_ context.Context, vmCID, diskCID string) error {
	if err := c.call("DetachDisk", vmCID, diskCID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, ok := c.vms[vmCID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vmCID, deploy.ErrVMNotFound)
	}
	disk, ok := c.disks[diskCID]
	if !ok || disk.attached != vmCID {
		return fmt.Errorf("disk %s on %s: %w", diskCID, vmCID, deploy.ErrDiskNotAttached)
	}
	disk.attached = ""
	vm.Disks = slices.DeleteFunc(vm.Disks, func(d string) bool { return d == diskCID })
	return nil
}

func (c *Cloud) SnapshotDisk(_ context.Context, diskCID string, _ map[string]string) (string, error) {
	if err := c.call("SnapshotDisk", diskCID); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.disks[diskCID]; !ok {
		return "", fmt.Errorf("disk %s: %w", diskCID, deploy.ErrDiskNotFound)
	}
	cid := c.id("snap")
	c.snapshots = append(c.snapshots, cid)
	return cid, nil
}

func (c *Cloud) SetVMMetadata(_ context.Context, vmCID string, metadata map[string]string) error {
	if err := c.call("SetVMMetadata", vmCID, metadata); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, ok := c.vms[vmCID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vmCID, deploy.ErrVMNotFound)
	}
	vm.Metadata = maps.Clone(metadata)
	return nil
}

func (c *Cloud) SetDiskMetadata(_ context.Context, diskCID string, metadata map[string]string) error {
	if err := c.call("SetDiskMetadata", diskCID, metadata); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	disk, ok := c.disks[diskCID]
	if !ok {
		return fmt.Errorf("disk %s: %w", diskCID, deploy.ErrDiskNotFound)
	}
	disk.metadata = maps.Clone(metadata)
	return nil
}

// AddVM seeds a VM that exists before the test starts.
func (c *Cloud) AddVM(cid string, diskCIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vms[cid] = &CloudVM{CID: cid, Disks: slices.Clone(diskCIDs)}
	for _, d := range diskCIDs {
		c.disks[d] = &cloudDisk{sizeMB: 1024, attached: cid}
	}
}

// AddDisk seeds an unattached disk.
func (c *Cloud) AddDisk(cid string, sizeMB int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disks[cid] = &cloudDisk{sizeMB: sizeMB}
}

// VM returns a copy of the VM, or false when it does not exist.
func (c *Cloud) VM(cid string) (CloudVM, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, ok := c.vms[cid]
	if !ok {
		return CloudVM{}, false
	}
	out := *vm
	out.Disks = slices.Clone(vm.Disks)
	out.Metadata = maps.Clone(vm.Metadata)
	return out, true
}

func (c *Cloud) VMCIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.vms))
}

// DiskAttachment returns the VM a disk is attached to, or "".
func (c *Cloud) DiskAttachment(diskCID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	disk, ok := c.disks[diskCID]
	if !ok {
		return "", false
	}
	return disk.attached, true
}

func (c *Cloud) DiskMetadata(diskCID string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if disk, ok := c.disks[diskCID]; ok {
		return maps.Clone(disk.metadata)
	}
	return nil
}

func (c *Cloud) Snapshots() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.snapshots)
}
