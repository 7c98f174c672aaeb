package docker

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/google/uuid"

	"drydock/internal/deploy"
)

const (
	labelSizeMB         = "drydock.size_mb"
	labelSnapshotSource = "drydock.snapshot_of"
)

func (c *Cloud) CreateDisk(ctx context.Context, sizeMB int, cloudProperties map[string]any, vmCID string) (string, error) {
	name := "drydock-disk-" + uuid.NewString()
	labels := map[string]string{
		labelManaged: "true",
		labelSizeMB:  strconv.Itoa(sizeMB),
	}
	opts := volume.CreateOptions{Name: name, Labels: labels}
	if driver, ok := cloudProperties["driver"].(string); ok {
		opts.Driver = driver
	}
	vol, err := c.cli.VolumeCreate(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("create disk for vm %s: %w", vmCID, err)
	}
	c.log.Debug("Created disk", "cid", vol.Name, "size_mb", sizeMB, "vm", vmCID)
	return vol.Name, nil
}

func (c *Cloud) DeleteDisk(ctx context.Context, diskCID string) error {
	if err := c.cli.VolumeRemove(ctx, diskCID, false); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("delete disk %s: %w", diskCID, deploy.ErrDiskNotFound)
		}
		return fmt.Errorf("delete disk %s: %w", diskCID, err)
	}
	c.mu.Lock()
	delete(c.diskMetadata, diskCID)
	c.mu.Unlock()
	return nil
}

func (c *Cloud) AttachDisk(ctx context.Context, vmCID, diskCID string) error {
	if err := c.requireVM(ctx, vmCID); err != nil {
		return err
	}
	if err := c.requireDisk(ctx, diskCID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	disks, ok := c.attachments[vmCID]
	if !ok {
		disks = make(map[string]struct{})
		c.attachments[vmCID] = disks
	}
	disks[diskCID] = struct{}{}
	return nil
}

func (c *Cloud) DetachDisk(ctx context.Context, vmCID, diskCID string) error {
	if err := c.requireVM(ctx, vmCID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.attachments[vmCID][diskCID]; !ok {
		return fmt.Errorf("detach disk %s from %s: %w", diskCID, vmCID, deploy.ErrDiskNotAttached)
	}
	delete(c.attachments[vmCID], diskCID)
	return nil
}

// SnapshotDisk copies the volume into a new labelled volume with a short-lived
// helper container.
func (c *Cloud) SnapshotDisk(ctx context.Context, diskCID string, metadata map[string]string) (string, error) {
	if err := c.requireDisk(ctx, diskCID); err != nil {
		return "", err
	}
	labels := map[string]string{labelManaged: "true", labelSnapshotSource: diskCID}
	for k, v := range metadata {
		labels[labelMetadata+k] = v
	}
	snap, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{Name: "drydock-snap-" + uuid.NewString(), Labels: labels})
	if err != nil {
		return "", fmt.Errorf("create snapshot volume of %s: %w", diskCID, err)
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{Image: c.helperImage, Cmd: []string{"cp", "-a", "/src/.", "/dst/"}, Labels: map[string]string{labelManaged: "true"}},
		&container.HostConfig{Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: diskCID, Target: "/src", ReadOnly: true},
			{Type: mount.TypeVolume, Source: snap.Name, Target: "/dst"},
		}},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create snapshot helper for %s: %w", diskCID, err)
	}
	defer func() {
		_ = c.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
	}()

	waitCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start snapshot helper for %s: %w", diskCID, err)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errCh:
		return "", fmt.Errorf("wait for snapshot of %s: %w", diskCID, err)
	case res := <-waitCh:
		if res.StatusCode != 0 {
			return "", fmt.Errorf("snapshot of %s: copy exited with %d", diskCID, res.StatusCode)
		}
	}
	return snap.Name, nil
}

func (c *Cloud) SetDiskMetadata(ctx context.Context, diskCID string, metadata map[string]string) error {
	if err := c.requireDisk(ctx, diskCID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diskMetadata[diskCID] = maps.Clone(metadata)
	return nil
}

func (c *Cloud) requireVM(ctx context.Context, vmCID string) error {
	if _, err := c.cli.ContainerInspect(ctx, vmCID); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("vm %s: %w", vmCID, deploy.ErrVMNotFound)
		}
		return fmt.Errorf("inspect vm %s: %w", vmCID, err)
	}
	return nil
}

func (c *Cloud) requireDisk(ctx context.Context, diskCID string) error {
	if _, err := c.cli.VolumeInspect(ctx, diskCID); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("disk %s: %w", diskCID, deploy.ErrDiskNotFound)
		}
		return fmt.Errorf("inspect disk %s: %w", diskCID, err)
	}
	return nil
}
