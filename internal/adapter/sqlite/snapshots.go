package sqlite

import (
	"context"
	"fmt"
	"strconv"

	"drydock/internal/deploy"
)

var _ deploy.SnapshotManager = (*Snapshots)(nil)

// DiskSnapshotter is the slice of the cloud the snapshot manager needs.
type DiskSnapshotter interface {
	SnapshotDisk(ctx context.Context, diskCID string, metadata map[string]string) (string, error)
}

// Snapshots takes disk snapshots through the cloud and records them.
type Snapshots struct {
	store *Store
	cloud DiskSnapshotter
}

func (s *Store) Snapshots(cloud DiskSnapshotter) *Snapshots {
	return &Snapshots{store: s, cloud: cloud}
}

func (s *Snapshots) TakeSnapshot(ctx context.Context, inst *deploy.Instance, clean bool) error {
	disk := inst.Disk
	if disk == nil {
		return nil
	}
	cid, err := s.cloud.SnapshotDisk(ctx, disk.CID, map[string]string{
		"deployment":     inst.Deployment,
		"job":            inst.Job,
		"index":          strconv.Itoa(inst.Index),
		"instance_id":    inst.ID,
		"director_clean": strconv.FormatBool(clean),
	})
	if err != nil {
		return fmt.Errorf("snapshot disk %s: %w", disk.CID, err)
	}
	if _, err := s.store.db.ExecContext(ctx, `
		INSERT INTO snapshots (cid, disk_cid, instance_name, clean, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cid, disk.CID, inst.Name(), clean, s.store.timestamp(),
	); err != nil {
		return fmt.Errorf("record snapshot %s: %w", cid, err)
	}
	s.store.log.Info("Took disk snapshot", "instance", inst.Name(), "disk", disk.CID, "snapshot", cid)
	return nil
}

// List returns snapshot cids of instance, oldest first.
func (s *Snapshots) List(ctx context.Context, instance string) ([]string, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT cid FROM snapshots WHERE instance_name = ? ORDER BY created_at, cid`, instance)
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", instance, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, cid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots of %s: %w", instance, err)
	}
	return out, nil
}
