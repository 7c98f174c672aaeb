package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"drydock/internal/deploy"
)

var _ deploy.InstanceStore = (*InstanceStore)(nil)

// InstanceStore keeps instance, VM and disk bookkeeping in the director
// database. Every call also updates the passed records in place.
type InstanceStore struct {
	store *Store
}

func (s *Store) InstanceStore() *InstanceStore {
	return &InstanceStore{store: s}
}

// OrphanedVM is a VM detached from its instance and awaiting cleanup.
type OrphanedVM struct {
	CID        string
	Instance   string
	AgentID    string
	OrphanedAt time.Time
}

func (s *InstanceStore) SaveInstance(ctx context.Context, inst *deploy.Instance) error {
	spec, err := encodeJSON(inst.ApplySpec)
	if err != nil {
		return fmt.Errorf("encode apply spec for %s: %w", inst.Name(), err)
	}
	_, err = s.store.db.ExecContext(ctx, `
		INSERT INTO instances (name, instance_id, deployment, job, instance_index, az, state, variable_set, apply_spec, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			instance_id = excluded.instance_id,
			deployment = excluded.deployment,
			job = excluded.job,
			instance_index = excluded.instance_index,
			az = excluded.az,
			state = excluded.state,
			variable_set = excluded.variable_set,
			apply_spec = excluded.apply_spec,
			updated_at = excluded.updated_at`,
		inst.Name(), inst.ID, inst.Deployment, inst.Job, inst.Index, inst.AZ,
		inst.State.String(), inst.VariableSetID, spec, s.store.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.Name(), err)
	}
	return nil
}

func (s *InstanceStore) AddVM(ctx context.Context, inst *deploy.Instance, vm *deploy.VM) error {
	if slices.Contains(inst.VMs, vm) {
		return fmt.Errorf("vm %s already belongs to %s", vm.CID, inst.Name())
	}
	created := vm.CreatedAt
	if created.IsZero() {
		created = s.store.now()
	}
	_, err := s.store.db.ExecContext(ctx, `
		INSERT INTO vms (cid, instance_name, agent_id, active, stemcell, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		vm.CID, inst.Name(), vm.AgentID, vm.Active, vm.Stemcell, created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("vm %s is already recorded", vm.CID)
		}
		return fmt.Errorf("add vm %s to %s: %w", vm.CID, inst.Name(), err)
	}
	inst.VMs = append(inst.VMs, vm)
	return nil
}

func (s *InstanceStore) ActivateVM(ctx context.Context, inst *deploy.Instance, vm *deploy.VM) error {
	if !slices.Contains(inst.VMs, vm) {
		return fmt.Errorf("vm %s does not belong to %s", vm.CID, inst.Name())
	}
	if _, err := s.store.db.ExecContext(ctx, `
		UPDATE vms SET active = (cid = ?) WHERE instance_name = ?`,
		vm.CID, inst.Name(),
	); err != nil {
		return fmt.Errorf("activate vm %s: %w", vm.CID, err)
	}
	for _, other := range inst.VMs {
		other.Active = other == vm
	}
	return nil
}

func (s *InstanceStore) DeleteVM(ctx context.Context, inst *deploy.Instance, vm *deploy.VM) error {
	if _, err := s.store.db.ExecContext(ctx, `DELETE FROM vms WHERE cid = ?`, vm.CID); err != nil {
		return fmt.Errorf("delete vm %s: %w", vm.CID, err)
	}
	inst.VMs = slices.DeleteFunc(inst.VMs, func(other *deploy.VM) bool { return other == vm })
	return nil
}

func (s *InstanceStore) OrphanVM(ctx context.Context, inst *deploy.Instance, vm *deploy.VM) error {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin orphan vm %s: %w", vm.CID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vms WHERE cid = ?`, vm.CID); err != nil {
		return fmt.Errorf("orphan vm %s: %w", vm.CID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orphaned_vms (cid, instance_name, agent_id, orphaned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cid) DO NOTHING`,
		vm.CID, inst.Name(), vm.AgentID, s.store.timestamp(),
	); err != nil {
		return fmt.Errorf("orphan vm %s: %w", vm.CID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit orphan vm %s: %w", vm.CID, err)
	}

	inst.VMs = slices.DeleteFunc(inst.VMs, func(other *deploy.VM) bool { return other == vm })
	vm.Active = false
	return nil
}

func (s *InstanceStore) SaveDisk(ctx context.Context, inst *deploy.Instance, disk *deploy.PersistentDisk) error {
	props, err := encodeJSON(disk.CloudProperties)
	if err != nil {
		return fmt.Errorf("encode cloud properties for disk %s: %w", disk.CID, err)
	}
	_, err = s.store.db.ExecContext(ctx, `
		INSERT INTO persistent_disks (cid, instance_name, name, size_mb, cloud_properties, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			instance_name = excluded.instance_name,
			name = excluded.name,
			size_mb = excluded.size_mb,
			cloud_properties = excluded.cloud_properties,
			active = excluded.active`,
		disk.CID, inst.Name(), disk.Name, disk.SizeMB, props, disk.Active,
	)
	if err != nil {
		return fmt.Errorf("save disk %s: %w", disk.CID, err)
	}
	return nil
}

func (s *InstanceStore) DeleteDisk(ctx context.Context, inst *deploy.Instance, disk *deploy.PersistentDisk) error {
	if _, err := s.store.db.ExecContext(ctx, `DELETE FROM persistent_disks WHERE cid = ?`, disk.CID); err != nil {
		return fmt.Errorf("delete disk %s: %w", disk.CID, err)
	}
	if inst.Disk == disk {
		inst.Disk = nil
	}
	return nil
}

// Instance loads the named instance with its VMs and active disk. VM
// addresses are not stored here; they live in ip_addresses.
func (s *InstanceStore) Instance(ctx context.Context, name string) (*deploy.Instance, error) {
	var (
		inst  deploy.Instance
		state string
		spec  string
	)
	err := s.store.db.QueryRowContext(ctx, `
		SELECT instance_id, deployment, job, instance_index, az, state, variable_set, apply_spec
		FROM instances WHERE name = ?`, name,
	).Scan(&inst.ID, &inst.Deployment, &inst.Job, &inst.Index, &inst.AZ, &state, &inst.VariableSetID, &spec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", name, err)
	}
	if inst.State, err = deploy.ParseInstanceState(state); err != nil {
		return nil, fmt.Errorf("instance %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(spec), &inst.ApplySpec); err != nil {
		return nil, fmt.Errorf("decode apply spec for %s: %w", name, err)
	}

	rows, err := s.store.db.QueryContext(ctx, `
		SELECT cid, agent_id, active, stemcell, created_at
		FROM vms WHERE instance_name = ? ORDER BY created_at, cid`, name)
	if err != nil {
		return nil, fmt.Errorf("load vms of %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			vm      deploy.VM
			created string
		)
		if err := rows.Scan(&vm.CID, &vm.AgentID, &vm.Active, &vm.Stemcell, &created); err != nil {
			return nil, fmt.Errorf("scan vm of %s: %w", name, err)
		}
		vm.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		inst.VMs = append(inst.VMs, &vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vms of %s: %w", name, err)
	}

	var (
		disk  deploy.PersistentDisk
		props string
	)
	err = s.store.db.QueryRowContext(ctx, `
		SELECT cid, name, size_mb, cloud_properties, active
		FROM persistent_disks WHERE instance_name = ? AND active = 1`, name,
	).Scan(&disk.CID, &disk.Name, &disk.SizeMB, &props, &disk.Active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load disk of %s: %w", name, err)
	default:
		if err := json.Unmarshal([]byte(props), &disk.CloudProperties); err != nil {
			return nil, fmt.Errorf("decode disk properties for %s: %w", name, err)
		}
		inst.Disk = &disk
	}
	return &inst, nil
}

func (s *InstanceStore) OrphanedVMs(ctx context.Context) ([]OrphanedVM, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT cid, instance_name, agent_id, orphaned_at FROM orphaned_vms ORDER BY orphaned_at, cid`)
	if err != nil {
		return nil, fmt.Errorf("list orphaned vms: %w", err)
	}
	defer rows.Close()

	var out []OrphanedVM
	for rows.Next() {
		var (
			vm OrphanedVM
			at string
		)
		if err := rows.Scan(&vm.CID, &vm.Instance, &vm.AgentID, &at); err != nil {
			return nil, fmt.Errorf("scan orphaned vm: %w", err)
		}
		vm.OrphanedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned vms: %w", err)
	}
	return out, nil
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
