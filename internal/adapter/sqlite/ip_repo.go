package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"

	"drydock/internal/ipam"
	pkgipam "drydock/pkg/ipam"
)

var _ ipam.Repo = (*IPRepo)(nil)

// IPRepo persists reservations in the ip_addresses table. An address is held
// by at most one owner per network; the primary key on (network, address) is
// what arbitrates between concurrent deploys.
type IPRepo struct {
	store *Store
}

func (s *Store) IPRepo() *IPRepo {
	return &IPRepo{store: s}
}

// AddressRecord is one row of ip_addresses.
type AddressRecord struct {
	Addr      netip.Addr
	Network   string
	Static    bool
	Kind      ipam.Kind
	Owner     ipam.Owner
	TaskID    string
	CreatedAt string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *IPRepo) Add(ctx context.Context, res *ipam.Reservation, _ *ipam.Subnet) error {
	err := r.insert(ctx, r.store.db, res)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("reserve %s: %w", res.Addr, err)
	}

	existing, found, err := r.get(ctx, res.Network, res.Addr)
	if err != nil {
		return err
	}
	if !found {
		// Released between our insert and the lookup.
		return ipam.ErrAllocationConflict
	}
	if existing.Owner != res.Owner {
		return &ipam.AlreadyInUseError{Addr: res.Addr, Network: res.Network, Owner: existing.Owner}
	}
	if existing.Static == res.Static {
		return nil
	}

	if _, err := r.store.db.ExecContext(ctx, `
		UPDATE ip_addresses SET static = ?, kind = ?
		WHERE network_name = ? AND address = ?`,
		res.Static, res.Kind.String(), res.Network, pkgipam.AddrKey(res.Addr),
	); err != nil {
		return fmt.Errorf("update reservation %s: %w", res.Addr, err)
	}
	r.store.log.Debug("Reconciled address reservation",
		"address", res.Addr, "network", res.Network, "static", res.Static, "previous_static", existing.Static)
	return nil
}

func (r *IPRepo) insert(ctx context.Context, db execer, res *ipam.Reservation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ip_addresses (
			network_name, address, static, kind,
			instance_id, deployment, job, instance_index, task_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Network, pkgipam.AddrKey(res.Addr), res.Static, res.Kind.String(),
		res.Owner.InstanceID, res.Owner.Deployment, res.Owner.Job, res.Owner.Index,
		res.TaskID, r.store.timestamp(),
	)
	return err
}

// AllocateDynamic claims the lowest address of s that is neither restricted,
// static, nor already held on the reservation's network. Losing the insert
// to another writer surfaces as ErrAllocationConflict for the provider to
// retry.
func (r *IPRepo) AllocateDynamic(ctx context.Context, res *ipam.Reservation, s *ipam.Subnet) (netip.Addr, error) {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("begin allocation on %s: %w", s, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT address FROM ip_addresses
		WHERE network_name = ? AND address BETWEEN ? AND ?
		ORDER BY address`,
		res.Network, pkgipam.AddrKey(s.Range.First()), pkgipam.AddrKey(s.Range.Last()),
	)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list held addresses in %s: %w", s, err)
	}
	var taken []netip.Addr
	for rows.Next() {
		var key []byte
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return netip.Addr{}, fmt.Errorf("scan held address in %s: %w", s, err)
		}
		addr, err := pkgipam.AddrFromKey(key)
		if err != nil {
			rows.Close()
			return netip.Addr{}, err
		}
		taken = append(taken, addr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return netip.Addr{}, fmt.Errorf("iterate held addresses in %s: %w", s, err)
	}

	candidate, ok := s.FirstFree(taken)
	if !ok {
		return netip.Addr{}, nil
	}

	claim := *res
	claim.Addr = candidate
	claim.Kind = ipam.KindDynamic
	claim.Static = false
	if err := r.insert(ctx, tx, &claim); err != nil {
		if isUniqueViolation(err) {
			return netip.Addr{}, ipam.ErrAllocationConflict
		}
		return netip.Addr{}, fmt.Errorf("claim %s: %w", claim.Addr, err)
	}
	if err := tx.Commit(); err != nil {
		return netip.Addr{}, fmt.Errorf("commit claim %s: %w", claim.Addr, err)
	}
	return claim.Addr, nil
}

func (r *IPRepo) Delete(ctx context.Context, res *ipam.Reservation, _ *ipam.Subnet) error {
	result, err := r.store.db.ExecContext(ctx, `
		DELETE FROM ip_addresses WHERE network_name = ? AND address = ?`,
		res.Network, pkgipam.AddrKey(res.Addr))
	if err != nil {
		return fmt.Errorf("release %s: %w", res.Addr, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		r.store.log.Debug("Address was not reserved, skipping release", "address", res.Addr, "network", res.Network)
	}
	return nil
}

// List returns the reservations of network, or of every network when network
// is empty, in address order.
func (r *IPRepo) List(ctx context.Context, network string) ([]AddressRecord, error) {
	query := `
		SELECT address, network_name, static, kind, instance_id, deployment, job, instance_index, task_id, created_at
		FROM ip_addresses`
	var args []any
	if network != "" {
		query += ` WHERE network_name = ?`
		args = append(args, network)
	}
	query += ` ORDER BY address, network_name`

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var out []AddressRecord
	for rows.Next() {
		rec, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate addresses: %w", err)
	}
	return out, nil
}

// Release removes addr from network regardless of owner. It reports whether
// a row existed.
func (r *IPRepo) Release(ctx context.Context, network string, addr netip.Addr) (bool, error) {
	result, err := r.store.db.ExecContext(ctx, `
		DELETE FROM ip_addresses WHERE network_name = ? AND address = ?`,
		network, pkgipam.AddrKey(addr))
	if err != nil {
		return false, fmt.Errorf("release %s: %w", addr, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", addr, err)
	}
	return n > 0, nil
}

func (r *IPRepo) get(ctx context.Context, network string, addr netip.Addr) (AddressRecord, bool, error) {
	row := r.store.db.QueryRowContext(ctx, `
		SELECT address, network_name, static, kind, instance_id, deployment, job, instance_index, task_id, created_at
		FROM ip_addresses WHERE network_name = ? AND address = ?`, network, pkgipam.AddrKey(addr))
	rec, err := scanAddress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AddressRecord{}, false, nil
	}
	if err != nil {
		return AddressRecord{}, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAddress(row scanner) (AddressRecord, error) {
	var (
		rec  AddressRecord
		key  []byte
		kind string
	)
	err := row.Scan(&key, &rec.Network, &rec.Static, &kind,
		&rec.Owner.InstanceID, &rec.Owner.Deployment, &rec.Owner.Job, &rec.Owner.Index,
		&rec.TaskID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AddressRecord{}, err
	}
	if err != nil {
		return AddressRecord{}, fmt.Errorf("scan address: %w", err)
	}
	if rec.Addr, err = pkgipam.AddrFromKey(key); err != nil {
		return AddressRecord{}, err
	}
	if rec.Kind, err = ipam.ParseKind(kind); err != nil {
		return AddressRecord{}, fmt.Errorf("address %s: %w", rec.Addr, err)
	}
	return rec, nil
}
