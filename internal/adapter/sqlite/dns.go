package sqlite

import (
	"context"
	"fmt"

	"drydock/internal/deploy"
)

var _ deploy.DNSUpdater = (*DNSRecords)(nil)

// DNSRecords publishes instance records to the director database, where the
// local resolver picks them up.
type DNSRecords struct {
	store *Store
}

func (s *Store) DNSRecords() *DNSRecords {
	return &DNSRecords{store: s}
}

// UpdateDNS replaces every record owned by inst with records.
func (d *DNSRecords) UpdateDNS(ctx context.Context, inst *deploy.Instance, records []deploy.DNSRecord) error {
	tx, err := d.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dns update for %s: %w", inst.Name(), err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dns_records WHERE instance_name = ?`, inst.Name()); err != nil {
		return fmt.Errorf("clear dns records of %s: %w", inst.Name(), err)
	}
	now := d.store.timestamp()
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dns_records (name, address, instance_name, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				address = excluded.address,
				instance_name = excluded.instance_name,
				updated_at = excluded.updated_at`,
			r.Name, r.Addr, inst.Name(), now,
		); err != nil {
			return fmt.Errorf("publish dns record %s: %w", r.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dns update for %s: %w", inst.Name(), err)
	}
	d.store.log.Debug("Published DNS records", "instance", inst.Name(), "count", len(records))
	return nil
}

// Records lists the records owned by instance, ordered by name.
func (d *DNSRecords) Records(ctx context.Context, instance string) ([]deploy.DNSRecord, error) {
	rows, err := d.store.db.QueryContext(ctx, `
		SELECT name, address FROM dns_records WHERE instance_name = ? ORDER BY name`, instance)
	if err != nil {
		return nil, fmt.Errorf("list dns records of %s: %w", instance, err)
	}
	defer rows.Close()

	var out []deploy.DNSRecord
	for rows.Next() {
		var r deploy.DNSRecord
		if err := rows.Scan(&r.Name, &r.Addr); err != nil {
			return nil, fmt.Errorf("scan dns record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dns records of %s: %w", instance, err)
	}
	return out, nil
}
