package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS ip_addresses (
	network_name TEXT NOT NULL,
	address BLOB NOT NULL,
	static INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	instance_id TEXT NOT NULL DEFAULT '',
	deployment TEXT NOT NULL DEFAULT '',
	job TEXT NOT NULL DEFAULT '',
	instance_index INTEGER NOT NULL DEFAULT 0,
	task_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (network_name, address)
);
CREATE INDEX IF NOT EXISTS ip_addresses_address ON ip_addresses (address);

CREATE TABLE IF NOT EXISTS instances (
	name TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL DEFAULT '',
	deployment TEXT NOT NULL,
	job TEXT NOT NULL,
	instance_index INTEGER NOT NULL,
	az TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	variable_set TEXT NOT NULL DEFAULT '',
	apply_spec TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vms (
	cid TEXT PRIMARY KEY,
	instance_name TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 0,
	stemcell TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS vms_instance ON vms (instance_name);

CREATE TABLE IF NOT EXISTS orphaned_vms (
	cid TEXT PRIMARY KEY,
	instance_name TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	orphaned_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS persistent_disks (
	cid TEXT PRIMARY KEY,
	instance_name TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	size_mb INTEGER NOT NULL,
	cloud_properties TEXT NOT NULL DEFAULT '{}',
	active INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dns_records (
	name TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	instance_name TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS dns_records_instance ON dns_records (instance_name);

CREATE TABLE IF NOT EXISTS snapshots (
	cid TEXT PRIMARY KEY,
	disk_cid TEXT NOT NULL,
	instance_name TEXT NOT NULL,
	clean INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`

// Store is the director database: address reservations and instance
// bookkeeping in one SQLite file shared by every deploy process on the host.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	// busy_timeout goes in the DSN so every pooled connection waits on locks.
	// Immediate transactions take the write lock up front, so a read inside
	// one cannot go stale before the write that depends on it.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}

	return &Store{db: db, log: slog.Default(), now: time.Now}, nil
}

// WithLogger sets the logger used for skipped and idempotent operations.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
