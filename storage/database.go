package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "trust.db"
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS trusted_peers (
  device_id               TEXT PRIMARY KEY,
  display_name            TEXT NOT NULL,
  device_type             TEXT NOT NULL DEFAULT '',
  certificate_fingerprint TEXT NOT NULL,
  paired_at               INTEGER NOT NULL,
  last_seen               INTEGER,
  last_known_ip           TEXT,
  last_known_port         INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type     TEXT NOT NULL,
  peer_device_id TEXT,
  details        TEXT NOT NULL,
  severity       TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_peer
ON security_events (peer_device_id, timestamp DESC, id DESC);
`,
}

// Store is a thin wrapper around a SQLite connection holding the trust
// database: paired peers and security events.
type Store struct {
	db *sql.DB

	securityEventRetention time.Duration
	closeOnce              sync.Once
}

// Open opens (or creates) trust.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) enableWALMode() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func nullString(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func nullInt64(value *int64) any {
	if value == nil || *value == 0 {
		return nil
	}
	return *value
}

func nullIntFromInt(value *int) any {
	if value == nil || *value == 0 {
		return nil
	}
	return *value
}
