// Package opstate persists the small amount of device state that must
// survive a restart: the clock offset learned from network time and the
// unit's instance ID. Values are strings under a namespace/key pair.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the state database at dbPath, creating the schema on
// first use. The parent directory must exist.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM device_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO device_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Namespace returns a view of the store scoped to one namespace.
func (s *Store) Namespace(name string) Namespace {
	return Namespace{store: s, name: name}
}

// Namespace is a store view bound to a single namespace.
type Namespace struct {
	store *Store
	name  string
}

// Get returns the value for key, or "" if it is not set.
func (n Namespace) Get(key string) (string, error) {
	return n.store.Get(n.name, key)
}

// Set stores value under key.
func (n Namespace) Set(key, value string) error {
	return n.store.Set(n.name, key, value)
}

// GetTime returns the time stored under key. ok is false if the key is
// not set.
func (n Namespace) GetTime(key string) (t time.Time, ok bool, err error) {
	v, err := n.Get(key)
	if err != nil || v == "" {
		return time.Time{}, false, err
	}
	t, err = time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s/%s: %w", n.name, key, err)
	}
	return t, true, nil
}

// SetTime stores t under key in UTC.
func (n Namespace) SetTime(key string, t time.Time) error {
	return n.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// GetDuration returns the duration stored under key. ok is false if the
// key is not set.
func (n Namespace) GetDuration(key string) (d time.Duration, ok bool, err error) {
	v, err := n.Get(key)
	if err != nil || v == "" {
		return 0, false, err
	}
	d, err = time.ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s/%s: %w", n.name, key, err)
	}
	return d, true, nil
}

// SetDuration stores d under key.
func (n Namespace) SetDuration(key string, d time.Duration) error {
	return n.Set(key, d.String())
}
