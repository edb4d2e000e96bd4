// Package localstate persists the small amount of device-local state that
// must survive restarts: the per-zone change token, the pending invite code
// while waiting for a partner, and the one-time subscriptions flag per
// zone. Backed by a single-table SQLite database.
package localstate

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	keyPendingInvite = "pending_invite_code"
	keyChangeToken   = "change_token:"  // + zone name
	keySubscriptions = "subscriptions:" // + zone name
)

// Store is the durable key-value state for one device.
type Store struct {
	db *sql.DB
}

// Open creates or opens the state database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init local state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM device_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO device_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM device_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ChangeToken returns the persisted change token for a zone, or "" when the
// device has never completed a sync of that zone.
func (s *Store) ChangeToken(zone string) (string, error) {
	value, _, err := s.get(keyChangeToken + zone)
	return value, err
}

// SetChangeToken persists the change token for a zone.
func (s *Store) SetChangeToken(zone, token string) error {
	return s.set(keyChangeToken+zone, token)
}

// ClearChangeToken discards the persisted token, forcing the next sync to
// start from a full fetch.
func (s *Store) ClearChangeToken(zone string) error {
	return s.delete(keyChangeToken + zone)
}

// PendingInviteCode returns the invite code the device is waiting on, if
// any.
func (s *Store) PendingInviteCode() (string, bool, error) {
	return s.get(keyPendingInvite)
}

// SetPendingInviteCode records the invite code so the waiting-for-partner
// state survives a restart.
func (s *Store) SetPendingInviteCode(code string) error {
	return s.set(keyPendingInvite, code)
}

// ClearPendingInviteCode removes the pending code once the group is ready.
func (s *Store) ClearPendingInviteCode() error {
	return s.delete(keyPendingInvite)
}

// SubscriptionsConfigured reports whether change subscriptions were already
// set up for a zone.
func (s *Store) SubscriptionsConfigured(zone string) (bool, error) {
	_, ok, err := s.get(keySubscriptions + zone)
	return ok, err
}

// MarkSubscriptionsConfigured records the one-time subscription setup.
func (s *Store) MarkSubscriptionsConfigured(zone string) error {
	return s.set(keySubscriptions+zone, "1")
}
