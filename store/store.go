// Package store persists the last live mining session so it can be offered
// for restore after the client restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"powfaucet/faucet"
)

// ErrNotFound is returned by Load when no session is stored.
var ErrNotFound = errors.New("no stored session")

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stored_session (
	slot        INTEGER PRIMARY KEY CHECK (slot = 0),
	session_id  TEXT    NOT NULL,
	target_addr TEXT    NOT NULL,
	start_time  INTEGER NOT NULL,
	balance     TEXT    NOT NULL,
	pre_image   TEXT    NOT NULL DEFAULT '',
	saved_at    INTEGER NOT NULL
);
`

// SQLiteStore keeps at most one stored session in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the session database at path. Use
// ":memory:" for a throwaway database.
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var current int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current)
	if err == nil && current >= SchemaVersion {
		return nil
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
	return err
}

// Load returns the stored session, or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context) (*faucet.StoredSessionInfo, error) {
	var (
		info    faucet.StoredSessionInfo
		balance string
		savedAt int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, target_addr, start_time, balance, pre_image, saved_at
		FROM stored_session WHERE slot = 0`).
		Scan(&info.SessionID, &info.TargetAddr, &info.StartTime, &balance, &info.PreImage, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stored session: %w", err)
	}

	if _, err := fmt.Sscan(balance, &info.Balance); err != nil {
		return nil, fmt.Errorf("corrupt stored balance %q: %w", balance, err)
	}
	info.SavedAt = time.Unix(savedAt, 0)
	return &info, nil
}

// Save replaces the stored session with info.
func (s *SQLiteStore) Save(ctx context.Context, info faucet.SessionInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stored_session (slot, session_id, target_addr, start_time, balance, pre_image, saved_at)
		VALUES (0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			session_id = excluded.session_id,
			target_addr = excluded.target_addr,
			start_time = excluded.start_time,
			balance = excluded.balance,
			pre_image = excluded.pre_image,
			saved_at = excluded.saved_at`,
		info.SessionID, info.TargetAddr, info.StartTime,
		fmt.Sprint(info.Balance), info.PreImage, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear removes the stored session. Clearing an empty store is not an error.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM stored_session"); err != nil {
		return fmt.Errorf("failed to clear stored session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
