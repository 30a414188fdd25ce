// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// schema is applied on open. History is stored as one JSON document per
// session; the marker lives in a single-row table constrained to slot 0.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	history       TEXT NOT NULL,
	message_count INTEGER NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_marker (
	slot           INTEGER PRIMARY KEY CHECK (slot = 0),
	session_id     TEXT NOT NULL,
	pre_turn_count INTEGER NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
`

// SQLiteStore is the durable Backend, built on modernc.org/sqlite.
// RELIABILITY: synchronous=FULL so a write that returned has hit disk.
type SQLiteStore struct {
	db     *sql.DB
	closed bool
}

// OpenSQLite opens (creating if needed) the store at the given path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Single connection: the store is mutated by one logical turn at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveHistory replaces a session's stored history wholesale.
func (s *SQLiteStore) SaveHistory(sessionID string, history []Message) error {
	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, history, message_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			history = excluded.history,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		sessionID, string(data), len(history), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// History returns a session's stored history, empty when unknown.
func (s *SQLiteStore) History(sessionID string) ([]Message, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}

	var data string
	err := s.db.QueryRow(`SELECT history FROM sessions WHERE id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var history []Message
	if err := json.Unmarshal([]byte(data), &history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return history, nil
}

// MessageCount returns a session's stored history length.
func (s *SQLiteStore) MessageCount(sessionID string) (int, error) {
	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int
	err := s.db.QueryRow(`SELECT message_count FROM sessions WHERE id = ?`, sessionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// SetMarker writes the single pending-marker slot.
func (s *SQLiteStore) SetMarker(m PendingMarker) error {
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO pending_marker (slot, session_id, pre_turn_count, created_at)
		VALUES (0, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			session_id = excluded.session_id,
			pre_turn_count = excluded.pre_turn_count,
			created_at = excluded.created_at`,
		m.SessionID, m.PreTurnMessageCount, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to set marker: %w", err)
	}
	return nil
}

// ClearMarker empties the slot. Clearing an empty slot is a no-op.
func (s *SQLiteStore) ClearMarker() error {
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.Exec(`DELETE FROM pending_marker WHERE slot = 0`); err != nil {
		return fmt.Errorf("failed to clear marker: %w", err)
	}
	return nil
}

// Marker returns the slot's contents, or nil when empty.
func (s *SQLiteStore) Marker() (*PendingMarker, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}

	var m PendingMarker
	err := s.db.QueryRow(
		`SELECT session_id, pre_turn_count, created_at FROM pending_marker WHERE slot = 0`).
		Scan(&m.SessionID, &m.PreTurnMessageCount, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load marker: %w", err)
	}
	return &m, nil
}

// Sessions lists stored sessions, most recently updated first.
func (s *SQLiteStore) Sessions() ([]SessionMeta, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(
		`SELECT id, history, message_count, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var metas []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		var data string
		if err := rows.Scan(&meta.ID, &data, &meta.MessageCount, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var history []Message
		if err := json.Unmarshal([]byte(data), &history); err == nil {
			meta.Preview = preview(history)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
