// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// PERSISTENCE BRIDGE
// =============================================================================

// Bridge keeps the active session's history in memory and writes every
// mutation through to the durable backend before returning. The write is
// never deferred: the operation after an append may be process exit.
type Bridge struct {
	mu         sync.Mutex
	backend    Backend
	active     string
	history    []Message
	maxHistory int
}

// NewBridge creates a bridge over the backend with the default session
// active, loading its stored history into memory.
func NewBridge(backend Backend, maxHistory int) (*Bridge, error) {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}

	history, err := backend.History(DefaultSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}

	return &Bridge{
		backend:    backend,
		active:     DefaultSessionID,
		history:    history,
		maxHistory: maxHistory,
	}, nil
}

// ActiveSession returns the id of the session currently held in memory.
func (b *Bridge) ActiveSession() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// AppendMessage appends a role/text/model record to the session's history,
// trims to the bounded length (dropping oldest), and writes through.
func (b *Bridge) AppendMessage(sessionID, role, text, model string) error {
	return b.Append(sessionID, Message{
		Role:      role,
		Text:      text,
		Model:     model,
		Timestamp: time.Now(),
	})
}

// Append appends a prepared message to the session's history and writes
// through. Appends to a non-active session load, modify and save that
// session's stored history without disturbing the in-memory copy.
func (b *Bridge) Append(sessionID string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID == b.active {
		b.history = trimHistory(append(b.history, msg), b.maxHistory)
		return b.backend.SaveHistory(sessionID, b.history)
	}

	history, err := b.backend.History(sessionID)
	if err != nil {
		return err
	}
	return b.backend.SaveHistory(sessionID, trimHistory(append(history, msg), b.maxHistory))
}

// History returns a snapshot of the session's history.
func (b *Bridge) History(sessionID string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID == b.active {
		return append([]Message(nil), b.history...), nil
	}
	return b.backend.History(sessionID)
}

// MessageCount returns the session's current history length.
func (b *Bridge) MessageCount(sessionID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID == b.active {
		return len(b.history), nil
	}
	return b.backend.MessageCount(sessionID)
}

// SwitchSession snapshots the in-memory history under fromID, then loads
// toID's stored history into memory. Callers must switch before any
// re-render of the new session.
func (b *Bridge) SwitchSession(fromID, toID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fromID != b.active {
		return fmt.Errorf("switch from %q but active session is %q", fromID, b.active)
	}
	if err := b.backend.SaveHistory(fromID, b.history); err != nil {
		return fmt.Errorf("failed to snapshot session %q: %w", fromID, err)
	}

	history, err := b.backend.History(toID)
	if err != nil {
		return fmt.Errorf("failed to load session %q: %w", toID, err)
	}
	b.active = toID
	b.history = history
	return nil
}

// SetPendingMarker writes the single pending-marker slot.
func (b *Bridge) SetPendingMarker(m PendingMarker) error {
	return b.backend.SetMarker(m)
}

// ClearPendingMarker empties the slot. Clearing an empty slot is a no-op.
func (b *Bridge) ClearPendingMarker() error {
	return b.backend.ClearMarker()
}

// PendingMarker returns the slot's contents, or nil when empty.
func (b *Bridge) PendingMarker() (*PendingMarker, error) {
	return b.backend.Marker()
}

// Sessions lists stored sessions. The active session's in-memory state is
// flushed first so the listing reflects it.
func (b *Bridge) Sessions() ([]SessionMeta, error) {
	b.mu.Lock()
	if err := b.backend.SaveHistory(b.active, b.history); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()
	return b.backend.Sessions()
}

// Close flushes the active session and releases the backend.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.backend.SaveHistory(b.active, b.history); err != nil {
		return err
	}
	return b.backend.Close()
}

// trimHistory drops the oldest entries beyond max.
func trimHistory(history []Message, max int) []Message {
	if len(history) <= max {
		return history
	}
	return append([]Message(nil), history[len(history)-max:]...)
}
