// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides durable per-session chat history and the single
// pending-marker slot that survives client restarts.
package store

import (
	"strings"
	"time"
)

// DefaultSessionID is the reserved id of the primary, unnamed session.
const DefaultSessionID = "main"

// DefaultMaxHistory bounds a session's stored history; the oldest entries are
// dropped beyond it.
const DefaultMaxHistory = 200

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one rendered history entry: a prior turn's role/text/model
// record, a synthetic notice, or a recovered response.
type Message struct {
	Role      string    `json:"role"` // "user", "assistant", "system"
	Text      string    `json:"text"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Recovered marks an assistant message reconciled by the recovery agent
	// rather than observed live on a transport.
	Recovered bool `json:"recovered,omitempty"`

	// Incomplete marks partial content preserved from a mid-stream failure.
	Incomplete bool `json:"incomplete,omitempty"`
}

// SessionMeta describes a stored session for listings.
type SessionMeta struct {
	ID           string
	MessageCount int
	UpdatedAt    time.Time
	Preview      string // First user message, truncated
}

// =============================================================================
// PENDING MARKER
// =============================================================================

// PendingMarker is the durable record that a turn's terminal event may not
// have been observed by this client instance. A single slot exists per
// client; it is written the instant a turn starts sending and cleared on the
// first observed terminal event.
type PendingMarker struct {
	SessionID           string    `json:"session_id"`
	PreTurnMessageCount int       `json:"pre_turn_message_count"`
	CreatedAt           time.Time `json:"created_at"`
}

// Expired reports whether the marker is older than the given ceiling at the
// given instant. An expired marker is discarded without reconciliation.
func (m PendingMarker) Expired(now time.Time, ceiling time.Duration) bool {
	return now.Sub(m.CreatedAt) > ceiling
}

// =============================================================================
// BACKEND
// =============================================================================

// Backend is the durable key/value layer beneath the bridge. Writes must be
// synchronous: the next operation after a write may be process exit.
type Backend interface {
	// SaveHistory replaces a session's stored history wholesale. Branch,
	// rollback and edit flows rewrite history from outside this core; the
	// bridge funnels its own appends through the same path.
	SaveHistory(sessionID string, history []Message) error

	// History returns a session's stored history, empty when unknown.
	History(sessionID string) ([]Message, error)

	// MessageCount returns a session's stored history length.
	MessageCount(sessionID string) (int, error)

	// SetMarker writes the single pending-marker slot.
	SetMarker(m PendingMarker) error

	// ClearMarker empties the slot. Clearing an empty slot is a no-op.
	ClearMarker() error

	// Marker returns the slot's contents, or nil when empty.
	Marker() (*PendingMarker, error)

	// Sessions lists stored sessions, most recently updated first.
	Sessions() ([]SessionMeta, error)

	// Close releases the backend.
	Close() error
}

// preview derives a listing preview from the first user message.
func preview(history []Message) string {
	for _, m := range history {
		if m.Role == "user" && m.Text != "" {
			return truncate(strings.ReplaceAll(m.Text, "\n", " "), 80)
		}
	}
	return ""
}

// truncate shortens s to maxLen runes, appending "..." when cut.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
