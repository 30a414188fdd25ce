// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is a Backend kept entirely in memory. It satisfies the same
// synchronous-write contract trivially and backs tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Message
	updated  map[string]time.Time
	marker   *PendingMarker
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]Message),
		updated:  make(map[string]time.Time),
	}
}

// SaveHistory replaces a session's history wholesale.
func (s *MemoryStore) SaveHistory(sessionID string, history []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append([]Message(nil), history...)
	s.updated[sessionID] = time.Now()
	return nil
}

// History returns a session's history, empty when unknown.
func (s *MemoryStore) History(sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sessions[sessionID]...), nil
}

// MessageCount returns a session's history length.
func (s *MemoryStore) MessageCount(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[sessionID]), nil
}

// SetMarker writes the single pending-marker slot.
func (s *MemoryStore) SetMarker(m PendingMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marker = &m
	return nil
}

// ClearMarker empties the slot.
func (s *MemoryStore) ClearMarker() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marker = nil
	return nil
}

// Marker returns the slot's contents, or nil when empty.
func (s *MemoryStore) Marker() (*PendingMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marker == nil {
		return nil, nil
	}
	m := *s.marker
	return &m, nil
}

// Sessions lists sessions, most recently updated first.
func (s *MemoryStore) Sessions() ([]SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas := make([]SessionMeta, 0, len(s.sessions))
	for id, history := range s.sessions {
		metas = append(metas, SessionMeta{
			ID:           id,
			MessageCount: len(history),
			UpdatedAt:    s.updated[id],
			Preview:      preview(history),
		})
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
