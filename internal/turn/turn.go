// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package turn defines the lifecycle state of a single chat exchange and the
// event stream a transport produces while delivering it.
package turn

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TURN STATUS
// =============================================================================

// Status represents the current state of a turn.
type Status string

const (
	// StatusQueued indicates the turn is waiting behind another turn in the
	// same session.
	StatusQueued Status = "queued"

	// StatusSending indicates the turn has been handed to a transport but no
	// response content has arrived yet.
	StatusSending Status = "sending"

	// StatusStreaming indicates response content is arriving.
	StatusStreaming Status = "streaming"

	// StatusDone indicates the turn completed successfully.
	StatusDone Status = "done"

	// StatusErrored indicates the turn failed terminally.
	StatusErrored Status = "errored"

	// StatusCancelled indicates the user cancelled the turn.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusErrored || s == StatusCancelled
}

// Active reports whether a turn in this status occupies its session's
// single active slot.
func (s Status) Active() bool {
	return s == StatusSending || s == StatusStreaming
}

// legalTransitions maps each status to the statuses it may move to.
var legalTransitions = map[Status][]Status{
	StatusQueued:    {StatusSending, StatusCancelled},
	StatusSending:   {StatusStreaming, StatusDone, StatusErrored, StatusCancelled},
	StatusStreaming: {StatusDone, StatusErrored, StatusCancelled},
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyInput indicates a turn was created with no text and no attachment.
	ErrEmptyInput = errors.New("turn requires text or an attachment")

	// ErrBadTransition indicates an illegal status transition was attempted.
	ErrBadTransition = errors.New("illegal turn status transition")
)

// =============================================================================
// ATTACHMENT
// =============================================================================

// Attachment is an inline image reference carried with the outbound payload.
// A turn carries at most one.
type Attachment struct {
	// Ref is the image reference (data URI or upload handle).
	Ref string
}

// =============================================================================
// TURN
// =============================================================================

// Turn is one logical user-to-assistant exchange.
//
// All mutating methods are safe for concurrent use; the coordinator mutates a
// turn from its dispatch goroutine while the front-end reads snapshots.
type Turn struct {
	// ID is a locally generated identifier, unique within a session.
	ID string

	// SessionID is the conversation this turn belongs to.
	SessionID string

	// InputText is the outbound user text.
	InputText string

	// Attachment is the optional inline image reference.
	Attachment *Attachment

	mu        sync.Mutex
	status    Status
	partial   strings.Builder
	thinking  strings.Builder
	startedAt time.Time

	// Streaming statistics
	firstChunkAt time.Time
	chunkCount   int
}

// New creates a queued turn for the given session.
// Empty text is allowed only when an attachment is present.
func New(sessionID, text string, attachment *Attachment) (*Turn, error) {
	if strings.TrimSpace(text) == "" && attachment == nil {
		return nil, ErrEmptyInput
	}
	return &Turn{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		InputText:  text,
		Attachment: attachment,
		status:     StatusQueued,
	}, nil
}

// Status returns the current status.
func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the turn to a new status.
// Returns ErrBadTransition if the move is not legal (e.g. out of a terminal
// state, or streaming before sending).
func (t *Turn) SetStatus(next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == next {
		return nil
	}
	for _, allowed := range legalTransitions[t.status] {
		if allowed == next {
			t.status = next
			if next == StatusSending {
				t.startedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.status, next)
}

// AppendChunk appends response content in arrival order.
func (t *Turn) AppendChunk(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if text == "" {
		return
	}
	if t.firstChunkAt.IsZero() {
		t.firstChunkAt = time.Now()
	}
	t.chunkCount++
	t.partial.WriteString(text)
}

// AppendThinking appends reasoning content, accumulated separately from the
// response text.
func (t *Turn) AppendThinking(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thinking.WriteString(text)
}

// PartialText returns the response content accumulated so far.
func (t *Turn) PartialText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partial.String()
}

// ThinkingText returns the reasoning content accumulated so far.
func (t *Turn) ThinkingText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.thinking.String()
}

// StartedAt returns when the turn entered StatusSending, or the zero time if
// it has not been dispatched yet.
func (t *Turn) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// =============================================================================
// STREAMING STATISTICS
// =============================================================================

// Stats holds per-turn streaming statistics.
type Stats struct {
	Elapsed     time.Duration
	TimeToFirst time.Duration // Time from dispatch to first chunk
	ChunkCount  int
}

// Stats returns the streaming statistics collected so far.
func (t *Turn) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{ChunkCount: t.chunkCount}
	if !t.startedAt.IsZero() {
		s.Elapsed = time.Since(t.startedAt)
	}
	if !t.firstChunkAt.IsZero() && !t.startedAt.IsZero() {
		s.TimeToFirst = t.firstChunkAt.Sub(t.startedAt)
	}
	return s
}
