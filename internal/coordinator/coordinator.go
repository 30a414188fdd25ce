// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coordinator owns the single source of truth for what is being
// sent or streamed per session, serializes concurrent input into FIFO
// queues, and drives transport attempts to a terminal outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/courier/internal/store"
	"github.com/jeranaias/courier/internal/transport"
	"github.com/jeranaias/courier/internal/turn"
)

// DefaultTurnTimeout bounds how long a turn may stay in sending/streaming
// with no terminal event before it is force-failed locally.
const DefaultTurnTimeout = 3 * time.Minute

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCancelled resolves a handle whose turn the user cancelled.
	ErrCancelled = errors.New("turn cancelled")

	// ErrTimeout resolves a handle whose turn hit the local ceiling.
	ErrTimeout = errors.New("turn timed out")
)

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher produces one uniform event sequence per turn. The transport
// selector is the production implementation; tests script their own.
type Dispatcher interface {
	Attempt(ctx context.Context, t *turn.Turn) *transport.Attempt
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle tracks one submitted turn through to its terminal state.
type Handle struct {
	t    *turn.Turn
	done chan struct{}

	mu       sync.Mutex
	err      error
	fullText string
	model    string
}

// Turn returns the underlying turn for status and partial-text snapshots.
func (h *Handle) Turn() *turn.Turn { return h.t }

// Done is closed when the turn reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the final response text and error. Valid after Done.
func (h *Handle) Result() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fullText, h.err
}

// Model returns the serving model reported on success. Valid after Done.
func (h *Handle) Model() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.model
}

// Wait blocks until the turn is terminal or ctx expires.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *Handle) resolve(fullText, model string, err error) {
	h.mu.Lock()
	h.fullText = fullText
	h.model = model
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// =============================================================================
// COORDINATOR
// =============================================================================

// running is a session's active turn.
type running struct {
	handle    *Handle
	cancelReq chan struct{}
	cancelled bool
}

// Coordinator serializes turns per session and reconciles transport
// outcomes into the persistence bridge. At most one turn per session is
// sending or streaming at any instant; the rest wait in FIFO order.
type Coordinator struct {
	dispatcher Dispatcher
	bridge     *store.Bridge
	timeout    time.Duration

	// onEvent receives every forwarded turn event for display. Optional.
	onEvent func(sessionID string, ev turn.Event)

	mu     sync.Mutex
	active map[string]*running
	queues map[string][]*Handle
}

// New creates a coordinator over the dispatcher and bridge.
func New(dispatcher Dispatcher, bridge *store.Bridge) *Coordinator {
	return &Coordinator{
		dispatcher: dispatcher,
		bridge:     bridge,
		timeout:    DefaultTurnTimeout,
		active:     make(map[string]*running),
		queues:     make(map[string][]*Handle),
	}
}

// WithTimeout overrides the local turn ceiling.
func (c *Coordinator) WithTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// SetTimeout changes the local turn ceiling for turns dispatched after the
// call. In-flight turns keep the ceiling they started with.
func (c *Coordinator) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

func (c *Coordinator) turnTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// OnEvent registers the display callback. Safe to call while turns are
// running.
func (c *Coordinator) OnEvent(fn func(sessionID string, ev turn.Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Submit creates a turn for the session and either dispatches it
// immediately or appends it to the session's FIFO queue. Empty text
// requires an attachment.
func (c *Coordinator) Submit(sessionID, text string, attachment *turn.Attachment) (*Handle, error) {
	t, err := turn.New(sessionID, text, attachment)
	if err != nil {
		return nil, err
	}
	h := &Handle{t: t, done: make(chan struct{})}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[sessionID] != nil {
		c.queues[sessionID] = append(c.queues[sessionID], h)
		return h, nil
	}
	c.startLocked(sessionID, h)
	return h, nil
}

// CancelActive aborts the session's active turn, if any. Cancelling with
// nothing active is a no-op.
func (c *Coordinator) CancelActive(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.active[sessionID]
	if r == nil || r.cancelled {
		return
	}
	r.cancelled = true
	close(r.cancelReq)
}

// Active reports whether the session has a turn in flight.
func (c *Coordinator) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[sessionID] != nil
}

// startLocked installs a handle as the session's active turn and launches
// its run loop. Caller holds c.mu.
func (c *Coordinator) startLocked(sessionID string, h *Handle) {
	r := &running{handle: h, cancelReq: make(chan struct{})}
	c.active[sessionID] = r
	go c.run(sessionID, r)
}

// next dequeues the session's next pending turn, if any.
func (c *Coordinator) next(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.queues[sessionID]
	if len(queue) == 0 {
		delete(c.active, sessionID)
		return
	}
	c.queues[sessionID] = queue[1:]
	c.startLocked(sessionID, queue[0])
}

// =============================================================================
// RUN LOOP
// =============================================================================

// run drives one turn to a terminal state: marker, user message, transport
// attempt, event application, terminal reconciliation, then the next queued
// turn. Every outcome is resolved here; nothing escapes.
func (c *Coordinator) run(sessionID string, r *running) {
	defer c.next(sessionID)

	h := r.handle
	t := h.t

	// Marker first: its pre-turn count is the history length at this
	// instant, and a crash between here and the terminal event must be
	// recoverable.
	preCount, err := c.bridge.MessageCount(sessionID)
	if err != nil {
		log.Printf("coordinator: failed to read history length: %v", err)
	}
	if err := c.bridge.SetPendingMarker(store.PendingMarker{
		SessionID:           sessionID,
		PreTurnMessageCount: preCount,
		CreatedAt:           time.Now(),
	}); err != nil {
		log.Printf("coordinator: failed to set pending marker: %v", err)
	}

	_ = t.SetStatus(turn.StatusSending)
	if err := c.bridge.AppendMessage(sessionID, "user", t.InputText, ""); err != nil {
		log.Printf("coordinator: failed to persist user message: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	att := c.dispatcher.Attempt(ctx, t)
	timer := time.NewTimer(c.turnTimeout())
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-att.Events:
			if !ok {
				if r.cancelled {
					c.finishCancelled(sessionID, t, h)
				} else {
					c.finishErrored(sessionID, t, h, "connection interrupted")
				}
				return
			}
			if done := c.apply(sessionID, t, h, ev); done {
				return
			}

		case <-timer.C:
			att.Abort()
			cancel()
			c.finishTimeout(sessionID, t, h)
			return

		case <-r.cancelReq:
			att.Abort()
			cancel()
			c.finishCancelled(sessionID, t, h)
			return
		}
	}
}

// apply folds one event into turn state. Returns true when terminal.
func (c *Coordinator) apply(sessionID string, t *turn.Turn, h *Handle, ev turn.Event) bool {
	switch ev.Kind {
	case turn.EventChunk:
		_ = t.SetStatus(turn.StatusStreaming)
		t.AppendChunk(ev.Text)
	case turn.EventThinking:
		_ = t.SetStatus(turn.StatusStreaming)
		t.AppendThinking(ev.Text)
	case turn.EventStatus, turn.EventToolActivity, turn.EventUIDirective:
		// Informational and side-channel events pass straight through.
	case turn.EventDone:
		c.forward(sessionID, ev)
		c.finishDone(sessionID, t, h, ev)
		return true
	case turn.EventError:
		c.finishErrored(sessionID, t, h, ev.Message)
		return true
	}
	c.forward(sessionID, ev)
	return false
}

// forward hands an event to the display callback. The callback runs
// outside the lock so it may call back into the coordinator.
func (c *Coordinator) forward(sessionID string, ev turn.Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(sessionID, ev)
	}
}

// =============================================================================
// TERMINAL OUTCOMES
// =============================================================================

// finishDone reconciles a successful turn: assistant message, marker clear,
// handle resolution.
func (c *Coordinator) finishDone(sessionID string, t *turn.Turn, h *Handle, ev turn.Event) {
	_ = t.SetStatus(turn.StatusDone)

	text := ev.FullText
	if text == "" {
		text = t.PartialText()
	}
	if err := c.bridge.AppendMessage(sessionID, "assistant", text, ev.Model); err != nil {
		log.Printf("coordinator: failed to persist response: %v", err)
	}
	c.clearMarker()
	h.resolve(text, ev.Model, nil)
}

// finishErrored reconciles a terminal failure. Partial content already
// streamed is preserved, marked incomplete; otherwise a prefixed error
// entry is appended. One history entry either way.
func (c *Coordinator) finishErrored(sessionID string, t *turn.Turn, h *Handle, message string) {
	_ = t.SetStatus(turn.StatusErrored)

	if partial := t.PartialText(); partial != "" {
		err := c.bridge.Append(sessionID, store.Message{
			Role:       "assistant",
			Text:       partial,
			Timestamp:  time.Now(),
			Incomplete: true,
		})
		if err != nil {
			log.Printf("coordinator: failed to persist partial response: %v", err)
		}
	} else {
		if err := c.bridge.AppendMessage(sessionID, "system", "Error: "+message, ""); err != nil {
			log.Printf("coordinator: failed to persist error notice: %v", err)
		}
	}
	c.clearMarker()
	c.forward(sessionID, turn.ErrorEvent(message))
	h.resolve(t.PartialText(), "", fmt.Errorf("turn failed: %s", message))
}

// finishTimeout is a mid-stream failure that originates locally.
func (c *Coordinator) finishTimeout(sessionID string, t *turn.Turn, h *Handle) {
	_ = t.SetStatus(turn.StatusErrored)

	if partial := t.PartialText(); partial != "" {
		err := c.bridge.Append(sessionID, store.Message{
			Role:       "assistant",
			Text:       partial,
			Timestamp:  time.Now(),
			Incomplete: true,
		})
		if err != nil {
			log.Printf("coordinator: failed to persist partial response: %v", err)
		}
	} else {
		if err := c.bridge.AppendMessage(sessionID, "system", "Error: timed out", ""); err != nil {
			log.Printf("coordinator: failed to persist timeout notice: %v", err)
		}
	}
	c.clearMarker()
	c.forward(sessionID, turn.ErrorEvent("timed out"))
	h.resolve(t.PartialText(), "", ErrTimeout)
}

// finishCancelled reconciles a user cancellation: not an error, one
// synthetic notice, immediate dispatch of the next queued turn.
func (c *Coordinator) finishCancelled(sessionID string, t *turn.Turn, h *Handle) {
	_ = t.SetStatus(turn.StatusCancelled)

	if err := c.bridge.AppendMessage(sessionID, "system", "Response cancelled.", ""); err != nil {
		log.Printf("coordinator: failed to persist cancellation notice: %v", err)
	}
	c.clearMarker()
	c.forward(sessionID, turn.StatusEvent("cancelled"))
	h.resolve(t.PartialText(), "", ErrCancelled)
}

func (c *Coordinator) clearMarker() {
	if err := c.bridge.ClearPendingMarker(); err != nil {
		log.Printf("coordinator: failed to clear pending marker: %v", err)
	}
}
