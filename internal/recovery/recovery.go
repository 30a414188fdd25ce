// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package recovery reconciles a pending marker left behind by an
// interrupted turn against the server's record, so a response that
// completed server-side during a reload or disconnect still lands in
// local history exactly once.
package recovery

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/courier/internal/api"
	"github.com/jeranaias/courier/internal/store"
	"github.com/jeranaias/courier/internal/turn"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultMarkerCeiling is the marker age beyond which recovery is
	// abandoned without contacting the server.
	DefaultMarkerCeiling = 5 * time.Minute

	// DefaultPollInterval paces lookups against the server.
	DefaultPollInterval = 2500 * time.Millisecond

	// DefaultMaxAttempts bounds one recovery cycle.
	DefaultMaxAttempts = 8
)

// =============================================================================
// LOOKUP
// =============================================================================

// Lookup answers "what is the last message in this session, and how many
// messages does the session hold" from the server's point of view. The API
// client is the production implementation.
type Lookup interface {
	LastMessage(ctx context.Context, sessionID string) (*api.LastMessage, error)
}

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome classifies how a recovery cycle ended.
type Outcome string

const (
	// OutcomeIdle means there was no marker to recover.
	OutcomeIdle Outcome = "idle"
	// OutcomeResolved means the server-side response was retrieved.
	OutcomeResolved Outcome = "resolved"
	// OutcomeExpired means the marker outlived the ceiling.
	OutcomeExpired Outcome = "expired"
	// OutcomeExhausted means polling gave up with the turn unresolved.
	OutcomeExhausted Outcome = "exhausted"
)

// =============================================================================
// AGENT
// =============================================================================

// Agent runs at most one recovery cycle at a time. Triggers while a cycle
// is in flight are no-ops, so startup, duplex reopen, and manual triggers
// can all fire it without coordination.
type Agent struct {
	bridge *store.Bridge
	lookup Lookup

	ceiling     time.Duration
	interval    time.Duration
	maxAttempts int

	// active reports whether the marker's session has a turn in flight.
	// While it does, the coordinator owns the marker and the agent must
	// not touch it: adopting the server-side record of a turn that is
	// still streaming locally would land the response twice.
	active func(sessionID string) bool

	// notify surfaces recovery outcomes to the display. Optional.
	notify func(sessionID string, ev turn.Event)

	mu      sync.Mutex
	running bool
}

// New creates a recovery agent over the bridge and lookup.
func New(bridge *store.Bridge, lookup Lookup) *Agent {
	return &Agent{
		bridge:      bridge,
		lookup:      lookup,
		ceiling:     DefaultMarkerCeiling,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
	}
}

// WithCeiling overrides the marker age ceiling.
func (a *Agent) WithCeiling(d time.Duration) *Agent {
	if d > 0 {
		a.ceiling = d
	}
	return a
}

// WithPolling overrides the poll interval and attempt bound.
func (a *Agent) WithPolling(interval time.Duration, attempts int) *Agent {
	if interval > 0 {
		a.interval = interval
	}
	if attempts > 0 {
		a.maxAttempts = attempts
	}
	return a
}

// WithActiveCheck wires the in-flight turn predicate; the coordinator's
// Active method is the production implementation. Without it the agent
// assumes no turn is in flight.
func (a *Agent) WithActiveCheck(fn func(sessionID string) bool) *Agent {
	a.mu.Lock()
	a.active = fn
	a.mu.Unlock()
	return a
}

// OnNotify registers the display callback. Safe to call while a cycle is
// running.
func (a *Agent) OnNotify(fn func(sessionID string, ev turn.Event)) {
	a.mu.Lock()
	a.notify = fn
	a.mu.Unlock()
}

// SetTuning changes the ceiling and polling parameters for cycles started
// after the call. Zero or negative values leave the current setting.
func (a *Agent) SetTuning(ceiling, interval time.Duration, attempts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ceiling > 0 {
		a.ceiling = ceiling
	}
	if interval > 0 {
		a.interval = interval
	}
	if attempts > 0 {
		a.maxAttempts = attempts
	}
}

// tuning snapshots the parameters for one cycle.
func (a *Agent) tuning() (time.Duration, time.Duration, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ceiling, a.interval, a.maxAttempts
}

func (a *Agent) turnInFlight(sessionID string) bool {
	a.mu.Lock()
	fn := a.active
	a.mu.Unlock()
	return fn != nil && fn(sessionID)
}

// Run executes one recovery cycle. Safe to call from any goroutine; a
// concurrent cycle makes this call return OutcomeIdle immediately.
func (a *Agent) Run(ctx context.Context) Outcome {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return OutcomeIdle
	}
	a.running = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	return a.cycle(ctx)
}

func (a *Agent) cycle(ctx context.Context) Outcome {
	ceiling, interval, maxAttempts := a.tuning()

	marker, err := a.bridge.PendingMarker()
	if err != nil {
		log.Printf("recovery: failed to read pending marker: %v", err)
		return OutcomeIdle
	}
	if marker == nil {
		return OutcomeIdle
	}

	// A marker whose session has a turn in flight belongs to the
	// coordinator: its own terminal handling will clear or resolve it.
	// Adopting here would deliver the same response twice.
	if a.turnInFlight(marker.SessionID) {
		return OutcomeIdle
	}

	// A stale marker is abandoned outright. No lookup: the turn is old
	// enough that surfacing it now would be more confusing than losing it.
	if marker.Expired(time.Now(), ceiling) {
		a.clearMarker()
		log.Printf("recovery: abandoned marker for session %q (age exceeded %s)", marker.SessionID, ceiling)
		return OutcomeExpired
	}

	// The server may still be generating; pace the lookups instead of
	// hammering it.
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return OutcomeExhausted
		}

		// A new turn may have started while we slept; back off and let
		// the coordinator take it from here.
		if a.turnInFlight(marker.SessionID) {
			return OutcomeIdle
		}

		last, err := a.lookup.LastMessage(ctx, marker.SessionID)
		if err != nil {
			log.Printf("recovery: lookup failed (attempt %d/%d): %v", attempt+1, maxAttempts, err)
			continue
		}

		// Resolved when the server holds more messages than existed
		// before the turn and the newest one is the response.
		if last.Count > marker.PreTurnMessageCount && last.Role == "assistant" {
			a.adopt(marker.SessionID, last)
			a.clearMarker()
			return OutcomeResolved
		}
	}

	// Give up but keep the user informed; the response may yet appear in
	// the server-side record.
	if a.turnInFlight(marker.SessionID) {
		return OutcomeIdle
	}
	a.clearMarker()
	a.send(marker.SessionID, turn.StatusEvent("A previous response could not be recovered; the server may still be processing it."))
	log.Printf("recovery: gave up on session %q after %d attempts", marker.SessionID, maxAttempts)
	return OutcomeExhausted
}

// adopt writes the server-side response into local history, flagged as
// recovered so the display can badge it.
func (a *Agent) adopt(sessionID string, last *api.LastMessage) {
	err := a.bridge.Append(sessionID, store.Message{
		Role:      "assistant",
		Text:      last.Text,
		Model:     last.Model,
		Timestamp: time.Now(),
		Recovered: true,
	})
	if err != nil {
		log.Printf("recovery: failed to persist recovered response: %v", err)
		return
	}
	a.send(sessionID, turn.StatusEvent("Recovered a response from a previous session."))
}

func (a *Agent) clearMarker() {
	if err := a.bridge.ClearPendingMarker(); err != nil {
		log.Printf("recovery: failed to clear pending marker: %v", err)
	}
}

func (a *Agent) send(sessionID string, ev turn.Event) {
	a.mu.Lock()
	fn := a.notify
	a.mu.Unlock()
	if fn != nil {
		fn(sessionID, ev)
	}
}
