// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"log"
	"sync"

	"github.com/jeranaias/courier/internal/turn"
)

// =============================================================================
// MARKER HOOK
// =============================================================================

// MarkerClearer clears the durable pending-marker slot. The selector clears
// it the moment a done event is observed, before the event reaches the
// consumer, so a crash immediately after success cannot trigger a spurious
// recovery.
type MarkerClearer interface {
	ClearPendingMarker() error
}

// =============================================================================
// SELECTOR
// =============================================================================

// Selector tries transports in priority order - duplex, stream, request -
// and presents the caller with a single uniform event sequence. Fallback
// happens only while nothing has been sent and no response byte has
// arrived; after partial content, a transport failure is terminal.
type Selector struct {
	arms    []Transport
	markers MarkerClearer
}

// NewSelector builds a selector over the given arms in priority order.
func NewSelector(arms ...Transport) *Selector {
	return &Selector{arms: arms}
}

// WithMarkerClearer wires the pending-marker hook.
func (s *Selector) WithMarkerClearer(mc MarkerClearer) *Selector {
	s.markers = mc
	return s
}

// Attempt delivers one turn across the transport chain. The returned
// sequence always ends with a terminal event unless the attempt is aborted
// or ctx is cancelled, in which case it simply closes.
func (s *Selector) Attempt(ctx context.Context, t *turn.Turn) *Attempt {
	out := make(chan turn.Event, 16)

	var mu sync.Mutex
	var armAbort func()
	aborted := false

	abort := func() {
		mu.Lock()
		aborted = true
		fn := armAbort
		mu.Unlock()
		if fn != nil {
			fn()
		}
	}

	go s.drive(ctx, t, out, &mu, &armAbort, &aborted)

	return &Attempt{Events: out, Abort: abort}
}

// drive walks the arms, forwarding events and arbitrating fallback.
func (s *Selector) drive(ctx context.Context, t *turn.Turn, out chan<- turn.Event, mu *sync.Mutex, armAbort *func(), aborted *bool) {
	defer close(out)

	emit := func(ev turn.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	gotContent := false

	for _, arm := range s.arms {
		if ctx.Err() != nil {
			return
		}
		mu.Lock()
		if *aborted {
			mu.Unlock()
			return
		}
		mu.Unlock()

		att, err := arm.Attempt(ctx, t)
		if err != nil {
			// Nothing was sent; the next arm gets the turn.
			log.Printf("transport: %s unavailable: %v", arm.Name(), err)
			continue
		}

		mu.Lock()
		if *aborted {
			mu.Unlock()
			att.Abort()
			return
		}
		*armAbort = att.Abort
		mu.Unlock()

		fellBack := false
		for ev := range att.Events {
			if ev.Kind == turn.EventFallback {
				fellBack = true
				break
			}
			if ev.Content() {
				gotContent = true
			}
			if ev.Kind == turn.EventDone && s.markers != nil {
				if err := s.markers.ClearPendingMarker(); err != nil {
					log.Printf("transport: failed to clear pending marker: %v", err)
				}
			}
			if !emit(ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		}

		mu.Lock()
		wasAborted := *aborted
		mu.Unlock()
		if wasAborted || ctx.Err() != nil {
			// User cancellation never falls back.
			return
		}

		if gotContent {
			// The arm died after emitting partial content; resending risks
			// duplicate side effects on the backend.
			emit(turn.ErrorEvent("connection lost"))
			return
		}
		if !fellBack {
			log.Printf("transport: %s closed without terminal event", arm.Name())
		}
	}

	emit(turn.ErrorEvent("all transports failed"))
}
