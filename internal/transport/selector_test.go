// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jeranaias/courier/internal/turn"
)

// =============================================================================
// FAKES
// =============================================================================

// scriptedArm plays back a fixed event sequence, or refuses the attempt
// entirely when err is set. When hold is set the event channel stays open
// after the script until the attempt is aborted.
type scriptedArm struct {
	name     string
	err      error
	script   []turn.Event
	hold     bool
	attempts int
	aborts   int
	release  chan struct{}
}

func (a *scriptedArm) Name() string { return a.name }

func (a *scriptedArm) Attempt(ctx context.Context, t *turn.Turn) (*Attempt, error) {
	a.attempts++
	if a.err != nil {
		return nil, a.err
	}
	if a.release == nil {
		a.release = make(chan struct{})
	}
	events := make(chan turn.Event, len(a.script)+1)
	for _, ev := range a.script {
		events <- ev
	}
	if a.hold {
		go func() {
			<-a.release
			close(events)
		}()
	} else {
		close(events)
	}
	return &Attempt{
		Events: events,
		Abort: func() {
			a.aborts++
			if a.hold {
				select {
				case <-a.release:
				default:
					close(a.release)
				}
			}
		},
	}, nil
}

type markerSpy struct {
	cleared int
}

func (m *markerSpy) ClearPendingMarker() error {
	m.cleared++
	return nil
}

func testTurn(t *testing.T) *turn.Turn {
	t.Helper()
	tn, err := turn.New("web", "hello", nil)
	if err != nil {
		t.Fatalf("turn.New: %v", err)
	}
	return tn
}

// drain collects every event until the sequence closes.
func drain(t *testing.T, att *Attempt) []turn.Event {
	t.Helper()
	var events []turn.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-att.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("attempt did not close; got %d events", len(events))
		}
	}
}

// =============================================================================
// FALLBACK CHAIN
// =============================================================================

func TestSelectorFirstArmSucceeds(t *testing.T) {
	duplex := &scriptedArm{name: "duplex", script: []turn.Event{
		turn.ChunkEvent("hel"),
		turn.ChunkEvent("lo"),
		turn.DoneEvent("hello", "small", "low"),
	}}
	stream := &scriptedArm{name: "stream"}

	s := NewSelector(duplex, stream)
	events := drain(t, s.Attempt(context.Background(), testTurn(t)))

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[2].Kind != turn.EventDone || events[2].FullText != "hello" {
		t.Errorf("terminal = %+v, want done(hello)", events[2])
	}
	if stream.attempts != 0 {
		t.Errorf("stream attempted %d times after duplex success", stream.attempts)
	}
}

func TestSelectorWalksChainOnFallback(t *testing.T) {
	// Duplex asks for fallback, stream refuses outright, request completes.
	duplex := &scriptedArm{name: "duplex", script: []turn.Event{turn.FallbackEvent()}}
	stream := &scriptedArm{name: "stream", err: errors.New("connect refused")}
	request := &scriptedArm{name: "request", script: []turn.Event{
		turn.DoneEvent("full response", "large", "high"),
	}}

	s := NewSelector(duplex, stream, request)
	events := drain(t, s.Attempt(context.Background(), testTurn(t)))

	if len(events) != 1 {
		t.Fatalf("events = %+v, want single done", events)
	}
	if events[0].Kind != turn.EventDone || events[0].FullText != "full response" {
		t.Errorf("terminal = %+v", events[0])
	}
	for _, arm := range []*scriptedArm{duplex, stream, request} {
		if arm.attempts != 1 {
			t.Errorf("%s attempted %d times, want 1", arm.name, arm.attempts)
		}
	}
}

func TestSelectorFallbackEventNotForwarded(t *testing.T) {
	duplex := &scriptedArm{name: "duplex", script: []turn.Event{turn.FallbackEvent()}}
	request := &scriptedArm{name: "request", script: []turn.Event{
		turn.DoneEvent("ok", "", ""),
	}}

	s := NewSelector(duplex, request)
	events := drain(t, s.Attempt(context.Background(), testTurn(t)))

	for _, ev := range events {
		if ev.Kind == turn.EventFallback {
			t.Fatalf("fallback event leaked to consumer: %+v", events)
		}
	}
}

func TestSelectorSilentCloseWithoutContentFallsBack(t *testing.T) {
	// An arm that closes with neither a terminal nor a fallback event still
	// yields the turn to the next arm when nothing was received.
	duplex := &scriptedArm{name: "duplex", script: []turn.Event{
		turn.StatusEvent("connecting"),
	}}
	request := &scriptedArm{name: "request", script: []turn.Event{
		turn.DoneEvent("ok", "", ""),
	}}

	s := NewSelector(duplex, request)
	events := drain(t, s.Attempt(context.Background(), testTurn(t)))

	last := events[len(events)-1]
	if last.Kind != turn.EventDone {
		t.Fatalf("terminal = %+v, want done", last)
	}
	if request.attempts != 1 {
		t.Errorf("request attempted %d times, want 1", request.attempts)
	}
}

func TestSelectorAllArmsExhausted(t *testing.T) {
	duplex := &scriptedArm{name: "duplex", err: errors.New("closed")}
	stream := &scriptedArm{name: "stream", err: errors.New("refused")}

	s := NewSelector(duplex, stream)
	events := drain(t, s.Attempt(context.Background(), testTurn(t)))

	if len(events) != 1 || events[0].Kind != turn.EventError {
		t.Fatalf("events = %+v, want single error", events)
	}
	if events[0].Message != "all transports failed" {
		t.Errorf("message = %q", events[0].Message)
	}
}

// =============================================================================
// PARTIAL CONTENT IS TERMINAL
// =============================================================================

func TestSelectorNoFallbackAfterContent(t *testing.T) {
	// The arm dies after emitting a chunk. Resending on another transport
	// could duplicate backend side effects, so the failure is terminal.
	duplex := &scriptedArm{name: "duplex", script: []turn.Event{
		turn.ChunkEvent("partial"),
	}}
	request := &scriptedArm{name: "request", script: []turn.Event{
		turn.DoneEvent("never", "", ""),
	}}

	s := NewSelector(duplex, request)
	events := drain(t, s.Attempt(context.Background(), testTurn(t)))

	if len(events) != 2 {
		t.Fatalf("events = %+v, want chunk then error", events)
	}
	if events[0].Kind != turn.EventChunk || events[0].Text != "partial" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Kind != turn.EventError || events[1].Message != "connection lost" {
		t.Errorf("events[1] = %+v", events[1])
	}
	if request.attempts != 0 {
		t.Errorf("request attempted after partial content")
	}
}

func TestSelectorThinkingCountsAsContent(t *testing.T) {
	duplex := &scriptedArm{name: "duplex", script: []turn.Event{
		turn.ThinkingEvent("considering"),
	}}
	request := &scriptedArm{name: "request"}

	s := NewSelector(duplex, request)
	events := drain(t, s.Attempt(context.Background(), testTurn(t)))

	last := events[len(events)-1]
	if last.Kind != turn.EventError {
		t.Fatalf("terminal = %+v, want error", last)
	}
	if request.attempts != 0 {
		t.Errorf("request attempted after thinking content")
	}
}

// =============================================================================
// ABORT
// =============================================================================

func TestSelectorAbortNeverFallsBack(t *testing.T) {
	duplex := &scriptedArm{name: "duplex", hold: true, script: []turn.Event{
		turn.StatusEvent("working"),
	}}
	request := &scriptedArm{name: "request", script: []turn.Event{
		turn.DoneEvent("never", "", ""),
	}}

	s := NewSelector(duplex, request)
	att := s.Attempt(context.Background(), testTurn(t))

	// Let the status event through first so the arm is live when we abort.
	select {
	case ev := <-att.Events:
		if ev.Kind != turn.EventStatus {
			t.Fatalf("first event = %+v, want status", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event before abort")
	}

	att.Abort()
	events := drain(t, att)

	for _, ev := range events {
		if ev.Terminal() {
			t.Errorf("terminal event after abort: %+v", ev)
		}
	}
	if duplex.aborts == 0 {
		t.Error("active arm was not aborted")
	}
	if request.attempts != 0 {
		t.Error("fallback happened after user abort")
	}
}

func TestSelectorContextCancelClosesSequence(t *testing.T) {
	duplex := &scriptedArm{name: "duplex", hold: true, script: []turn.Event{
		turn.StatusEvent("working"),
	}}
	request := &scriptedArm{name: "request"}

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSelector(duplex, request)
	att := s.Attempt(ctx, testTurn(t))

	select {
	case <-att.Events:
	case <-time.After(5 * time.Second):
		t.Fatal("no event before cancel")
	}
	cancel()
	att.Abort()

	events := drain(t, att)
	for _, ev := range events {
		if ev.Terminal() {
			t.Errorf("terminal event after cancel: %+v", ev)
		}
	}
	if request.attempts != 0 {
		t.Error("fallback happened after context cancel")
	}
}

// =============================================================================
// MARKER CLEARING
// =============================================================================

func TestSelectorClearsMarkerOnDone(t *testing.T) {
	arm := &scriptedArm{name: "request", script: []turn.Event{
		turn.ChunkEvent("hi"),
		turn.DoneEvent("hi", "", ""),
	}}
	spy := &markerSpy{}

	s := NewSelector(arm).WithMarkerClearer(spy)
	drain(t, s.Attempt(context.Background(), testTurn(t)))

	if spy.cleared != 1 {
		t.Errorf("marker cleared %d times, want 1", spy.cleared)
	}
}

func TestSelectorKeepsMarkerOnError(t *testing.T) {
	arm := &scriptedArm{name: "request", script: []turn.Event{
		turn.ErrorEvent("backend down"),
	}}
	spy := &markerSpy{}

	s := NewSelector(arm).WithMarkerClearer(spy)
	drain(t, s.Attempt(context.Background(), testTurn(t)))

	if spy.cleared != 0 {
		t.Errorf("marker cleared %d times on error, want 0", spy.cleared)
	}
}
