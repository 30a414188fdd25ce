// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package duplex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/courier/internal/turn"
)

// =============================================================================
// TEST SERVER
// =============================================================================

// wsServer accepts websocket connections and hands them to the test.
type wsServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// accept returns the next server-side connection.
func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

// readFrame decodes one inbound JSON frame on the server side.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("server read: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// openChannel starts a channel against the server and waits for it to dial.
func openChannel(t *testing.T, s *wsServer) (*Channel, *websocket.Conn) {
	t.Helper()
	c := NewChannel(s.wsURL()).
		WithBackoff(10*time.Millisecond, 50*time.Millisecond).
		WithKeepalive(time.Hour)
	t.Cleanup(c.Shutdown)

	c.Start()
	conn := s.accept(t)

	deadline := time.Now().Add(5 * time.Second)
	for c.State() != StateOpen {
		if time.Now().After(deadline) {
			t.Fatal("channel never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c, conn
}

func mustTurn(t *testing.T, text string) *turn.Turn {
	t.Helper()
	tn, err := turn.New("web", text, nil)
	if err != nil {
		t.Fatalf("turn.New: %v", err)
	}
	return tn
}

func recvEvent(t *testing.T, events <-chan turn.Event) (turn.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatal("no event arrived")
		return turn.Event{}, false
	}
}

// =============================================================================
// AVAILABILITY
// =============================================================================

func TestAttemptBeforeOpenIsUnavailable(t *testing.T) {
	c := NewChannel("ws://127.0.0.1:1/api/chat/ws")
	if _, err := c.Attempt(context.Background(), mustTurn(t, "hi")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestAttemptWhileOutstandingIsBusy(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)
	defer conn.Close()

	if _, err := c.Attempt(context.Background(), mustTurn(t, "first")); err != nil {
		t.Fatalf("first Attempt: %v", err)
	}
	if _, err := c.Attempt(context.Background(), mustTurn(t, "second")); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestAttemptRoundTrip(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)
	defer conn.Close()

	events, err := c.Attempt(context.Background(), mustTurn(t, "hello server"))
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "message" || frame["text"] != "hello server" || frame["session"] != "web" {
		t.Fatalf("outbound frame = %v", frame)
	}

	writeFrame(t, conn, map[string]string{"type": "chunk", "text": "par"})
	writeFrame(t, conn, map[string]string{"type": "chunk", "text": "tial"})
	writeFrame(t, conn, map[string]string{"type": "done", "full_text": "partial", "model": "standard"})

	ev, _ := recvEvent(t, events)
	if ev.Kind != turn.EventChunk || ev.Text != "par" {
		t.Errorf("event 1 = %+v", ev)
	}
	ev, _ = recvEvent(t, events)
	if ev.Kind != turn.EventChunk || ev.Text != "tial" {
		t.Errorf("event 2 = %+v", ev)
	}
	ev, _ = recvEvent(t, events)
	if ev.Kind != turn.EventDone || ev.FullText != "partial" || ev.Model != "standard" {
		t.Errorf("event 3 = %+v", ev)
	}
	if _, ok := recvEvent(t, events); ok {
		t.Error("sequence stayed open after terminal event")
	}

	// The connection is reusable for the next turn.
	if _, err := c.Attempt(context.Background(), mustTurn(t, "again")); err != nil {
		t.Errorf("Attempt after done: %v", err)
	}
}

func TestControlFramesAreSwallowed(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)
	defer conn.Close()

	events, err := c.Attempt(context.Background(), mustTurn(t, "hi"))
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	readFrame(t, conn)

	writeFrame(t, conn, map[string]string{"type": "welcome"})
	writeFrame(t, conn, map[string]string{"type": "done", "full_text": "ok"})

	ev, _ := recvEvent(t, events)
	if ev.Kind != turn.EventDone {
		t.Errorf("first delivered event = %+v, want done (welcome swallowed)", ev)
	}
}

func TestServerPingGetsPong(t *testing.T) {
	s := newWSServer(t)
	_, conn := openChannel(t, s)
	defer conn.Close()

	writeFrame(t, conn, map[string]string{"type": "ping"})

	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Errorf("reply = %v, want pong", frame)
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)
	defer conn.Close()

	events, err := c.Attempt(context.Background(), mustTurn(t, "hi"))
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	writeFrame(t, conn, map[string]string{"type": "done", "full_text": "survived"})

	ev, _ := recvEvent(t, events)
	if ev.Kind != turn.EventDone || ev.FullText != "survived" {
		t.Errorf("event = %+v, want done after dropped garbage", ev)
	}
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancelSendsControlAndKeepsConnection(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)
	defer conn.Close()

	events, err := c.Attempt(context.Background(), mustTurn(t, "hi"))
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	readFrame(t, conn)

	c.Cancel()

	// The attempt's sequence closes without a terminal event.
	if ev, ok := recvEvent(t, events); ok {
		t.Errorf("event after cancel = %+v, want closed channel", ev)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "cancel" {
		t.Errorf("outbound frame = %v, want cancel", frame)
	}

	// The shared connection survives for the next turn.
	if _, err := c.Attempt(context.Background(), mustTurn(t, "next")); err != nil {
		t.Errorf("Attempt after cancel: %v", err)
	}
}

func TestCancelWithNothingOutstandingIsNoop(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)
	defer conn.Close()

	c.Cancel()
	if c.State() != StateOpen {
		t.Errorf("state = %s after idle cancel, want open", c.State())
	}
}

func TestStragglersAfterCancelAreDropped(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)
	defer conn.Close()

	_, err := c.Attempt(context.Background(), mustTurn(t, "hi"))
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	readFrame(t, conn)
	c.Cancel()
	readFrame(t, conn)

	// A chunk arriving after cancellation has no attempt to land on.
	writeFrame(t, conn, map[string]string{"type": "chunk", "text": "late"})
	writeFrame(t, conn, map[string]string{"type": "ping"})

	pong := readFrame(t, conn)
	if pong["type"] != "pong" {
		t.Errorf("read loop wedged on straggler: %v", pong)
	}
}

func TestStalledConsumerFailsAttemptNotConnection(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)
	defer conn.Close()

	events, err := c.Attempt(context.Background(), mustTurn(t, "hi"))
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	readFrame(t, conn)

	// Nobody drains the sequence while the server floods it.
	for i := 0; i < attemptBuffer+4; i++ {
		writeFrame(t, conn, map[string]string{"type": "chunk", "text": "x"})
	}

	// A pong proves the read loop chewed through the flood without
	// blocking on the stalled sequence.
	writeFrame(t, conn, map[string]string{"type": "ping"})
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Fatalf("read loop wedged on flood: %v", frame)
	}

	// The buffered chunks arrive intact, then the attempt fails rather
	// than delivering a response with a hole in it.
	chunks := 0
	for {
		ev, ok := recvEvent(t, events)
		if !ok {
			t.Fatal("sequence closed without a terminal event")
		}
		if ev.Kind == turn.EventChunk {
			chunks++
			continue
		}
		if ev.Kind != turn.EventError {
			t.Fatalf("terminal = %+v, want error", ev)
		}
		break
	}
	if chunks != attemptBuffer {
		t.Errorf("delivered %d chunks before failing, want %d", chunks, attemptBuffer)
	}
	if _, ok := <-events; ok {
		t.Error("sequence left open after the error")
	}

	// The connection itself survives and the next turn proceeds.
	events2, err := c.Attempt(context.Background(), mustTurn(t, "again"))
	if err != nil {
		t.Fatalf("second Attempt: %v", err)
	}
	readFrame(t, conn)
	writeFrame(t, conn, map[string]string{"type": "done", "full_text": "ok"})
	if ev, _ := recvEvent(t, events2); ev.Kind != turn.EventDone {
		t.Errorf("event = %+v, want done", ev)
	}
}

// =============================================================================
// CONNECTION LOSS
// =============================================================================

func TestConnectionLostBeforeContentFallsBack(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)

	events, err := c.Attempt(context.Background(), mustTurn(t, "hi"))
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	readFrame(t, conn)
	conn.Close()

	ev, ok := recvEvent(t, events)
	if !ok || ev.Kind != turn.EventFallback {
		t.Errorf("event = %+v, want fallback before any content", ev)
	}
	if _, ok := recvEvent(t, events); ok {
		t.Error("sequence stayed open after connection loss")
	}
}

func TestConnectionLostAfterContentIsTerminal(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)

	events, err := c.Attempt(context.Background(), mustTurn(t, "hi"))
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	readFrame(t, conn)

	writeFrame(t, conn, map[string]string{"type": "chunk", "text": "part"})
	ev, _ := recvEvent(t, events)
	if ev.Kind != turn.EventChunk {
		t.Fatalf("event = %+v, want chunk", ev)
	}
	conn.Close()

	ev, ok := recvEvent(t, events)
	if !ok || ev.Kind != turn.EventError {
		t.Errorf("event = %+v, want terminal error after partial content", ev)
	}
}

// =============================================================================
// RECONNECT
// =============================================================================

func TestReconnectFiresHookOnReopenOnly(t *testing.T) {
	s := newWSServer(t)

	c := NewChannel(s.wsURL()).
		WithBackoff(10*time.Millisecond, 50*time.Millisecond).
		WithKeepalive(time.Hour)
	t.Cleanup(c.Shutdown)

	hooks := make(chan struct{}, 4)
	c.OnReconnect(func() { hooks <- struct{}{} })

	c.Start()
	first := s.accept(t)

	select {
	case <-hooks:
		t.Fatal("hook fired on first open")
	case <-time.After(100 * time.Millisecond):
	}

	first.Close()
	second := s.accept(t)
	defer second.Close()

	select {
	case <-hooks:
	case <-time.After(5 * time.Second):
		t.Fatal("hook never fired on reopen")
	}
}

func TestShutdownStopsReconnecting(t *testing.T) {
	s := newWSServer(t)
	c, conn := openChannel(t, s)

	c.Shutdown()
	conn.Close()

	select {
	case extra := <-s.conns:
		extra.Close()
		t.Error("channel redialed after shutdown")
	case <-time.After(200 * time.Millisecond):
	}
}
