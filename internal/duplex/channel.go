// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package duplex maintains the one long-lived bidirectional connection per
// client instance, shared across all turns and sessions.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/courier/internal/turn"
)

// =============================================================================
// CHANNEL STATE
// =============================================================================

// State is the connection state of the duplex channel.
type State string

const (
	// StateClosed indicates no connection; a reconnect may be pending.
	StateClosed State = "closed"

	// StateConnecting indicates a dial is in progress.
	StateConnecting State = "connecting"

	// StateOpen indicates the connection is usable.
	StateOpen State = "open"
)

// Tuning constants for the channel.
const (
	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = 1 * time.Second

	// DefaultMaxBackoff caps the doubling reconnect delay.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultKeepalive is the interval between keepalive pings while open.
	DefaultKeepalive = 25 * time.Second

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// attemptBuffer is how many undelivered events an attempt may hold
	// before its consumer counts as stalled.
	attemptBuffer = 16
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnavailable indicates the channel is not open. The caller falls
	// back to the next transport without any I/O having happened.
	ErrUnavailable = errors.New("duplex channel not open")

	// ErrBusy indicates another turn's attempt is outstanding. The backend
	// multiplexes nothing, so a busy channel is as good as a closed one.
	ErrBusy = errors.New("duplex channel busy")
)

// =============================================================================
// CHANNEL
// =============================================================================

// attempt is the single outstanding request on the channel.
type attempt struct {
	events     chan turn.Event
	gotContent bool
	abandoned  bool
}

// Channel is the process-wide duplex connection. It connects lazily on
// Start, reconnects with doubling capped backoff, keeps the connection warm
// with pings, and carries at most one turn attempt at a time.
//
// It is an injected dependency of the coordinator and the recovery agent,
// never ambient state.
type Channel struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	conn    *websocket.Conn
	att     *attempt

	backoff        time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	keepalive      time.Duration

	// onReconnect runs after every successful reopen (not the first open);
	// the application wires it to the recovery agent, which no-ops when no
	// marker is set.
	onReconnect func()

	everOpened bool
	done       chan struct{}
	started    bool
}

// NewChannel creates a channel for the given websocket URL.
func NewChannel(url string) *Channel {
	return &Channel{
		url:            url,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:          StateClosed,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		keepalive:      DefaultKeepalive,
		backoff:        DefaultInitialBackoff,
		done:           make(chan struct{}),
	}
}

// WithBackoff overrides the reconnect backoff bounds.
func (c *Channel) WithBackoff(initial, max time.Duration) *Channel {
	c.initialBackoff = initial
	c.maxBackoff = max
	c.backoff = initial
	return c
}

// WithKeepalive overrides the keepalive interval.
func (c *Channel) WithKeepalive(interval time.Duration) *Channel {
	c.keepalive = interval
	return c
}

// OnReconnect registers the reopen hook.
func (c *Channel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// =============================================================================
// CONNECTION LOOP
// =============================================================================

// Start launches the connect/reconnect loop. Safe to call once.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
}

// Shutdown stops the loop and closes any open connection.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// run dials, serves one connection until it dies, then backs off and redials.
func (c *Channel) run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.setState(StateClosed)
			log.Printf("duplex: connect failed: %v (retrying in %v)", err, c.currentBackoff())
			if !c.sleepBackoff() {
				return
			}
			continue
		}

		reopened := c.opened(conn)
		if hook := c.reconnectHook(); reopened && hook != nil {
			// The server may have finished a turn while we were gone.
			go hook()
		}

		quit := make(chan struct{})
		go c.keepaliveLoop(conn, quit)
		c.readLoop(conn)
		close(quit)
		conn.Close()

		c.connectionLost()
		if !c.sleepBackoff() {
			return
		}
	}
}

// opened records a successful dial, resets backoff, and reports whether this
// was a reopen rather than the first connection.
func (c *Channel) opened(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.state = StateOpen
	c.backoff = c.initialBackoff
	reopened := c.everOpened
	c.everOpened = true
	return reopened
}

// connectionLost marks the channel closed and resolves any outstanding
// attempt: fallback when no response content had arrived, terminal error
// otherwise.
func (c *Channel) connectionLost() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = nil
	c.state = StateClosed

	if c.att == nil || c.att.abandoned {
		c.att = nil
		return
	}
	ev := turn.FallbackEvent()
	if c.att.gotContent {
		ev = turn.ErrorEvent("connection lost")
	}
	select {
	case c.att.events <- ev:
	default:
	}
	close(c.att.events)
	c.att = nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Channel) currentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

func (c *Channel) reconnectHook() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onReconnect
}

// sleepBackoff waits the current delay and doubles it up to the cap.
// Returns false when the channel is shutting down.
func (c *Channel) sleepBackoff() bool {
	c.mu.Lock()
	delay := c.backoff
	c.backoff *= 2
	if c.backoff > c.maxBackoff {
		c.backoff = c.maxBackoff
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return false
	case <-time.After(delay):
		return true
	}
}

// =============================================================================
// KEEPALIVE
// =============================================================================

// keepaliveLoop pings at the fixed interval while the connection is open.
func (c *Channel) keepaliveLoop(conn *websocket.Conn, quit <-chan struct{}) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, turn.ControlFrame{Type: turn.WireTypePing}); err != nil {
				return
			}
		}
	}
}

// =============================================================================
// READ LOOP
// =============================================================================

// readLoop decodes and classifies every inbound frame until the connection
// dies. Control frames are swallowed here; everything else is forwarded to
// the outstanding attempt.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			log.Printf("duplex: dropping malformed frame")
			continue
		}

		if turn.ControlType(head.Type) {
			if head.Type == turn.WireTypePing {
				_ = c.writeFrame(conn, turn.ControlFrame{Type: turn.WireTypePong})
			}
			continue
		}

		ev, err := turn.ParseWire("", data)
		if err != nil {
			log.Printf("duplex: dropping frame: %v", err)
			continue
		}
		c.route(ev)
	}
}

// route forwards a turn event to the outstanding attempt, closing it on a
// terminal event. Events with no live attempt are dropped (a cancelled
// turn's stragglers).
func (c *Channel) route(ev turn.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.att == nil || c.att.abandoned {
		return
	}
	if ev.Content() {
		c.att.gotContent = true
	}
	if ev.Terminal() {
		// Non-terminal events never fill the last slot, so this send
		// cannot block.
		c.att.events <- ev
		close(c.att.events)
		c.att = nil
		return
	}
	if len(c.att.events) >= cap(c.att.events)-1 {
		// Consumer stalled. A status event can go missing without harm,
		// but a lost chunk would punch a hole in the response text, so
		// fail the attempt instead and keep the connection alive.
		if !ev.Content() {
			log.Printf("duplex: dropping %s event for stalled attempt", ev.Kind)
			return
		}
		log.Printf("duplex: consumer stalled mid-response, failing attempt")
		c.att.events <- turn.ErrorEvent("response overran a stalled consumer")
		close(c.att.events)
		c.att = nil
		return
	}
	c.att.events <- ev
}

// =============================================================================
// TURN ATTEMPTS
// =============================================================================

// Attempt submits a turn on the channel and returns its event sequence.
// Returns ErrUnavailable when the channel is not open and ErrBusy when
// another turn is outstanding; in both cases nothing was sent and the caller
// falls back.
func (c *Channel) Attempt(ctx context.Context, t *turn.Turn) (<-chan turn.Event, error) {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	if c.att != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	conn := c.conn
	// One slot past the event budget stays reserved for a terminal, so
	// route can always finish the sequence without blocking the read loop.
	a := &attempt{events: make(chan turn.Event, attemptBuffer+1)}
	c.att = a
	c.mu.Unlock()

	if err := c.writeFrame(conn, turn.NewMessageFrame(t)); err != nil {
		c.mu.Lock()
		if c.att == a {
			c.att = nil
		}
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	return a.events, nil
}

// Cancel aborts the outstanding attempt with an explicit cancel control
// message. The connection itself survives: it is shared across turns.
// Cancelling with no outstanding attempt is a no-op.
func (c *Channel) Cancel() {
	c.mu.Lock()
	a := c.att
	conn := c.conn
	if a != nil {
		a.abandoned = true
		close(a.events)
		c.att = nil
	}
	c.mu.Unlock()

	if a != nil && conn != nil {
		_ = c.writeFrame(conn, turn.ControlFrame{Type: "cancel"})
	}
}

// writeFrame serializes one outbound frame. gorilla/websocket permits a
// single concurrent writer, so all writes funnel through here.
func (c *Channel) writeFrame(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
