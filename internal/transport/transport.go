// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport abstracts "send one turn, get one stream of events"
// behind a uniform contract and arbitrates fallback across the duplex,
// stream and request channels.
package transport

import (
	"context"

	"github.com/jeranaias/courier/internal/api"
	"github.com/jeranaias/courier/internal/duplex"
	"github.com/jeranaias/courier/internal/turn"
)

// =============================================================================
// CONTRACT
// =============================================================================

// Attempt is one transport's delivery of one turn: an ordered event sequence
// plus a cooperative abort. The sequence closes after a terminal event, a
// fallback event, or an abort.
type Attempt struct {
	Events <-chan turn.Event
	Abort  func()
}

// Transport delivers one turn and reports its events. A non-nil error from
// Attempt means nothing was sent and the caller may try the next transport.
type Transport interface {
	Name() string
	Attempt(ctx context.Context, t *turn.Turn) (*Attempt, error)
}

// =============================================================================
// DUPLEX ARM
// =============================================================================

// Duplex adapts the shared duplex channel. A channel that is not open, or is
// busy with another session's turn, yields an immediate error without I/O.
type Duplex struct {
	Channel *duplex.Channel
}

// Name identifies the transport.
func (d *Duplex) Name() string { return "duplex" }

// Attempt submits the turn on the shared socket.
func (d *Duplex) Attempt(ctx context.Context, t *turn.Turn) (*Attempt, error) {
	events, err := d.Channel.Attempt(ctx, t)
	if err != nil {
		// ErrUnavailable and ErrBusy both mean nothing was sent.
		return nil, err
	}
	return &Attempt{
		Events: events,
		// Cancel is a control message; the shared connection survives.
		Abort: d.Channel.Cancel,
	}, nil
}

// =============================================================================
// STREAM ARM
// =============================================================================

// Stream adapts the per-turn chunked HTTP channel.
type Stream struct {
	Client *api.Client
}

// Name identifies the transport.
func (s *Stream) Name() string { return "stream" }

// Attempt opens the per-turn stream. Abort tears down the underlying
// connection: it is per-turn and disposable.
func (s *Stream) Attempt(ctx context.Context, t *turn.Turn) (*Attempt, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	events, err := s.Client.Stream(streamCtx, t)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Attempt{Events: events, Abort: cancel}, nil
}

// =============================================================================
// REQUEST ARM
// =============================================================================

// Request adapts the plain request/response channel: the transport of last
// resort. It never reports "nothing sent" - its failure is terminal.
type Request struct {
	Client *api.Client
}

// Name identifies the transport.
func (r *Request) Name() string { return "request" }

// Attempt performs the one-shot exchange, delivered as a single done event.
func (r *Request) Attempt(ctx context.Context, t *turn.Turn) (*Attempt, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	events := make(chan turn.Event, 1)

	go func() {
		defer close(events)
		resp, err := r.Client.Send(reqCtx, t)
		if err != nil {
			if reqCtx.Err() != nil {
				return
			}
			events <- turn.ErrorEvent(err.Error())
			return
		}
		events <- turn.DoneEvent(resp.FullText, resp.Model, resp.ComplexityTier)
	}()

	return &Attempt{Events: events, Abort: cancel}, nil
}
