// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/jeranaias/courier/internal/turn"
)

// =============================================================================
// STREAM CHANNEL
// =============================================================================

// Stream opens the per-turn chunked exchange and decodes it incrementally.
//
// A non-nil error means the connection could not be opened and nothing was
// sent; the caller falls back to the plain request channel. Once the channel
// is returned, outcomes arrive as events: a network failure before any event
// surfaces as a fallback event, a failure after content as a terminal error
// event. Cancelling ctx (user cancel, local timeout) tears down the
// connection and closes the sequence without a synthetic event - the caller
// owns that outcome and must not fall back.
func (c *Client) Stream(ctx context.Context, t *turn.Turn) (<-chan turn.Event, error) {
	req, err := c.newRequest(ctx, streamPath, payloadFor(t))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream connect failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := errorFrom(resp)
		resp.Body.Close()
		return nil, err
	}

	events := make(chan turn.Event, 16)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream pumps the response body through the decoder until a terminal
// event, EOF, or cancellation.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- turn.Event) {
	defer close(events)
	defer body.Close()

	dec := NewSSEDecoder()
	buf := make([]byte, 4096)
	gotContent := false

	emit := func(ev turn.Event) bool {
		select {
		case events <- ev:
			if ev.Content() {
				gotContent = true
			}
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if !emit(ev) || ev.Terminal() {
					return
				}
			}
		}
		if err == nil {
			continue
		}

		if err == io.EOF {
			for _, ev := range dec.Flush() {
				if !emit(ev) || ev.Terminal() {
					return
				}
			}
		}

		if ctx.Err() != nil {
			// Cancelled locally; the coordinator already owns the outcome.
			return
		}
		if !gotContent {
			// Only status-level events made it out; nothing of the
			// response was committed, so the next arm may retry.
			emit(turn.FallbackEvent())
			return
		}
		log.Printf("stream: connection lost mid-turn: %v", err)
		emit(turn.ErrorEvent("stream connection lost"))
		return
	}
}
