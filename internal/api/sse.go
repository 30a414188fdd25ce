// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"

	"github.com/jeranaias/courier/internal/turn"
)

// =============================================================================
// SSE DECODER
// =============================================================================

// MaxFrameSize is the maximum allowed size for a single buffered frame.
const MaxFrameSize = 64 * 1024

// SSEDecoder incrementally decodes the stream channel's framing: events
// separated by a blank line, each event an "event:" line and a "data:" line.
// Feed it raw reads in any segmentation; it buffers undecoded bytes and only
// emits once a full blank-line-terminated frame has accumulated.
type SSEDecoder struct {
	buf []byte
}

// NewSSEDecoder creates an empty decoder.
func NewSSEDecoder() *SSEDecoder {
	return &SSEDecoder{}
}

// Feed appends raw bytes and returns the events completed by them, in order.
// Malformed frames are skipped, as are frames whose type is outside the
// event union.
func (d *SSEDecoder) Feed(p []byte) []turn.Event {
	d.buf = append(d.buf, p...)

	var events []turn.Event
	for {
		block, rest, ok := cutFrame(d.buf)
		if !ok {
			break
		}
		d.buf = rest
		if ev, ok := parseFrame(block); ok {
			events = append(events, ev)
		}
	}

	// A frame that never terminates is a protocol violation; drop the
	// buffer rather than grow without bound.
	if len(d.buf) > MaxFrameSize {
		d.buf = nil
	}
	return events
}

// Flush defensively parses any trailing unterminated frame. A done event is
// sometimes the very last bytes of the stream with no trailing blank line.
func (d *SSEDecoder) Flush() []turn.Event {
	block := bytes.TrimSpace(d.buf)
	d.buf = nil
	if len(block) == 0 {
		return nil
	}
	if ev, ok := parseFrame(block); ok {
		return []turn.Event{ev}
	}
	return nil
}

// cutFrame splits buf at the first blank-line terminator.
func cutFrame(buf []byte) (block, rest []byte, ok bool) {
	// CRLF framing first so "\r\n\r\n" is not split as "\n\r".
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return buf[:i], buf[i+4:], true
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return buf[:i], buf[i+2:], true
	}
	return nil, buf, false
}

// parseFrame decodes one frame's "event:"/"data:" lines into an Event.
func parseFrame(block []byte) (turn.Event, bool) {
	var eventType string
	var dataLines [][]byte

	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore other fields (id:, retry:, ":" comments).
	}

	if eventType == "" && len(dataLines) == 0 {
		return turn.Event{}, false
	}

	ev, err := turn.ParseWire(eventType, bytes.Join(dataLines, []byte("\n")))
	if err != nil {
		return turn.Event{}, false
	}
	return ev, true
}
