// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// WIRE FORMAT
// =============================================================================

// The duplex socket and the stream channel carry the same event union. A
// duplex frame is a single JSON object with a "type" field; a stream frame
// splits the type into the "event:" line and the payload into the "data:"
// line. Both decode through ParseWire.

// Control frame types swallowed by the duplex channel.
const (
	WireTypePing    = "ping"
	WireTypePong    = "pong"
	WireTypeWelcome = "welcome"
)

// ControlType reports whether the wire type is a connection-level control
// frame rather than a turn event.
func ControlType(typ string) bool {
	return typ == WireTypePing || typ == WireTypePong || typ == WireTypeWelcome
}

// ErrUnknownWireType indicates a frame whose type is outside the event union.
type ErrUnknownWireType struct {
	Type string
}

// Error implements the error interface.
func (e *ErrUnknownWireType) Error() string {
	return fmt.Sprintf("unknown wire event type %q", e.Type)
}

// wirePayload is the superset of fields the backend puts in a frame payload.
type wirePayload struct {
	Type           string `json:"type,omitempty"`
	StatusText     string `json:"status_text,omitempty"`
	Text           string `json:"text,omitempty"`
	Name           string `json:"name,omitempty"`
	Count          int    `json:"count,omitempty"`
	Action         string `json:"action,omitempty"`
	Value          string `json:"value,omitempty"`
	FullText       string `json:"full_text,omitempty"`
	Model          string `json:"model,omitempty"`
	ComplexityTier string `json:"complexity_tier,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ParseWire decodes one wire frame into an Event.
//
// typ is the frame type; pass "" to take the type from the payload's own
// "type" field (the duplex framing). Control types are rejected here - the
// duplex channel filters them before decoding.
func ParseWire(typ string, data []byte) (Event, error) {
	var p wirePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("malformed wire frame: %w", err)
		}
	}
	if typ == "" {
		typ = p.Type
	}

	switch EventKind(typ) {
	case EventStatus:
		return StatusEvent(p.StatusText), nil
	case EventChunk:
		return ChunkEvent(p.Text), nil
	case EventThinking:
		return ThinkingEvent(p.Text), nil
	case EventToolActivity:
		return ToolActivityEvent(p.Name, p.Count), nil
	case EventUIDirective:
		return UIDirectiveEvent(p.Action, p.Value), nil
	case EventDone:
		return DoneEvent(p.FullText, p.Model, p.ComplexityTier), nil
	case EventError:
		return ErrorEvent(p.Message), nil
	case EventFallback:
		return FallbackEvent(), nil
	default:
		return Event{}, &ErrUnknownWireType{Type: typ}
	}
}

// =============================================================================
// OUTBOUND FRAMES
// =============================================================================

// MessageFrame is the outbound payload submitting a turn on the duplex socket.
type MessageFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Session string `json:"session"`
	Image   string `json:"image,omitempty"`
}

// NewMessageFrame builds the outbound frame for a turn.
func NewMessageFrame(t *Turn) MessageFrame {
	f := MessageFrame{
		Type:    "message",
		Text:    t.InputText,
		Session: t.SessionID,
	}
	if t.Attachment != nil {
		f.Image = t.Attachment.Ref
	}
	return f
}

// ControlFrame is an outbound connection-level frame (ping, cancel).
type ControlFrame struct {
	Type string `json:"type"`
}
