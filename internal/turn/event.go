// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

// =============================================================================
// EVENT KINDS
// =============================================================================

// EventKind discriminates the closed set of events a transport can emit for
// one turn. Consumers switch on the kind; there is no string-keyed dispatch
// beyond this enum.
type EventKind string

const (
	// EventStatus is a non-terminal informational status line.
	EventStatus EventKind = "status"

	// EventChunk is partial response content, concatenated in arrival order.
	EventChunk EventKind = "chunk"

	// EventThinking is partial reasoning content, accumulated separately
	// from response content.
	EventThinking EventKind = "thinking"

	// EventToolActivity reports tool use on the backend; informational.
	EventToolActivity EventKind = "tool_activity"

	// EventUIDirective is a side-channel instruction applied immediately;
	// it does not affect turn status.
	EventUIDirective EventKind = "ui_directive"

	// EventDone is terminal success carrying the full response.
	EventDone EventKind = "done"

	// EventError is terminal failure.
	EventError EventKind = "error"

	// EventFallback instructs the selector to retry on the next transport
	// because nothing was actually sent.
	EventFallback EventKind = "fallback"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is one element of the event sequence a transport attempt produces.
// Only the fields for the given Kind are populated.
type Event struct {
	Kind EventKind

	// StatusText is set for EventStatus.
	StatusText string

	// Text is set for EventChunk and EventThinking.
	Text string

	// ToolName and ToolCount are set for EventToolActivity.
	ToolName  string
	ToolCount int

	// Action and Value are set for EventUIDirective.
	Action string
	Value  string

	// FullText, Model and ComplexityTier are set for EventDone.
	FullText       string
	Model          string
	ComplexityTier string

	// Message is set for EventError.
	Message string
}

// Terminal reports whether the event ends the attempt's sequence.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// Content reports whether the event carries partial response content.
// Once a transport has emitted content, its failure is terminal for the turn
// rather than grounds for fallback.
func (e Event) Content() bool {
	return e.Kind == EventChunk || e.Kind == EventThinking
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// StatusEvent returns an informational status event.
func StatusEvent(text string) Event {
	return Event{Kind: EventStatus, StatusText: text}
}

// ChunkEvent returns a partial-content event.
func ChunkEvent(text string) Event {
	return Event{Kind: EventChunk, Text: text}
}

// ThinkingEvent returns a partial-reasoning event.
func ThinkingEvent(text string) Event {
	return Event{Kind: EventThinking, Text: text}
}

// ToolActivityEvent returns a tool-activity event.
func ToolActivityEvent(name string, count int) Event {
	return Event{Kind: EventToolActivity, ToolName: name, ToolCount: count}
}

// UIDirectiveEvent returns a side-channel directive event.
func UIDirectiveEvent(action, value string) Event {
	return Event{Kind: EventUIDirective, Action: action, Value: value}
}

// DoneEvent returns a terminal success event.
func DoneEvent(fullText, model, tier string) Event {
	return Event{Kind: EventDone, FullText: fullText, Model: model, ComplexityTier: tier}
}

// ErrorEvent returns a terminal failure event.
func ErrorEvent(message string) Event {
	return Event{Kind: EventError, Message: message}
}

// FallbackEvent returns a fallback instruction for the selector.
func FallbackEvent() Event {
	return Event{Kind: EventFallback}
}
