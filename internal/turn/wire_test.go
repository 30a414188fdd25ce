// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseWireDuplexFraming(t *testing.T) {
	// Duplex frames carry the type inside the payload.
	tests := []struct {
		name string
		data string
		want Event
	}{
		{
			"status",
			`{"type":"status","status_text":"routing"}`,
			StatusEvent("routing"),
		},
		{
			"chunk",
			`{"type":"chunk","text":"Hel"}`,
			ChunkEvent("Hel"),
		},
		{
			"thinking",
			`{"type":"thinking","text":"hmm"}`,
			ThinkingEvent("hmm"),
		},
		{
			"tool activity",
			`{"type":"tool_activity","name":"search","count":2}`,
			ToolActivityEvent("search", 2),
		},
		{
			"ui directive",
			`{"type":"ui_directive","action":"set_theme","value":"dark"}`,
			UIDirectiveEvent("set_theme", "dark"),
		},
		{
			"done",
			`{"type":"done","full_text":"Hello.","model":"sonnet","complexity_tier":"simple"}`,
			DoneEvent("Hello.", "sonnet", "simple"),
		},
		{
			"error",
			`{"type":"error","message":"backend overloaded"}`,
			ErrorEvent("backend overloaded"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWire("", []byte(tt.data))
			if err != nil {
				t.Fatalf("ParseWire: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseWire = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseWireStreamFraming(t *testing.T) {
	// Stream frames carry the type out of band; the payload has no "type".
	got, err := ParseWire("chunk", []byte(`{"text":"lo"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != EventChunk || got.Text != "lo" {
		t.Errorf("ParseWire = %+v", got)
	}

	// An explicit type wins over the payload's.
	got, err = ParseWire("error", []byte(`{"type":"chunk","message":"nope"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != EventError || got.Message != "nope" {
		t.Errorf("explicit type should win, got %+v", got)
	}
}

func TestParseWireUnknownType(t *testing.T) {
	_, err := ParseWire("teleport", []byte(`{}`))
	var unknown *ErrUnknownWireType
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want ErrUnknownWireType", err)
	}
	if unknown.Type != "teleport" {
		t.Errorf("Type = %q", unknown.Type)
	}

	// Control frames are not turn events.
	if _, err := ParseWire(WireTypePing, nil); err == nil {
		t.Error("ping should not decode as a turn event")
	}
}

func TestParseWireMalformed(t *testing.T) {
	if _, err := ParseWire("chunk", []byte(`{"text":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestParseWireEmptyPayload(t *testing.T) {
	// A bare typed frame with no payload is legal for types whose fields
	// are all optional.
	got, err := ParseWire("done", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != EventDone || got.FullText != "" {
		t.Errorf("ParseWire = %+v", got)
	}
}

func TestControlType(t *testing.T) {
	for _, typ := range []string{WireTypePing, WireTypePong, WireTypeWelcome} {
		if !ControlType(typ) {
			t.Errorf("ControlType(%q) = false", typ)
		}
	}
	for _, typ := range []string{"chunk", "done", "", "message"} {
		if ControlType(typ) {
			t.Errorf("ControlType(%q) = true", typ)
		}
	}
}

func TestMessageFrame(t *testing.T) {
	turn, err := New("web", "hello", &Attachment{Ref: "data:image/png;base64,AA=="})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(NewMessageFrame(turn))
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "message" {
		t.Errorf("type = %q", decoded["type"])
	}
	if decoded["text"] != "hello" || decoded["session"] != "web" {
		t.Errorf("frame = %v", decoded)
	}
	if decoded["image"] == "" {
		t.Error("attachment ref missing from frame")
	}
}

func TestMessageFrameOmitsEmptyImage(t *testing.T) {
	turn, err := New("main", "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(NewMessageFrame(turn))
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, present := decoded["image"]; present {
		t.Error("image field should be omitted when no attachment is set")
	}
}

func TestEventTerminalAndContent(t *testing.T) {
	if !DoneEvent("x", "", "").Terminal() || !ErrorEvent("x").Terminal() {
		t.Error("done and error are terminal")
	}
	if ChunkEvent("x").Terminal() || FallbackEvent().Terminal() {
		t.Error("chunk and fallback are not terminal")
	}
	if !ChunkEvent("x").Content() || !ThinkingEvent("x").Content() {
		t.Error("chunk and thinking carry content")
	}
	if StatusEvent("x").Content() || DoneEvent("x", "", "").Content() {
		t.Error("status and done do not carry content")
	}
}
