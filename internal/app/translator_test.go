package app

import (
	"encoding/json"
	"testing"

	"github.com/guildhall/guild-hall/internal/agent"
	"github.com/guildhall/guild-hall/internal/domain"
)

func TestTranslateSystemInit(t *testing.T) {
	events := Translate(agent.Message{Type: "system", Subtype: "init", SessionID: "abc-123", Model: "opus"})
	if len(events) != 1 || events[0].Type != domain.EventSession {
		t.Fatalf("events = %+v", events)
	}
	if events[0].SessionID != "abc-123" {
		t.Errorf("sessionId = %q", events[0].SessionID)
	}

	if got := Translate(agent.Message{Type: "system", Subtype: "status"}); got != nil {
		t.Errorf("other system subtype produced %+v", got)
	}
}

func TestTranslateTextDelta(t *testing.T) {
	msg := agent.Message{
		Type:  "stream_event",
		Event: json.RawMessage(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}`),
	}
	events := Translate(msg)
	if len(events) != 1 || events[0].Type != domain.EventTextDelta || events[0].Text != "hel" {
		t.Fatalf("events = %+v", events)
	}

	// Non-text deltas are dropped.
	msg.Event = json.RawMessage(`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}`)
	if got := Translate(msg); got != nil {
		t.Errorf("input_json_delta produced %+v", got)
	}
}

func TestTranslateToolUseStart(t *testing.T) {
	msg := agent.Message{
		Type:  "stream_event",
		Event: json.RawMessage(`{"type":"content_block_start","content_block":{"type":"tool_use","name":"echo"}}`),
	}
	events := Translate(msg)
	if len(events) != 1 || events[0].Type != domain.EventToolUse || events[0].Name != "echo" {
		t.Fatalf("events = %+v", events)
	}
	if string(events[0].Input) != "{}" {
		t.Errorf("input = %s, want {}", events[0].Input)
	}
}

func TestTranslateAssistantIgnoresText(t *testing.T) {
	msg := agent.Message{
		Type: "assistant",
		Message: json.RawMessage(`{"role":"assistant","content":[
			{"type":"text","text":"already streamed"},
			{"type":"tool_use","name":"lookup","input":{"q":"cache"}}
		]}`),
	}
	events := Translate(msg)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want only the tool_use", events)
	}
	if events[0].Type != domain.EventToolUse || events[0].Name != "lookup" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestTranslateToolResult(t *testing.T) {
	msg := agent.Message{
		Type: "user",
		Message: json.RawMessage(`{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}
		]}`),
	}
	events := Translate(msg)
	if len(events) != 1 || events[0].Type != domain.EventToolResult {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Name != "unknown" {
		t.Errorf("name = %q, want unknown fallback", events[0].Name)
	}
	if events[0].Output != "line one\nline two" {
		t.Errorf("output = %q", events[0].Output)
	}
}

func TestTranslateToolResultStringContent(t *testing.T) {
	msg := agent.Message{
		Type:    "user",
		Message: json.RawMessage(`{"role":"user","content":[{"type":"tool_result","name":"echo","content":"plain"}]}`),
	}
	events := Translate(msg)
	if len(events) != 1 || events[0].Name != "echo" || events[0].Output != "plain" {
		t.Fatalf("events = %+v", events)
	}
}

func TestTranslateResultSuccess(t *testing.T) {
	cost := 0.42
	events := Translate(agent.Message{Type: "result", Subtype: "success", Cost: &cost})
	if len(events) != 1 || events[0].Type != domain.EventTurnEnd {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Cost == nil || *events[0].Cost != 0.42 {
		t.Errorf("cost = %v", events[0].Cost)
	}
}

func TestTranslateResultError(t *testing.T) {
	events := Translate(agent.Message{Type: "result", Subtype: "error_during_execution", Errors: []string{"a", "b"}})
	if len(events) != 1 || events[0].Type != domain.EventError {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Reason != "a; b" {
		t.Errorf("reason = %q", events[0].Reason)
	}

	// No error list: the subtype is the reason.
	events = Translate(agent.Message{Type: "result", Subtype: "error_max_turns"})
	if events[0].Reason != "error_max_turns" {
		t.Errorf("reason = %q", events[0].Reason)
	}
}

func TestTranslateUnknownType(t *testing.T) {
	if got := Translate(agent.Message{Type: "control_request"}); got != nil {
		t.Errorf("unknown type produced %+v", got)
	}
}
