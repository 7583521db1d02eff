// Package app is the orchestration core: translating agent output into
// bus events, running queries per session, and the lazily-built server
// context the HTTP surface hangs off.
package app

import (
	"encoding/json"
	"strings"

	"github.com/guildhall/guild-hall/internal/agent"
	"github.com/guildhall/guild-hall/internal/domain"
)

// Translate maps one agent message to zero or more bus events. Pure:
// no I/O, no state between calls.
//
// Text from the final assistant message is never emitted; with partial
// messages enabled the same text already arrived as stream deltas and
// re-emitting it would duplicate output.
func Translate(msg agent.Message) []domain.Event {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []domain.Event{domain.SessionEvent(msg.SessionID, msg.Model)}
		}
		return nil

	case "stream_event":
		ev, ok := msg.StreamInner()
		if !ok {
			return nil
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return []domain.Event{domain.TextDeltaEvent(ev.Delta.Text)}
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				return []domain.Event{domain.ToolUseEvent(ev.ContentBlock.Name, nil)}
			}
		}
		return nil

	case "assistant":
		inner, ok := msg.Inner()
		if !ok {
			return nil
		}
		var out []domain.Event
		for _, block := range inner.Content {
			if block.Type == "tool_use" {
				out = append(out, domain.ToolUseEvent(block.Name, block.Input))
			}
		}
		return out

	case "user":
		inner, ok := msg.Inner()
		if !ok {
			return nil
		}
		var out []domain.Event
		for _, block := range inner.Content {
			if block.Type != "tool_result" {
				continue
			}
			name := block.Name
			if name == "" {
				name = "unknown"
			}
			out = append(out, domain.ToolResultEvent(name, collapseOutput(block.Content)))
		}
		return out

	case "result":
		if msg.Subtype == "success" {
			return []domain.Event{domain.TurnEndEvent(msg.Cost)}
		}
		if strings.HasPrefix(msg.Subtype, "error") {
			reason := msg.Subtype
			if len(msg.Errors) > 0 {
				reason = strings.Join(msg.Errors, "; ")
			}
			return []domain.Event{domain.ErrorEvent(reason)}
		}
		return nil
	}
	return nil
}

// collapseOutput flattens a tool_result content payload, which is
// either a bare string or an array of text blocks, into one string.
func collapseOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []agent.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
