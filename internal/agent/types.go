// Package agent wraps the coding-agent CLI behind a small interface:
// a query yields an ordered stream of NDJSON messages. The rest of the
// server never touches the subprocess directly.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/guildhall/guild-hall/internal/domain"
)

// ErrAborted is returned by Stream.Next when the query's cancellation
// handle fired.
var ErrAborted = errors.New("query aborted")

// ContentBlock is one block of an agent message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	// Content is the tool_result payload: a plain string or an array
	// of text blocks, depending on the tool.
	Content json.RawMessage `json:"content,omitempty"`
}

// InnerMessage is the message field of assistant and user messages.
type InnerMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// StreamDelta is the delta of a content_block_delta stream event.
type StreamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// InnerEvent is the event field of a stream_event message, present
// when partial messages are enabled.
type InnerEvent struct {
	Type         string        `json:"type"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
}

// Message is one parsed NDJSON line from the agent subprocess.
type Message struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	Cost      *float64        `json:"total_cost_usd,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// Inner parses the message field, if any.
func (m Message) Inner() (InnerMessage, bool) {
	if len(m.Message) == 0 {
		return InnerMessage{}, false
	}
	var inner InnerMessage
	if err := json.Unmarshal(m.Message, &inner); err != nil {
		return InnerMessage{}, false
	}
	return inner, true
}

// StreamInner parses the event field of a stream_event message.
func (m Message) StreamInner() (InnerEvent, bool) {
	if len(m.Event) == 0 {
		return InnerEvent{}, false
	}
	var ev InnerEvent
	if err := json.Unmarshal(m.Event, &ev); err != nil {
		return InnerEvent{}, false
	}
	return ev, true
}

// ServerConfig describes one MCP server handed to the agent.
type ServerConfig struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// QueryOptions is one query's full input.
type QueryOptions struct {
	Prompt string
	// Priors is the session's stored history, replayed as context.
	Priors []domain.StoredMessage
	// Servers maps server names to MCP endpoints the agent may call.
	Servers map[string]ServerConfig
	// AgentSessionID resumes the agent's own conversation when set.
	AgentSessionID string
	WorkDir        string
}

// Stream is the ordered message sequence of one running query. Next
// blocks for the next message; io.EOF ends the stream and ErrAborted
// reports cancellation.
type Stream interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Querier starts agent queries.
type Querier interface {
	Query(ctx context.Context, opts QueryOptions) (Stream, error)
}
