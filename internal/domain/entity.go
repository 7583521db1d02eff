// Package domain holds Guild Hall entities: sessions, guild members,
// worker jobs, and the event variants delivered on the bus.
// It has no dependencies on other packages.
package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
	StatusError     SessionStatus = "error"
)

// SessionMeta is the durable per-session metadata (meta.json).
type SessionMeta struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         SessionStatus `json:"status"`
	GuildMembers   []string      `json:"guildMembers"`
	AgentSessionID string        `json:"agentSessionId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	MessageCount   int           `json:"messageCount"`
}

// MessageRole classifies a stored message.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolUse    MessageRole = "tool_use"
	RoleToolResult MessageRole = "tool_result"
)

// StoredMessage is one line of a session's messages.jsonl. Append-only;
// never mutated in place.
type StoredMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// MemberStatus is the runtime state of a guild member.
type MemberStatus string

const (
	MemberDisconnected MemberStatus = "disconnected"
	MemberAvailable    MemberStatus = "available"
	MemberConnected    MemberStatus = "connected"
	MemberError        MemberStatus = "error"
)

// TransportKind is how a plugin speaks MCP.
type TransportKind string

const (
	TransportHTTP  TransportKind = "http"
	TransportStdio TransportKind = "stdio"
)

// LaunchSpec is the command a plugin is spawned with. Args may contain
// the literal ${PORT}, substituted with the allocated port before spawn.
type LaunchSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Manifest is the per-plugin manifest file (guild-member.json).
type Manifest struct {
	Name         string        `json:"name"`
	DisplayName  string        `json:"displayName"`
	Description  string        `json:"description"`
	Version      string        `json:"version"`
	Transport    TransportKind `json:"transport"`
	MCP          LaunchSpec    `json:"mcp"`
	PortraitPath string        `json:"portraitPath,omitempty"`
	// Worker marks members that speak the worker/* dispatch protocol.
	Worker bool `json:"worker,omitempty"`
}

// Member is a discovered guild member (plugin) plus its runtime state.
// Identity is the directory name, not the manifest name.
type Member struct {
	Name      string       `json:"name"`
	Dir       string       `json:"dir"`
	Manifest  Manifest     `json:"manifest"`
	Status    MemberStatus `json:"status"`
	Tools     []ToolInfo   `json:"tools,omitempty"`
	LastError string       `json:"lastError,omitempty"`
	Port      int          `json:"port,omitempty"`
}

// ToolInfo is one advertised tool in a member's catalog.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// EventType tags an event variant on the bus.
type EventType string

const (
	EventSession      EventType = "session"
	EventStatusChange EventType = "status_change"
	EventTextDelta    EventType = "text_delta"
	EventToolUse      EventType = "tool_use"
	EventToolResult   EventType = "tool_result"
	EventTurnEnd      EventType = "turn_end"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// Event is a tagged variant delivered on the event bus. Events are
// transient; fields are populated per the type.
type Event struct {
	Type      EventType       `json:"type"`
	Status    SessionStatus   `json:"status,omitempty"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Cost      *float64        `json:"cost,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Worker    string          `json:"worker,omitempty"`
}

// StatusChangeEvent builds a status_change event.
func StatusChangeEvent(s SessionStatus) Event {
	return Event{Type: EventStatusChange, Status: s}
}

// TextDeltaEvent builds a text_delta event.
func TextDeltaEvent(text string) Event {
	return Event{Type: EventTextDelta, Text: text}
}

// ToolUseEvent builds a tool_use event.
func ToolUseEvent(name string, input json.RawMessage) Event {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return Event{Type: EventToolUse, Name: name, Input: input}
}

// ToolResultEvent builds a tool_result event.
func ToolResultEvent(name, output string) Event {
	return Event{Type: EventToolResult, Name: name, Output: output}
}

// TurnEndEvent builds a turn_end event; cost is optional.
func TurnEndEvent(cost *float64) Event {
	return Event{Type: EventTurnEnd, Cost: cost}
}

// ErrorEvent builds an error event.
func ErrorEvent(reason string) Event {
	return Event{Type: EventError, Reason: reason}
}

// DoneEvent builds the terminal done event.
func DoneEvent() Event {
	return Event{Type: EventDone}
}

// SessionEvent builds the session announcement emitted on system/init.
func SessionEvent(agentSessionID, worker string) Event {
	return Event{Type: EventSession, SessionID: agentSessionID, Worker: worker}
}

// JobStatus is the state of a worker job. Jobs start running and make a
// single transition to a terminal status.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobMeta is the durable per-job metadata (meta.json).
type JobMeta struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Decision is one entry of a job's decisions.json array.
type Decision struct {
	Decision  string    `json:"decision"`
	Rationale string    `json:"rationale,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
