package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelAPI       ChannelType = "api"
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelScheduler ChannelType = "scheduler"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels.
// Messages are immutable once appended to a session.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Channel     ChannelType    `json:"channel"`
	ChannelID   string         `json:"channel_id,omitempty"` // Platform-specific message ID
	Direction   Direction      `json:"direction"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Thinking    string         `json:"thinking,omitempty"` // Model reasoning, never resent upstream
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Pinned      bool           `json:"pinned,omitempty"` // Pinned messages survive context trimming
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Size returns the approximate content footprint of the message in bytes,
// used for context-window budgeting.
func (m *Message) Size() int {
	n := len(m.Content) + len(m.Thinking)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		n += len(tr.Content)
	}
	return n
}

// ToolCall represents an LLM's request to execute a tool.
// Input is schema-less at decode time; it is validated against the tool's
// declared schema when the call is invoked.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Session represents a conversation thread.
type Session struct {
	ID        string         `json:"id"`
	Channel   ChannelType    `json:"channel"`
	ChannelID string         `json:"channel_id,omitempty"`
	Key       string         `json:"key"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
