package models

import "time"

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionClosed   SessionStatus = "closed"
	SessionArchived SessionStatus = "archived"
)

// ChatSession is one conversation between a user, the LLM and the plugin
// tools bound at creation time. Owns its ordered messages.
type ChatSession struct {
	ID                string        `json:"id"`
	ServerID          string        `json:"server_id"`
	Title             string        `json:"title"`
	Status            SessionStatus `json:"status"`
	PluginInstanceIDs []string      `json:"plugin_instance_ids"`
	SystemContext     string        `json:"system_context,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	ClosedAt          *time.Time    `json:"closed_at,omitempty"`
	CreatedBy         string        `json:"created_by,omitempty"`
}

// MessageRole is the author role of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ToolCall is one tool invocation requested by the LLM inside a turn.
type ToolCall struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params"`
}

// ToolCallResult pairs a tool call with its outcome.
type ToolCallResult struct {
	CallID string      `json:"call_id"`
	Tool   string      `json:"tool"`
	Result *ToolResult `json:"result"`
}

// ChatMessage is one append-only entry in a session's conversation.
type ChatMessage struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Role        MessageRole      `json:"role"`
	Content     string           `json:"content"`
	ToolCalls   []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
