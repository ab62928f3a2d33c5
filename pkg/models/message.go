package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// MessageRole is the conversational role of a thread message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUserMsg   MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is one tool invocation requested by an assistant message.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolCallList is a JSON array of tool calls stored in a single column.
type ToolCallList []ToolCall

// Value implements driver.Valuer.
func (l ToolCallList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *ToolCallList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		*l = nil
		return nil
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// ThreadMessage is one entry in a thread's conversation. Assistant messages
// carry a stable MessageUUID so token-stream and completion events correlate.
// Tool messages reference the assistant tool call they answer via ToolCallID.
type ThreadMessage struct {
	ID          int64        `json:"id"`
	ThreadID    int64        `json:"thread_id"`
	Role        MessageRole  `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   ToolCallList `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	MessageUUID string       `json:"message_uuid,omitempty"`
	Processed   bool         `json:"processed"`
	CreatedAt   time.Time    `json:"created_at"`
}
