// Package llm abstracts the model providers behind a single streaming
// completion call. Providers convert between the neutral message/tool
// types here and their SDK's wire format; callers never see SDK types.
package llm

import (
	"context"
	"encoding/json"

	"github.com/brigadehq/brigade/pkg/models"
)

// Role constants for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation in provider-neutral form.
type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant messages that requested tool execution.
	ToolCalls []models.ToolCall

	// ToolCallID ties a tool-role message back to the call it answers.
	ToolCallID string
}

// ToolDef describes a tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single completion turn.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolDef
	MaxTokens       int
	ReasoningEffort string
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the assistant's turn: text, zero or more tool calls, and
// token usage.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// StreamFunc receives text tokens as they arrive. It may be nil when the
// caller does not stream.
type StreamFunc func(token string)

// Client is the provider contract. Complete blocks until the turn
// finishes or ctx is done.
type Client interface {
	Complete(ctx context.Context, req Request, stream StreamFunc) (*Response, error)
}

const defaultMaxTokens = 8192
