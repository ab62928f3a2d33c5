// Package tools defines the tool contract shared by every fiche: a named,
// schema-validated operation returning a structured envelope. Tool failures
// are data, not Go errors: the LLM sees the envelope and decides whether
// to retry or escalate.
package tools

import (
	"encoding/json"

	"github.com/brigadehq/brigade/pkg/models"
)

// Error type constants used across envelopes and HTTP mapping.
const (
	ErrTypeValidation     = "validation_error"
	ErrTypeMissingContext = "missing_context"
	ErrTypeNotFound       = "not_found"
	ErrTypeInvalidState   = "invalid_state"
	ErrTypePermission     = "permission_denied"
	ErrTypeRateLimited    = "rate_limited"
	ErrTypeExecution      = "execution_error"
	ErrTypeTransport      = "transport_exception"
)

// Envelope is the structured result every tool returns.
type Envelope struct {
	OK          bool           `json:"ok"`
	Data        any            `json:"data,omitempty"`
	ErrorType   string         `json:"error_type,omitempty"`
	UserMessage string         `json:"user_message,omitempty"`
	Details     models.JSONMap `json:"details,omitempty"`
}

// Success wraps data in an ok envelope.
func Success(data any) Envelope {
	return Envelope{OK: true, Data: data}
}

// Failure builds an error envelope.
func Failure(errorType, userMessage string, details models.JSONMap) Envelope {
	return Envelope{OK: false, ErrorType: errorType, UserMessage: userMessage, Details: details}
}

// IsCritical reports whether the envelope carries an error type that must
// not be summarized as success downstream.
func (e Envelope) IsCritical() bool {
	switch e.ErrorType {
	case ErrTypeMissingContext, ErrTypeNotFound, ErrTypeInvalidState:
		return true
	}
	return false
}

// JSON renders the envelope for a tool-role message.
func (e Envelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		return `{"ok":false,"error_type":"execution_error","user_message":"unserializable tool result"}`
	}
	return string(b)
}
