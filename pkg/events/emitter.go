package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/models"
)

// Identity distinguishes who is emitting on a course stream.
type Identity string

const (
	IdentityConcierge Identity = "concierge"
	IdentityCommis    Identity = "commis"
)

// previewLimit bounds tool argument and result previews inside event
// payloads; the full value stays in the event's dedicated payload field.
const previewLimit = 500

// Emitter writes identity-tagged events onto one course's stream. For
// continuation courses and commis activity, CourseID is the ORIGINATING
// (root) course so a single SSE stream observes the whole story.
type Emitter struct {
	log         *Log
	identity    Identity
	courseID    int64
	ownerID     int64
	traceID     string
	messageUUID string
}

// NewEmitter creates an emitter bound to a course stream.
func NewEmitter(log *Log, identity Identity, courseID, ownerID int64, traceID, messageUUID string) *Emitter {
	return &Emitter{
		log:         log,
		identity:    identity,
		courseID:    courseID,
		ownerID:     ownerID,
		traceID:     traceID,
		messageUUID: messageUUID,
	}
}

// CourseID returns the stream course id.
func (e *Emitter) CourseID() int64 { return e.courseID }

// TraceID returns the trace id stamped on every event.
func (e *Emitter) TraceID() string { return e.traceID }

// MessageUUID returns the assistant message id for token correlation.
func (e *Emitter) MessageUUID() string { return e.messageUUID }

// Emit appends an event with the emitter's routing fields merged in.
// Append failures are logged, not returned: event emission never aborts the
// run it narrates.
func (e *Emitter) Emit(ctx context.Context, eventType bus.EventType, payload models.JSONMap) {
	merged := models.JSONMap{
		"identity": string(e.identity),
		"trace_id": e.traceID,
	}
	for k, v := range payload {
		merged[k] = v
	}
	if _, err := e.log.Append(ctx, e.courseID, eventType, merged); err != nil {
		slog.Error("Failed to append course event",
			"course_id", e.courseID, "event_type", eventType, "error", err)
	}
}

// typed returns the identity-prefixed event type for tool events, so the
// concierge emits concierge_tool_started and a commis emits
// commis_tool_started on the same stream.
func (e *Emitter) typed(suffix string) bus.EventType {
	return bus.EventType(string(e.identity) + "_" + suffix)
}

// ToolStarted emits a tool-started event with a truncated argument preview.
func (e *Emitter) ToolStarted(ctx context.Context, toolName, toolCallID string, args json.RawMessage) {
	e.Emit(ctx, e.typed("tool_started"), models.JSONMap{
		"tool_name":    toolName,
		"tool_call_id": toolCallID,
		"args_preview": truncate(string(args), previewLimit),
	})
}

// ToolCompleted emits a tool-completed event. result may be a string
// summary or a structured object; full holds the untruncated payload kept
// only in the log.
func (e *Emitter) ToolCompleted(ctx context.Context, toolName, toolCallID string, result any, full models.JSONMap) {
	payload := models.JSONMap{
		"tool_name":    toolName,
		"tool_call_id": toolCallID,
		"result":       previewValue(result),
	}
	if full != nil {
		payload["full_result"] = full
	}
	e.Emit(ctx, e.typed("tool_completed"), payload)
}

// ToolFailed emits a tool-failed event carrying the error envelope fields.
func (e *Emitter) ToolFailed(ctx context.Context, toolName, toolCallID, errorType, userMessage string) {
	e.Emit(ctx, e.typed("tool_failed"), models.JSONMap{
		"tool_name":    toolName,
		"tool_call_id": toolCallID,
		"error_type":   errorType,
		"user_message": userMessage,
	})
}

// Token emits one streamed LLM token keyed by the assistant message UUID.
func (e *Emitter) Token(ctx context.Context, token string) {
	e.Emit(ctx, bus.EventConciergeToken, models.JSONMap{
		"message_id": e.messageUUID,
		"token":      token,
	})
}

// Heartbeat emits a liveness event while a long turn executes.
func (e *Emitter) Heartbeat(ctx context.Context) {
	e.Emit(ctx, bus.EventConciergeHeartbeat, models.JSONMap{})
}

// Error emits an error event with the envelope's user-facing fields.
func (e *Emitter) Error(ctx context.Context, errorType, userMessage string) {
	e.Emit(ctx, bus.EventError, models.JSONMap{
		"error_type":   errorType,
		"user_message": userMessage,
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

func previewValue(v any) any {
	switch t := v.(type) {
	case string:
		return truncate(t, previewLimit)
	default:
		return v
	}
}
