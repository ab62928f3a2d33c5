// Package events implements the course event log: an append-only,
// per-course numbered stream persisted in the database and mirrored onto
// the in-process bus. The log is the durable copy used for SSE replay; the
// bus carries the live copy.
package events

import (
	"context"
	"fmt"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// Log appends and replays course events.
type Log struct {
	store *store.Store
	bus   *bus.Bus
}

// NewLog creates a Log over the store and bus.
func NewLog(st *store.Store, b *bus.Bus) *Log {
	return &Log{store: st, bus: b}
}

// Bus returns the underlying bus, for subscribers that want raw access.
func (l *Log) Bus() *bus.Bus { return l.bus }

// Append persists the event with the next per-course sequence number and
// then publishes the enriched record on the bus. Persistence failure means
// nothing is published.
func (l *Log) Append(ctx context.Context, courseID int64, eventType bus.EventType, payload models.JSONMap) (*models.CourseEvent, error) {
	event, err := l.store.AppendCourseEvent(ctx, courseID, string(eventType), payload)
	if err != nil {
		return nil, fmt.Errorf("appending course event: %w", err)
	}
	l.bus.Publish(bus.Event{
		Type:     eventType,
		CourseID: courseID,
		Seq:      event.Seq,
		Payload:  payload,
	})
	return event, nil
}

// EventsAfter returns the persisted events of a course with seq greater
// than afterSeq, in order.
func (l *Log) EventsAfter(ctx context.Context, courseID, afterSeq int64) ([]*models.CourseEvent, error) {
	return l.store.ListCourseEventsAfter(ctx, courseID, afterSeq)
}
