// Package bus implements the in-process publish/subscribe broker. Topics
// are a closed enum of event types; subscribers are asynchronous callbacks.
// Delivery is best-effort: a slow subscriber drops events rather than
// blocking publishers, and a panicking handler is logged and dropped.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/brigadehq/brigade/pkg/models"
)

// EventType enumerates every topic the bus carries.
type EventType string

const (
	EventCourseCreated   EventType = "course_created"
	EventCourseDeferred  EventType = "supervisor_deferred"
	EventCourseComplete  EventType = "supervisor_complete"
	EventCourseCancelled EventType = "course_cancelled"

	EventConciergeToken         EventType = "concierge_token"
	EventConciergeToolStarted   EventType = "concierge_tool_started"
	EventConciergeToolCompleted EventType = "concierge_tool_completed"
	EventConciergeToolFailed    EventType = "concierge_tool_failed"
	EventConciergeHeartbeat     EventType = "concierge_heartbeat"

	EventCommisSpawned  EventType = "commis_spawned"
	EventCommisStarted  EventType = "commis_started"
	EventCommisComplete EventType = "commis_complete"
	EventCommisFailed   EventType = "commis_failed"

	EventTriggerFired      EventType = "trigger_fired"
	EventWorkerOutputChunk EventType = "worker_output_chunk"
	EventError             EventType = "error"
)

// Event is one published record. CourseID is zero for events not bound to a
// course (trigger fires, worker output).
type Event struct {
	Type     EventType
	CourseID int64
	Seq      int64
	Payload  models.JSONMap
}

// Handler receives events asynchronously. Handlers must not block for long;
// each subscriber has a bounded queue and overflowing events are dropped.
type Handler func(ctx context.Context, event Event)

const subscriberQueueSize = 1024

type subscriber struct {
	id      int64
	types   map[EventType]bool // nil means all types
	ch      chan Event
	done    chan struct{}
	handler Handler
}

// Bus is the in-process broker. The zero value is not usable; construct
// with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	wg     sync.WaitGroup
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]*subscriber)}
}

// Subscribe registers handler for the given event types (all types when
// none are given). The returned cancel function removes the subscription
// and waits for its queue to drain.
func (b *Bus) Subscribe(handler Handler, types ...EventType) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		ch:      make(chan Event, subscriberQueueSize),
		done:    make(chan struct{}),
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.deliver(sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
		<-sub.done
	}
}

// deliver drains one subscriber's queue, isolating handler panics.
func (b *Bus) deliver(sub *subscriber) {
	defer b.wg.Done()
	defer close(sub.done)
	for event := range sub.ch {
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "event_type", event.Type, "panic", r)
		}
	}()
	sub.handler(context.Background(), event)
}

// Publish fans the event out to every matching subscriber. Per-subscriber
// order follows publish order from a single publisher; a full subscriber
// queue drops the event with a warning.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slog.Warn("Dropping event for slow subscriber",
				"event_type", event.Type, "course_id", event.CourseID)
		}
	}
}

// Close removes all subscribers and waits for queued events to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
