package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/models"
)

// streamQueueSize bounds the per-subscription buffer. Clients that fall
// more than this far behind receive an overflow event and are closed; they
// recover by reconnecting with their Last-Event-ID.
const streamQueueSize = 1000

// OverflowEventType marks the synthetic event sent when a subscription's
// buffer overflowed.
const OverflowEventType = "overflow"

// Subscription delivers one course's events in seq order: history first,
// then live. The channel closes after Cancel, on context cancellation, or
// after an overflow event.
type Subscription struct {
	Events <-chan *models.CourseEvent
	cancel func()
}

// Cancel detaches the subscription from the bus and closes Events.
func (s *Subscription) Cancel() { s.cancel() }

// Subscribe attaches to a course stream, replaying persisted events with
// seq > afterSeq before switching to live delivery. It subscribes to the
// bus before reading history so no event falls in the gap; duplicates
// arriving on both paths are dropped by seq.
func (l *Log) Subscribe(ctx context.Context, courseID, afterSeq int64) (*Subscription, error) {
	out := make(chan *models.CourseEvent, streamQueueSize)
	live := make(chan *models.CourseEvent, streamQueueSize)
	overflow := make(chan struct{}, 1)

	cancelBus := l.bus.Subscribe(func(_ context.Context, ev bus.Event) {
		if ev.CourseID != courseID || ev.Seq == 0 {
			return
		}
		record := &models.CourseEvent{
			CourseID:  ev.CourseID,
			Seq:       ev.Seq,
			EventType: string(ev.Type),
			Payload:   ev.Payload,
		}
		select {
		case live <- record:
		default:
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})

	history, err := l.EventsAfter(ctx, courseID, afterSeq)
	if err != nil {
		cancelBus()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(out)
		lastSent := afterSeq
		for _, ev := range history {
			select {
			case out <- ev:
				lastSent = ev.Seq
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-overflow:
				slog.Warn("Course stream overflowed", "course_id", courseID)
				// Best effort: the close below signals overflow even when
				// the buffer has no room left for the marker event.
				select {
				case out <- &models.CourseEvent{
					CourseID:  courseID,
					EventType: OverflowEventType,
					Payload:   models.JSONMap{"reason": "subscriber too slow"},
				}:
				default:
				}
				return
			case ev := <-live:
				if ev.Seq <= lastSent {
					continue
				}
				select {
				case out <- ev:
					lastSent = ev.Seq
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelBus()
			close(done)
		})
	}
	return &Subscription{Events: out, cancel: cancel}, nil
}
