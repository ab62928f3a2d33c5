package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/store"
)

// sseHeartbeat keeps idle course streams alive through proxies.
const sseHeartbeat = 30 * time.Second

// listCoursesHandler handles GET /api/v1/courses?status=&limit=.
func (s *Server) listCoursesHandler(c *echo.Context) error {
	status := models.CourseStatus(c.QueryParam("status"))
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be in 1..500")
		}
		limit = n
	}
	courses, err := s.courses.List(c.Request().Context(), currentUser(c), status, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, courses)
}

// getCourseHandler handles GET /api/v1/courses/:id.
func (s *Server) getCourseHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	detail, err := s.courses.Get(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

// cancelCourseHandler handles POST /api/v1/courses/:id/cancel.
func (s *Server) cancelCourseHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := s.courses.Cancel(c.Request().Context(), currentUser(c), id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "cancelled"})
}

// continueCourseHandler handles POST /api/v1/internal/courses/:id/continue.
// It re-enqueues the course-run entry for a non-terminal course, the
// operator escape hatch for a course whose queue entry was lost. Dedupe on
// the course key makes repeated calls harmless.
func (s *Server) continueCourseHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	course, err := s.store.GetCourse(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "course not found")
		}
		return mapServiceError(err)
	}
	if course.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "course already finished")
	}
	entry, created, err := s.store.EnqueueJob(ctx, nil, queue.JobCourseRun,
		queue.CourseDedupeKey(course.ID), s.store.Now(), 3,
		models.JSONMap{"course_id": course.ID})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"course_id": course.ID,
		"entry_id":  entry.ID,
		"enqueued":  created,
	})
}

// courseEventsHandler handles GET /api/v1/courses/:id/events as an SSE
// stream. Reconnecting clients resume with Last-Event-ID (the header wins
// over the last_event_id query parameter). The stream closes once the
// course's continuation chain has reached a terminal course with no barrier
// left to fire another continuation.
func (s *Server) courseEventsHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	// Ownership check before streaming anything.
	if _, err := s.courses.Get(ctx, currentUser(c), id); err != nil {
		return mapServiceError(err)
	}

	afterSeq := int64(0)
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("last_event_id")
	}
	if raw != "" {
		afterSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || afterSeq < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "last event id must be a non-negative integer")
		}
	}

	sub, err := s.log.Subscribe(ctx, id, afterSeq)
	if err != nil {
		return mapServiceError(err)
	}
	defer sub.Cancel()

	if s.metrics != nil {
		s.metrics.SSEStreams.Inc()
		defer s.metrics.SSEStreams.Dec()
	}

	resp := c.Response()
	h := resp.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	flusher := http.NewResponseController(resp)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	// The subscription replays history first, so a stream opened after the
	// chain already finished still delivers the backlog before closing.
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(resp, ": heartbeat\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeSSE(resp, ev); err != nil {
				return nil
			}
			flusher.Flush()
			if ev.EventType == events.OverflowEventType {
				return nil
			}
			if streamClosingEvent(ev.EventType) && s.streamFinished(ctx, id) {
				return nil
			}
		}
	}
}

// writeSSE emits one event frame. Synthetic events carry no seq and so no
// id line; clients will not resume from them.
func writeSSE(w http.ResponseWriter, ev *models.CourseEvent) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		data = []byte(`{}`)
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, data)
	return err
}

// streamClosingEvent reports whether an event type can mark the end of a
// course stream, gating the chain-state check to a handful of events.
func streamClosingEvent(eventType string) bool {
	switch bus.EventType(eventType) {
	case bus.EventCourseComplete, bus.EventCourseCancelled, bus.EventError:
		return true
	}
	return false
}

// streamFinished reports whether the continuation chain has settled: the
// tail course is terminal and holds no barrier that would spawn another
// continuation.
func (s *Server) streamFinished(ctx context.Context, courseID int64) bool {
	chain, err := s.store.ContinuationChain(ctx, courseID)
	if err != nil || len(chain) == 0 {
		return false
	}
	tail := chain[len(chain)-1]
	if !tail.Status.Terminal() {
		return false
	}
	_, err = s.store.GetBarrier(ctx, tail.ID)
	return errors.Is(err, store.ErrNotFound)
}
