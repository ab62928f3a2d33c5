package api

import (
	"encoding/json"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// webhookBodyLimit caps the accepted webhook payload size.
const webhookBodyLimit = 256 * 1024

// createTriggerHandler handles POST /api/v1/fiches/:id/triggers. The
// response carries the plaintext secret; it is never returned again.
func (s *Server) createTriggerHandler(c *echo.Context) error {
	ficheID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	created, err := s.triggers.Create(c.Request().Context(), currentUser(c), ficheID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// listTriggersHandler handles GET /api/v1/triggers.
func (s *Server) listTriggersHandler(c *echo.Context) error {
	triggers, err := s.triggers.List(c.Request().Context(), currentUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, triggers)
}

// deleteTriggerHandler handles DELETE /api/v1/triggers/:id.
func (s *Server) deleteTriggerHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := s.triggers.Delete(c.Request().Context(), currentUser(c), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// webhookHandler handles POST /api/v1/triggers/:id/events. Authentication is
// the trigger's own bearer secret; an unknown trigger and a bad token both
// return 404 so the endpoint leaks nothing about which triggers exist.
func (s *Server) webhookHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	token := bearerToken(c.Request())
	if token == "" {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookBodyLimit+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	if len(body) > webhookBodyLimit {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload exceeds 256KiB")
	}
	if len(body) > 0 && !json.Valid(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "payload must be JSON")
	}

	// Fire collapses bad-token onto not-found; mapServiceError turns that
	// into the same 404 an unknown trigger gets.
	course, err := s.triggers.Fire(c.Request().Context(), id, token, json.RawMessage(body))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"course_id": course.ID,
		"status":    string(course.Status),
	})
}
