package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/brigadehq/brigade/pkg/models"
)

// CreateThreadRequest is the body of POST /api/v1/threads.
type CreateThreadRequest struct {
	FicheID int64  `json:"fiche_id"`
	Title   string `json:"title"`
	Type    string `json:"type,omitempty"`
}

// PostMessageRequest is the body of POST /api/v1/threads/:id/messages.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// createThreadHandler handles POST /api/v1/threads.
func (s *Server) createThreadHandler(c *echo.Context) error {
	var req CreateThreadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	typ := models.ThreadType(req.Type)
	if typ == "" {
		typ = models.ThreadTypeManual
	}
	thread, err := s.threads.Create(c.Request().Context(), currentUser(c), req.FicheID, req.Title, typ)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, thread)
}

// listThreadsHandler handles GET /api/v1/threads.
func (s *Server) listThreadsHandler(c *echo.Context) error {
	out, err := s.threads.List(c.Request().Context(), currentUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// getThreadHandler handles GET /api/v1/threads/:id.
func (s *Server) getThreadHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	thread, err := s.threads.Get(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, thread)
}

// listMessagesHandler handles GET /api/v1/threads/:id/messages.
func (s *Server) listMessagesHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	messages, err := s.threads.Messages(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, messages)
}

// postMessageHandler handles POST /api/v1/threads/:id/messages.
func (s *Server) postMessageHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	msg, err := s.threads.Post(c.Request().Context(), currentUser(c), id, req.Content)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// deleteThreadHandler handles DELETE /api/v1/threads/:id.
func (s *Server) deleteThreadHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := s.threads.Delete(c.Request().Context(), currentUser(c), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
