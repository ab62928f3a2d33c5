package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/brigadehq/brigade/pkg/concierge"
)

// ChatRequest is the body of POST /api/v1/concierge/chat.
type ChatRequest struct {
	Task             string `json:"task"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty"`
	ReturnOnDeferred bool   `json:"return_on_deferred,omitempty"`
	Model            string `json:"model,omitempty"`
	ReasoningEffort  string `json:"reasoning_effort,omitempty"`
}

// conciergeChatHandler handles POST /api/v1/concierge/chat. The call blocks
// until the turn reaches a terminal course unless return_on_deferred is set.
func (s *Server) conciergeChatHandler(c *echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := s.concierge.Chat(c.Request().Context(), &concierge.Request{
		Owner:            currentUser(c),
		Task:             req.Task,
		Timeout:          time.Duration(req.TimeoutSeconds) * time.Second,
		ReturnOnDeferred: req.ReturnOnDeferred,
		Model:            req.Model,
		ReasoningEffort:  req.ReasoningEffort,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
