package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/brigadehq/brigade/pkg/models"
)

// RegisterRunnerRequest is the body of POST /api/v1/runners/register. The
// route authenticates with the enroll token, not a user session.
type RegisterRunnerRequest struct {
	Token        string            `json:"token"`
	Name         string            `json:"name"`
	Labels       models.JSONMap    `json:"labels,omitempty"`
	Capabilities models.StringList `json:"capabilities,omitempty"`
}

// UpdateRunnerRequest is the body of PATCH /api/v1/runners/:id.
type UpdateRunnerRequest struct {
	Labels       models.JSONMap    `json:"labels"`
	Capabilities models.StringList `json:"capabilities"`
}

// enrollTokenHandler handles POST /api/v1/runners/enroll-token.
func (s *Server) enrollTokenHandler(c *echo.Context) error {
	token, err := s.runners.CreateEnrollToken(c.Request().Context(), currentUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, token)
}

// registerRunnerHandler handles POST /api/v1/runners/register. The response
// carries the runner secret; it is never returned again.
func (s *Server) registerRunnerHandler(c *echo.Context) error {
	var req RegisterRunnerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "enroll token is required")
	}
	registered, err := s.runners.Register(c.Request().Context(), req.Token, req.Name, req.Labels, req.Capabilities)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, registered)
}

// listRunnersHandler handles GET /api/v1/runners.
func (s *Server) listRunnersHandler(c *echo.Context) error {
	runners, err := s.runners.List(c.Request().Context(), currentUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, runners)
}

// getRunnerHandler handles GET /api/v1/runners/:id.
func (s *Server) getRunnerHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	runner, err := s.runners.Get(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, runner)
}

// updateRunnerHandler handles PATCH /api/v1/runners/:id.
func (s *Server) updateRunnerHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req UpdateRunnerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	runner, err := s.runners.Update(c.Request().Context(), currentUser(c), id, req.Labels, req.Capabilities)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, runner)
}

// revokeRunnerHandler handles POST /api/v1/runners/:id/revoke.
func (s *Server) revokeRunnerHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := s.runners.Revoke(c.Request().Context(), currentUser(c), id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "revoked"})
}

// listRunnerJobsHandler handles GET /api/v1/runners/:id/jobs.
func (s *Server) listRunnerJobsHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	// Ownership check; the store query has no owner scoping.
	if _, err := s.runners.Get(c.Request().Context(), currentUser(c), id); err != nil {
		return mapServiceError(err)
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n <= 0 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be in 1..200")
		}
		limit = n
	}
	jobs, err := s.store.ListRunnerJobs(c.Request().Context(), id, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, jobs)
}

// runnerWSHandler hands the connection to the fleet hub. Authentication
// happens inside the socket via the hello frame.
func (s *Server) runnerWSHandler(c *echo.Context) error {
	return s.hub.Accept(c.Response(), c.Request())
}
