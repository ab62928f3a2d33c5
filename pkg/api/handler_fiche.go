package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/brigadehq/brigade/pkg/models"
)

// paramID parses a numeric path parameter.
func paramID(c *echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return id, nil
}

// createFicheHandler handles POST /api/v1/fiches.
func (s *Server) createFicheHandler(c *echo.Context) error {
	var req models.CreateFicheRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f, err := s.fiches.Create(c.Request().Context(), currentUser(c), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

// listFichesHandler handles GET /api/v1/fiches.
func (s *Server) listFichesHandler(c *echo.Context) error {
	out, err := s.fiches.List(c.Request().Context(), currentUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// getFicheHandler handles GET /api/v1/fiches/:id.
func (s *Server) getFicheHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	f, err := s.fiches.Get(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, f)
}

// updateFicheHandler handles PATCH /api/v1/fiches/:id.
func (s *Server) updateFicheHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req models.UpdateFicheRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f, err := s.fiches.Update(c.Request().Context(), currentUser(c), id, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, f)
}

// deleteFicheHandler handles DELETE /api/v1/fiches/:id.
func (s *Server) deleteFicheHandler(c *echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := s.fiches.Delete(c.Request().Context(), currentUser(c), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
