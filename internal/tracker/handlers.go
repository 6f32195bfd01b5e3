package tracker

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handlers provides HTTP handlers for tracker operations.
type Handlers struct {
	service *Service
}

// NewHandlers creates new tracker handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the tracker routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Add)
	g.GET("", h.List)
	g.DELETE("/:id", h.Delete)
	g.POST("/scan", h.ScanAll)
	g.POST("/:id/scan", h.Scan)
}

// Add creates a new tracker.
// POST /api/v1/trackers
func (h *Handlers) Add(c echo.Context) error {
	var input AddInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t, err := h.service.Add(c.Request().Context(), input)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, t)
}

// List returns all trackers.
// GET /api/v1/trackers
func (h *Handlers) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.List())
}

// Delete removes a tracker.
// DELETE /api/v1/trackers/:id
func (h *Handlers) Delete(c echo.Context) error {
	id, err := trackerIDParam(c)
	if err != nil {
		return err
	}

	if err := h.service.Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// ScanAll triggers an immediate scan of every tracker. Fire and forget; the
// caller polls the tracker list for results.
// POST /api/v1/trackers/scan
func (h *Handlers) ScanAll(c echo.Context) error {
	go h.service.ScanAll(context.Background())
	return c.JSON(http.StatusAccepted, map[string]string{"message": "scan started"})
}

// Scan triggers an immediate scan of one tracker.
// POST /api/v1/trackers/:id/scan
func (h *Handlers) Scan(c echo.Context) error {
	id, err := trackerIDParam(c)
	if err != nil {
		return err
	}

	// Existence is checked synchronously so the caller gets a 404 for unknown
	// ids; the scan itself runs in the background.
	found := false
	for _, t := range h.service.List() {
		if t.ID == id {
			found = true
			break
		}
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}

	go func() {
		_ = h.service.Scan(context.Background(), id)
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"message": "scan started"})
}

func trackerIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid tracker id")
	}
	return id, nil
}
