package queue

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handlers provides HTTP handlers for queue operations.
type Handlers struct {
	service     *Service
	broadcaster *StateBroadcaster
}

// NewHandlers creates new queue handlers. broadcaster may be nil.
func NewHandlers(service *Service, broadcaster *StateBroadcaster) *Handlers {
	return &Handlers{service: service, broadcaster: broadcaster}
}

// RegisterRoutes registers the queue routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Enqueue)
	g.GET("/status", h.Status)
	g.GET("/:id/tasks", h.JobTasks)
	g.PUT("/:id/order", h.Reorder)
	g.POST("/:id/tasks/stop", h.StopTask)
	g.POST("/:id/tasks/skip-provider", h.SkipProvider)
	g.POST("/:id/cancel", h.CancelJob)
	g.DELETE("/:id", h.DeleteJob)
}

// EnqueueRequest is the body of POST /api/v1/queue.
type EnqueueRequest struct {
	Title   string      `json:"title"`
	IsMovie bool        `json:"isMovie"`
	Items   []ItemInput `json:"items"`
}

// Enqueue creates a new download job.
// POST /api/v1/queue
func (h *Handlers) Enqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	jobID, err := h.service.Enqueue(c.Request().Context(), req.Title, req.IsMovie, req.Items)
	if err != nil {
		return httpError(err)
	}

	if h.broadcaster != nil {
		h.broadcaster.Trigger()
	}

	return c.JSON(http.StatusCreated, map[string]int64{"jobId": jobID})
}

// Status returns all jobs split into active and terminal.
// GET /api/v1/queue/status
func (h *Handlers) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Status())
}

// JobTasks returns the detailed task list of one job.
// GET /api/v1/queue/:id/tasks
func (h *Handlers) JobTasks(c echo.Context) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return err
	}

	tasks, err := h.service.JobTasks(jobID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tasks)
}

// ReorderRequest is the body of PUT /api/v1/queue/:id/order.
type ReorderRequest struct {
	Order []string `json:"order"`
}

// Reorder rearranges the queued tasks of a job.
// PUT /api/v1/queue/:id/order
func (h *Handlers) Reorder(c echo.Context) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return err
	}

	var req ReorderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.service.Reorder(c.Request().Context(), jobID, req.Order); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// TaskRequest references one task of a job by key or source URL.
type TaskRequest struct {
	Task string `json:"task"`
}

// StopTask cancels a single task.
// POST /api/v1/queue/:id/tasks/stop
func (h *Handlers) StopTask(c echo.Context) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return err
	}

	var req TaskRequest
	if err := c.Bind(&req); err != nil || req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task reference required")
	}

	if err := h.service.StopTask(c.Request().Context(), jobID, req.Task); err != nil {
		return httpError(err)
	}

	if h.broadcaster != nil {
		h.broadcaster.Trigger()
	}
	return c.NoContent(http.StatusNoContent)
}

// SkipProvider advances a task's provider fallback pointer.
// POST /api/v1/queue/:id/tasks/skip-provider
func (h *Handlers) SkipProvider(c echo.Context) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return err
	}

	var req TaskRequest
	if err := c.Bind(&req); err != nil || req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task reference required")
	}

	if err := h.service.SkipProvider(c.Request().Context(), jobID, req.Task); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CancelJob cancels every non-terminal task of a job.
// POST /api/v1/queue/:id/cancel
func (h *Handlers) CancelJob(c echo.Context) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return err
	}

	if err := h.service.CancelJob(c.Request().Context(), jobID); err != nil {
		return httpError(err)
	}

	if h.broadcaster != nil {
		h.broadcaster.Trigger()
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteJob removes a terminal job from history.
// DELETE /api/v1/queue/:id
func (h *Handlers) DeleteJob(c echo.Context) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return err
	}

	if err := h.service.DeleteJob(c.Request().Context(), jobID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func jobIDParam(c echo.Context) (int64, error) {
	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	return jobID, nil
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoProvidersLeft):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
