package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/tracker"
	"github.com/fetcharr/fetcharr/internal/websocket"
)

// Server handles HTTP requests for the Fetcharr API.
type Server struct {
	echo   *echo.Echo
	hub    *websocket.Hub
	logger zerolog.Logger
	cfg    *config.Config

	queueService     *queue.Service
	queueBroadcaster *queue.StateBroadcaster
	trackerService   *tracker.Service
	scheduler        *scheduler.Scheduler

	startTime time.Time
}

// NewServer creates a new API server instance. Services are constructed by the
// caller so their lifecycles (worker pool, scheduler) stay with main.
func NewServer(
	cfg *config.Config,
	hub *websocket.Hub,
	queueService *queue.Service,
	queueBroadcaster *queue.StateBroadcaster,
	trackerService *tracker.Service,
	sched *scheduler.Scheduler,
	logger zerolog.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:             e,
		hub:              hub,
		logger:           logger,
		cfg:              cfg,
		queueService:     queueService,
		queueBroadcaster: queueBroadcaster,
		trackerService:   trackerService,
		scheduler:        sched,
		startTime:        time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.echo.Use(middleware.Recover())

	// Request ID
	s.echo.Use(middleware.RequestID())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Info().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))

	// Gzip compression
	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			// Skip compression for WebSocket
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	// Health check
	s.echo.GET("/health", s.healthCheck)

	// WebSocket endpoint
	s.echo.GET("/ws", s.hub.HandleWebSocket)

	// API v1 group
	api := s.echo.Group("/api/v1")

	// System routes
	api.GET("/status", s.getStatus)

	// Queue routes
	queueHandlers := queue.NewHandlers(s.queueService, s.queueBroadcaster)
	queueHandlers.RegisterRoutes(api.Group("/queue"))

	// Tracker routes
	trackerHandlers := tracker.NewHandlers(s.trackerService)
	trackerHandlers.RegisterRoutes(api.Group("/trackers"))

	// Scheduler routes
	schedulerGroup := api.Group("/scheduler")
	schedulerGroup.GET("/tasks", s.listTasks)
	schedulerGroup.POST("/tasks/:id/run", s.runTask)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// --- Handler implementations ---

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	status := s.queueService.Status()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":       "0.1.0",
		"startTime":     s.startTime.Format(time.RFC3339),
		"activeJobs":    len(status.Active),
		"trackerCount":  len(s.trackerService.List()),
		"clients":       s.hub.ClientCount(),
		"developerMode": s.cfg.DeveloperMode,
	})
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.scheduler.ListTasks())
}

func (s *Server) runTask(c echo.Context) error {
	if err := s.scheduler.RunNow(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "task started"})
}
