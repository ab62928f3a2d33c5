// Package api exposes the HTTP surface: REST handlers, the concierge chat
// endpoint, SSE course streams, the runner WebSocket attach point, webhook
// ingestion, and the jobs admin API.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/brigadehq/brigade/pkg/concierge"
	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/database"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/fleet"
	"github.com/brigadehq/brigade/pkg/metrics"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/services"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/version"
)

// Deps carries everything the server needs. All fields are required unless
// noted.
type Deps struct {
	Config    *config.Config
	DB        *database.Client
	Store     *store.Store
	Log       *events.Log
	Metrics   *metrics.Metrics // optional
	Users     *services.UserService
	Fiches    *services.FicheService
	Threads   *services.ThreadService
	Courses   *services.CourseService
	Triggers  *services.TriggerService
	Runners   *services.RunnerService
	Concierge *concierge.Service
	Registry  *queue.Registry
	Scheduler *queue.Scheduler
	Hub       *fleet.Hub // optional, disables the runner WS route when nil

	// ManifestHandler builds handlers for manifest-sourced jobs during
	// POST /jobs/sync. Optional; sync is disabled when nil.
	ManifestHandler func(config.ManifestJob) queue.Handler
}

// Server wires the echo router over the service layer.
type Server struct {
	cfg       *config.Config
	db        *database.Client
	store     *store.Store
	log       *events.Log
	metrics   *metrics.Metrics
	users     *services.UserService
	fiches    *services.FicheService
	threads   *services.ThreadService
	courses   *services.CourseService
	triggers  *services.TriggerService
	runners   *services.RunnerService
	concierge *concierge.Service
	registry  *queue.Registry
	scheduler *queue.Scheduler
	hub       *fleet.Hub

	manifestHandler func(config.ManifestJob) queue.Handler

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		db:        deps.DB,
		store:     deps.Store,
		log:       deps.Log,
		metrics:   deps.Metrics,
		users:     deps.Users,
		fiches:    deps.Fiches,
		threads:   deps.Threads,
		courses:   deps.Courses,
		triggers:  deps.Triggers,
		runners:   deps.Runners,
		concierge: deps.Concierge,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,

		manifestHandler: deps.ManifestHandler,
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		scrape := s.metrics.Handler()
		e.GET("/metrics", func(c *echo.Context) error {
			scrape.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	// Routes with their own authentication scheme.
	e.POST("/api/v1/triggers/:id/events", s.webhookHandler)
	e.POST("/api/v1/runners/register", s.registerRunnerHandler)
	if s.hub != nil {
		e.GET("/api/v1/runners/ws", s.runnerWSHandler)
	}

	v1 := e.Group("/api/v1")
	v1.Use(s.authMiddleware())

	v1.POST("/fiches", s.createFicheHandler)
	v1.GET("/fiches", s.listFichesHandler)
	v1.GET("/fiches/:id", s.getFicheHandler)
	v1.PATCH("/fiches/:id", s.updateFicheHandler)
	v1.DELETE("/fiches/:id", s.deleteFicheHandler)
	v1.POST("/fiches/:id/triggers", s.createTriggerHandler)

	v1.POST("/threads", s.createThreadHandler)
	v1.GET("/threads", s.listThreadsHandler)
	v1.GET("/threads/:id", s.getThreadHandler)
	v1.GET("/threads/:id/messages", s.listMessagesHandler)
	v1.POST("/threads/:id/messages", s.postMessageHandler)
	v1.DELETE("/threads/:id", s.deleteThreadHandler)

	v1.POST("/concierge/chat", s.conciergeChatHandler)

	v1.GET("/courses", s.listCoursesHandler)
	v1.GET("/courses/:id", s.getCourseHandler)
	v1.POST("/courses/:id/cancel", s.cancelCourseHandler)
	v1.GET("/courses/:id/events", s.courseEventsHandler)

	v1.GET("/triggers", s.listTriggersHandler)
	v1.DELETE("/triggers/:id", s.deleteTriggerHandler)

	v1.POST("/runners/enroll-token", s.enrollTokenHandler)
	v1.GET("/runners", s.listRunnersHandler)
	v1.GET("/runners/:id", s.getRunnerHandler)
	v1.PATCH("/runners/:id", s.updateRunnerHandler)
	v1.POST("/runners/:id/revoke", s.revokeRunnerHandler)
	v1.GET("/runners/:id/jobs", s.listRunnerJobsHandler)

	// Internal/admin surface. These groups carry their own auth so that
	// X-Internal-Token callers skip the bearer middleware entirely.
	internal := e.Group("/api/v1/internal")
	internal.Use(s.requireInternalOrAdmin())
	internal.POST("/courses/:id/continue", s.continueCourseHandler)

	jobs := e.Group("/api/v1/jobs")
	jobs.Use(s.requireInternalOrAdmin())
	jobs.GET("", s.listJobsHandler)
	jobs.POST("/:job_id/trigger", s.triggerJobHandler)
	jobs.POST("/:job_id/enable", s.enableJobHandler)
	jobs.POST("/:job_id/disable", s.disableJobHandler)
	jobs.POST("/sync", s.syncJobsHandler)

	return e
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.db.Health(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"version":  version.Full(),
			"database": dbHealth,
			"error":    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
	})
}

// securityHeaders sets the standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
