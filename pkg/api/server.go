// Package api exposes the HTTP control plane, the SSE and WebSocket event
// streams, and the health and metrics endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/pushpals/pushpals/pkg/config"
	"github.com/pushpals/pushpals/pkg/database"
	"github.com/pushpals/pushpals/pkg/events"
	"github.com/pushpals/pushpals/pkg/ingest"
	"github.com/pushpals/pushpals/pkg/metrics"
	"github.com/pushpals/pushpals/pkg/services"
)

// Server is the HTTP surface over the services and the event fan-out.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	logger     *slog.Logger

	dbClient    *database.Client
	sessions    *services.SessionService
	eventsSvc   *services.EventService
	requests    *services.RequestService
	jobs        *services.JobService
	completions *services.CompletionService
	workers     *services.WorkerService
	system      *services.SystemService

	validator  *ingest.Validator
	publisher  *events.Publisher
	subscriber *events.SubscriberManager
	metrics    *metrics.Registry
}

// Deps bundles the constructor dependencies of the Server.
type Deps struct {
	Config      *config.Config
	Logger      *slog.Logger
	DBClient    *database.Client
	Sessions    *services.SessionService
	Events      *services.EventService
	Requests    *services.RequestService
	Jobs        *services.JobService
	Completions *services.CompletionService
	Workers     *services.WorkerService
	System      *services.SystemService
	Validator   *ingest.Validator
	Publisher   *events.Publisher
	Subscriber  *events.SubscriberManager
	Metrics     *metrics.Registry
}

// NewServer builds the router and registers every route.
func NewServer(d Deps) *Server {
	s := &Server{
		echo:        echo.New(),
		cfg:         d.Config,
		logger:      d.Logger.With("component", "api"),
		dbClient:    d.DBClient,
		sessions:    d.Sessions,
		eventsSvc:   d.Events,
		requests:    d.Requests,
		jobs:        d.Jobs,
		completions: d.Completions,
		workers:     d.Workers,
		system:      d.System,
		validator:   d.Validator,
		publisher:   d.Publisher,
		subscriber:  d.Subscriber,
		metrics:     d.Metrics,
	}

	e := s.echo
	e.Use(securityHeaders())
	e.Use(corsMiddleware())
	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}

	// Health and metrics stay unauthenticated for probes and scrapers.
	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", s.metrics.Handler())
	}

	authed := e.Group("", bearerAuth(d.Config.Server.AuthToken))

	authed.POST("/sessions", s.createSessionHandler)
	authed.GET("/sessions", s.listSessionsHandler)
	authed.GET("/sessions/:id", s.getSessionHandler)
	authed.POST("/sessions/:id/command", s.commandHandler)
	authed.GET("/sessions/:id/events", s.sseHandler)
	authed.GET("/sessions/:id/ws", s.wsHandler)

	authed.POST("/requests/enqueue", s.enqueueRequestHandler)
	authed.POST("/requests/claim", s.claimRequestHandler)
	authed.POST("/requests/:id/complete", s.completeRequestHandler)
	authed.POST("/requests/:id/fail", s.failRequestHandler)
	authed.GET("/requests", s.listRequestsHandler)
	authed.GET("/requests/:id", s.getRequestHandler)
	authed.GET("/requests/:id/position", s.requestPositionHandler)

	authed.POST("/jobs/enqueue", s.enqueueJobHandler)
	authed.POST("/jobs/claim", s.claimJobHandler)
	authed.POST("/jobs/:id/start", s.startJobHandler)
	authed.POST("/jobs/:id/log", s.appendJobLogsHandler)
	authed.POST("/jobs/:id/complete", s.completeJobHandler)
	authed.POST("/jobs/:id/fail", s.failJobHandler)
	authed.POST("/jobs/:id/release", s.releaseJobHandler)
	authed.GET("/jobs", s.listJobsHandler)
	authed.GET("/jobs/:id", s.getJobHandler)
	authed.GET("/jobs/:id/logs", s.tailJobLogsHandler)

	authed.POST("/completions/enqueue", s.enqueueCompletionHandler)
	authed.POST("/completions/claim", s.claimCompletionHandler)
	authed.POST("/completions/:id/complete", s.processCompletionHandler)
	authed.POST("/completions/:id/fail", s.failCompletionHandler)
	authed.GET("/completions", s.listCompletionsHandler)
	authed.GET("/completions/:id", s.getCompletionHandler)

	authed.PUT("/workers/heartbeat", s.heartbeatHandler)
	authed.GET("/workers", s.listWorkersHandler)
	authed.GET("/workers/:id", s.getWorkerHandler)

	authed.GET("/system/status", s.systemStatusHandler)

	return s
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// runs.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
