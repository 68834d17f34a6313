// Package http serves the hub's REST API, the per-session SSE event stream
// and the Prometheus scrape endpoint.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/logging"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
	"github.com/fyrsmithlabs/agenthub/internal/telemetry"
)

// Sessions is the session manager surface the API exposes.
// *orchestrator.Manager implements it.
type Sessions interface {
	CreateSession(ctx context.Context, cfg orchestrator.SessionConfig) (*orchestrator.SessionState, error)
	GetSession(id string) (*orchestrator.SessionState, error)
	Sessions() []orchestrator.SessionInfo
	GetActiveSessions() []orchestrator.SessionInfo
	EvictSession(id string) error

	PauseSession(ctx context.Context, id, actor string) error
	ResumeSession(ctx context.Context, id, actor string) error
	AbortSession(ctx context.Context, id, actor, reason string) error
	ApproveSession(ctx context.Context, id, actor string) error
	CompleteSession(ctx context.Context, id, actor string) error
	RequestApproval(ctx context.Context, id, actor, reason string) error

	PublishCommand(ctx context.Context, cmd protocol.Command) error
	PublishEvent(ctx context.Context, ev protocol.Event) (protocol.Event, error)
	EventsSince(id string, seq uint64) ([]protocol.Event, error)
	SubscribeSince(id string, seq uint64) (*eventlog.Subscription, error)
}

var _ Sessions = (*orchestrator.Manager)(nil)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Heartbeat is the SSE keep-alive interval. Zero means 15s.
	Heartbeat time.Duration
}

// Option customises a Server.
type Option func(*Server)

// WithGatherer serves g on /metrics. Without it the default registry is used.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMeterProvider records HTTP metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) { s.meterProvider = mp }
}

// WithTelemetry reports tel's health on /health.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = tel }
}

// Server provides the hub's HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	sessions Sessions
	logger   *zap.Logger
	config   *Config

	gatherer      prometheus.Gatherer
	meterProvider metric.MeterProvider
	telemetry     *telemetry.Telemetry

	// closing ends open SSE streams, which http.Server.Shutdown would
	// otherwise wait on.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server for sessions.
func NewServer(sessions Sessions, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("sessions cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9090}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		sessions: sessions,
		logger:   logger,
		config:   cfg,
		gatherer: prometheus.DefaultGatherer,
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestContext)
	e.Use(NewHTTPMetrics(s.meterProvider, logger).MetricsMiddleware())
	e.Use(s.accessLog)

	s.registerRoutes()
	return s, nil
}

// requestContext tags the request context with the request id so log
// lines written below the handler carry it.
func requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		ctx := c.Request().Context()
		fields := append(logging.ContextFields(ctx),
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		s.logger.Info("http request", fields...)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleEvictSession)

	v1.POST("/sessions/:id/pause", s.handleTransition(func(ctx context.Context, id string, r TransitionRequest) error {
		return s.sessions.PauseSession(ctx, id, r.Actor)
	}))
	v1.POST("/sessions/:id/resume", s.handleTransition(func(ctx context.Context, id string, r TransitionRequest) error {
		return s.sessions.ResumeSession(ctx, id, r.Actor)
	}))
	v1.POST("/sessions/:id/abort", s.handleTransition(func(ctx context.Context, id string, r TransitionRequest) error {
		return s.sessions.AbortSession(ctx, id, r.Actor, r.Reason)
	}))
	v1.POST("/sessions/:id/approve", s.handleTransition(func(ctx context.Context, id string, r TransitionRequest) error {
		return s.sessions.ApproveSession(ctx, id, r.Actor)
	}))
	v1.POST("/sessions/:id/complete", s.handleTransition(func(ctx context.Context, id string, r TransitionRequest) error {
		return s.sessions.CompleteSession(ctx, id, r.Actor)
	}))
	v1.POST("/sessions/:id/request-approval", s.handleTransition(func(ctx context.Context, id string, r TransitionRequest) error {
		return s.sessions.RequestApproval(ctx, id, r.Actor, r.Reason)
	}))

	v1.POST("/sessions/:id/commands", s.handlePublishCommand)
	v1.POST("/sessions/:id/events", s.handlePublishEvent)
	v1.GET("/sessions/:id/events", s.handleListEvents)
	v1.GET("/sessions/:id/stream", s.handleStream)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open SSE streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.closeOnce.Do(func() { close(s.closing) })
	return s.echo.Shutdown(ctx)
}
