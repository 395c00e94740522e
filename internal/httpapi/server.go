package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loveretold/recording/internal/metrics"
	"github.com/loveretold/recording/internal/recording"
	"github.com/loveretold/recording/internal/session"
	"go.uber.org/zap"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultHealthTimeout     = 3 * time.Second
)

// Config holds configuration for the HTTP API server
type Config struct {
	Addr       string
	Recordings *recording.Manager
	// Sessions backs GET /sessions/:id; nil disables the route
	Sessions       session.Store
	Metrics        metrics.Provider
	Logger         *zap.Logger
	AllowedOrigins []string
	ServiceID      string
	Clock          func() time.Time

	ReadHeaderTimeout time.Duration
	HealthTimeout     time.Duration
}

// Server exposes the recording pipeline over HTTP and websockets
type Server struct {
	cfg        Config
	recordings *recording.Manager
	validator  *session.Validator
	metrics    metrics.Provider
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   upgrader
	healthy    atomic.Bool
}

// NewServer creates the HTTP API server and registers its routes
func NewServer(cfg Config) (*Server, error) {
	if cfg.Recordings == nil {
		return nil, errors.New("recording manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}

	s := &Server{
		cfg:        cfg,
		recordings: cfg.Recordings,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.Named("http"),
	}
	if cfg.Sessions != nil {
		s.validator = session.NewValidator(cfg.Sessions, cfg.Clock, s.logger)
	}
	s.upgrader = newUpgrader(cfg.AllowedOrigins)
	s.healthy.Store(true)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger), requestMetrics(s.metrics))
	s.routes(engine)
	s.engine = engine

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	if s.validator != nil {
		r.GET("/sessions/:id", s.handleGetSession)
	}

	rec := r.Group("/recordings")
	rec.GET("", s.handleListRecordings)
	rec.POST("", s.handleStartRecording)
	rec.GET("/:id", s.handleGetRecording)
	rec.DELETE("/:id", s.handleDiscardRecording)
	rec.POST("/:id/pause", s.handlePause)
	rec.POST("/:id/resume", s.handleResume)
	rec.POST("/:id/stop", s.handleStop)
	rec.POST("/:id/retry", s.handleRetry)
	rec.POST("/:id/visibility", s.handleVisibility)
	rec.GET("/:id/preview", s.handlePreview)
	rec.GET("/:id/events", s.handleEvents)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetHealthy overrides the health flag, e.g. while draining
func (s *Server) SetHealthy(healthy bool) {
	s.healthy.Store(healthy)
}

// Start listens on the configured address and serves until Stop is called
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(lis)
}

// Serve serves requests on lis
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("address", lis.Addr().String()))
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.healthy.Store(false)
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}
