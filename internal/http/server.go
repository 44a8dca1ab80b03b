// Package http provides the HTTP API for ledgerd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/orchestrator"
	"github.com/fyrsmithlabs/ledgerd/internal/retry"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
	"github.com/fyrsmithlabs/ledgerd/internal/telemetry"
	"github.com/fyrsmithlabs/ledgerd/internal/uncertainty"
	"github.com/fyrsmithlabs/ledgerd/pkg/secrets"
)

// Server provides HTTP endpoints for ledgerd.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Version is reported by /api/v1/status.
	Version string
}

// Deps are the services the API exposes. Scanner and Telemetry are
// optional: without a scanner the scrub endpoint is not registered, and
// without telemetry /health omits exporter health.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
	Audit        *audit.Log
	Gate         *compliance.Gate
	Retry        *retry.Manager
	Detector     *uncertainty.Detector
	Scanner      *secrets.Scanner
	Telemetry    *telemetry.Telemetry
}

func (d Deps) validate() error {
	var errs []error
	if d.Orchestrator == nil {
		errs = append(errs, errors.New("orchestrator is required"))
	}
	if d.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if d.Audit == nil {
		errs = append(errs, errors.New("audit log is required"))
	}
	if d.Gate == nil {
		errs = append(errs, errors.New("compliance gate is required"))
	}
	if d.Retry == nil {
		errs = append(errs, errors.New("retry manager is required"))
	}
	if d.Detector == nil {
		errs = append(errs, errors.New("uncertainty detector is required"))
	}
	return errors.Join(errs...)
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo write the response so the logged status is final.
				c.Error(err)
			}
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return nil
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/run", s.handleRun)

	v1.POST("/tasks/:id/resume", s.handleResume)
	v1.GET("/tasks/:id/checkpoints/summary", s.handleSummary)
	v1.GET("/tasks/:id/checkpoints/verify", s.handleVerifyChain)
	v1.POST("/tasks/:id/holds/release", s.handleReleaseHold)
	v1.GET("/tasks/:id/retry", s.handleRetryStatus)
	v1.GET("/tasks/:id/signals", s.handleSignals)

	v1.POST("/checkpoints/:id/rollback", s.handleRollback)
	v1.GET("/holds", s.handleHolds)

	if s.deps.Scanner != nil {
		v1.POST("/scrub", s.handleScrub)
	}
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// apiError maps service errors onto HTTP status codes.
func apiError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, uncertainty.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrTaskHeld),
		errors.Is(err, orchestrator.ErrNotResumable),
		errors.Is(err, compliance.ErrNotHeld),
		errors.Is(err, compliance.ErrNoMatchingHold),
		errors.Is(err, store.ErrAlreadyClaimed),
		errors.Is(err, store.ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
