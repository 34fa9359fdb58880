// Package callback serves the HTTP endpoints backends push run status to,
// next to read access to runs, health and metrics.
package callback

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/config"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// APIRoot prefixes the run endpoints.
const APIRoot = "/api/v1"

// Server is the callback HTTP server.
type Server struct {
	echo       *echo.Echo
	dispatcher *engine.Dispatcher
	schemas    *config.SchemaRegistry
	metrics    http.Handler
	checks     map[string]HealthChecker
	logger     zerolog.Logger
}

// HealthChecker reports whether a dependency of the server is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithSchemas validates submissions against the CUE #Submission schema.
func WithSchemas(sr *config.SchemaRegistry) Option {
	return func(s *Server) { s.schemas = sr }
}

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck adds a named dependency to GET /healthz. The endpoint
// answers 503 while any check fails.
func WithHealthCheck(name string, hc HealthChecker) Option {
	return func(s *Server) {
		if s.checks == nil {
			s.checks = make(map[string]HealthChecker)
		}
		s.checks[name] = hc
	}
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger.With().Str("component", "callback").Logger() }
}

// NewServer builds the server and its routes.
func NewServer(d *engine.Dispatcher, opts ...Option) *Server {
	s := &Server{dispatcher: d, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := s.logger.Info()
			if v.Error != nil {
				ev = s.logger.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	api := e.Group(APIRoot)
	api.POST("/runs", s.submit)
	api.POST("/runs/notify", s.notify)
	api.POST("/runs/status", s.status)
	api.GET("/runs/:project/:name/:version", s.getRun)

	s.echo = e
	return s
}

// Handler exposes the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.echo.Start(addr)
	}()
	s.logger.Info().Str("addr", addr).Msg("callback server listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	body := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, hc := range s.checks {
		if err := hc.HealthCheck(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
			body[name] = err.Error()
			body["status"] = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		body[name] = "ok"
	}
	return c.JSON(code, body)
}

const healthTimeout = 5 * time.Second
