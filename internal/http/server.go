// Package http serves the goatfield admin API: observation intake, the
// review queue, compiled insights, graph health and Prometheus metrics.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/clutter"
	"github.com/fyrsmithlabs/goatfield/internal/config"
	"github.com/fyrsmithlabs/goatfield/internal/field"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
	"github.com/fyrsmithlabs/goatfield/internal/logging"
	"github.com/fyrsmithlabs/goatfield/internal/review"
)

// maxBodySize bounds request bodies. Observations are small; a larger body
// is a misbehaving producer.
const maxBodySize = "1M"

// Field is the service surface the API exposes.
type Field interface {
	Observe(ctx context.Context, obs journal.Observation) (uint64, error)
	Observation(ctx context.Context, seq uint64) (journal.Observation, error)
	Proposals(status review.Status) ([]review.Proposal, error)
	Proposal(id string) (*review.Proposal, error)
	Approve(ctx context.Context, id string, d review.Decision) (*review.Proposal, error)
	Reject(ctx context.Context, id string, d review.Decision) (*review.Proposal, error)
	DecisionHistory(ctx context.Context) ([]review.AuditEntry, error)
	InsightMap(ctx context.Context) map[string]map[string]any
	Health() field.Health
	Reflect(ctx context.Context) (*field.ReflectResult, error)
	Compact(ctx context.Context) (*clutter.Result, error)
	RegisterGauges(reg prometheus.Registerer) error
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
	// AdminToken, when set, is required as a bearer token on /api/v1.
	AdminToken  config.Secret
	ReadTimeout time.Duration
	Version     string
}

// Server provides the admin API.
type Server struct {
	echo     *echo.Echo
	field    Field
	logger   *logging.Logger
	config   *Config
	registry *prometheus.Registry
	tracer   trace.Tracer
	metrics  *HTTPMetrics
}

// Option configures a Server.
type Option func(*Server)

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithMeter records request metrics on meter.
func WithMeter(m metric.Meter) Option {
	return func(s *Server) { s.metrics = NewHTTPMetrics(m, s.logger.Underlying()) }
}

// WithRegistry serves reg on /metrics instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// NewServer creates the admin API server. The field gauges and the Go and
// process collectors are registered on the server's Prometheus registry.
func NewServer(svc Field, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("field service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: "127.0.0.1:7878"}
	}

	s := &Server{
		field:  svc,
		logger: logger,
		config: cfg,
		tracer: noop.NewTracerProvider().Tracer(httpInstrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(nil, logger.Underlying())
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if err := svc.RegisterGauges(s.registry); err != nil {
		return nil, fmt.Errorf("registering field gauges: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.ReadHeaderTimeout = cfg.ReadTimeout

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	e.Use(s.metrics.Middleware())

	s.echo = e
	s.registerRoutes()
	return s, nil
}

// requestContext carries the request id into the request context, opens a
// server span and logs the finished request.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()

		ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
		ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
		ctx, span := s.tracer.Start(ctx, "http "+req.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", req.Method)))
		defer span.End()
		c.SetRequest(req.WithContext(ctx))

		err := next(c)

		route := routeLabel(c.Path())
		span.SetName("http " + req.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Response().Status))

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// requireToken guards a route group with the admin bearer token.
func (s *Server) requireToken() echo.MiddlewareFunc {
	want := []byte(s.config.AdminToken.Value())
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), want) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			s.logger.Warn(c.Request().Context(), "rejected unauthenticated request",
				zap.String("uri", c.Request().RequestURI))
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid admin token")
		},
	})
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	})))

	v1 := s.echo.Group("/api/v1", middleware.BodyLimit(maxBodySize))
	if s.config.AdminToken.IsSet() {
		v1.Use(s.requireToken())
	}
	v1.POST("/observations", s.handleObserve)
	v1.GET("/observations/:seq", s.handleGetObservation)
	v1.GET("/proposals", s.handleListProposals)
	v1.GET("/proposals/:id", s.handleGetProposal)
	v1.POST("/proposals/:id/approve", s.handleApprove)
	v1.POST("/proposals/:id/reject", s.handleReject)
	v1.GET("/decisions", s.handleDecisions)
	v1.GET("/insights", s.handleInsights)
	v1.GET("/graph/health", s.handleGraphHealth)
	v1.POST("/reflect", s.handleReflect)
	v1.POST("/compact", s.handleCompact)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.echo.Listener = l
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", l.Addr().String()))
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
