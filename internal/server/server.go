// Package server exposes sessions and runs over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/pkg/bridge"
	"github.com/harun/toolmesh/pkg/session"
	"github.com/harun/toolmesh/pkg/toolregistry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

const (
	// SecretHeader carries the shared secret on API requests.
	SecretHeader = "X-Toolmesh-Secret"
	// RequestIDHeader is echoed back on every response.
	RequestIDHeader = "X-Request-ID"

	DefaultExcerptLength = 100
	shutdownTimeout      = 10 * time.Second
)

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// ExcerptLength bounds tool results shown in rendered tool calls.
	ExcerptLength int
	Logger        zerolog.Logger
}

// Server is the web API.
type Server struct {
	e        *echo.Echo
	cfg      Config
	registry *toolregistry.Registry
	sessions *session.Manager
	bridge   *bridge.Bridge
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	started  time.Time
}

// New creates the server and registers its routes.
func New(cfg Config, registry *toolregistry.Registry, sessions *session.Manager, b *bridge.Bridge) *Server {
	observability.EnsureRegistered()

	if cfg.ExcerptLength <= 0 {
		cfg.ExcerptLength = DefaultExcerptLength
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:        e,
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		bridge:   b,
		logger:   cfg.Logger,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	e.Use(middleware.Recover())
	e.Use(s.requestContext)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", c.Response().Header().Get(RequestIDHeader)).
				Msg("HTTP request")
			return nil
		},
	}))

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(observability.MetricsHandler()))

	group := e.Group("/api", s.authenticate)

	// Aggregated tool list
	group.GET("/tools", s.listTools)
	// Sessions
	group.GET("/sessions", s.listSessions)
	group.POST("/sessions", s.createSession)
	group.DELETE("/sessions/:id", s.deleteSession)
	group.POST("/sessions/:id/reset", s.resetSession)
	group.GET("/sessions/:id/history", s.getHistory)
	// Runs
	group.POST("/sessions/:id/messages", s.sendMessage)
	group.GET("/sessions/:id/stream", s.stream)

	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"tools":          s.registry.Len(),
		"sessions":       s.sessions.Len(),
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}
