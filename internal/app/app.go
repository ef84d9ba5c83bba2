// Package app wires configuration into a running toolmesh instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/toolmesh/internal/config"
	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/bridge"
	"github.com/harun/toolmesh/pkg/commandqueue"
	"github.com/harun/toolmesh/pkg/model"
	"github.com/harun/toolmesh/pkg/session"
	"github.com/harun/toolmesh/pkg/toolprovider"
	"github.com/harun/toolmesh/pkg/toolregistry"
	"github.com/rs/zerolog"
)

// App owns every long-lived component. It is built once per process.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *toolregistry.Registry
	Model    model.Model
	Sessions *session.Manager
	Runner   *agent.Runner
	Queue    *commandqueue.CommandQueue
	Bridge   *bridge.Bridge
	Reaper   *session.Reaper

	conns          []toolprovider.Connection
	tracingEnabled bool
	auditEnabled   bool
}

// Option overrides a component, mostly for tests.
type Option func(*options)

type options struct {
	conns []toolprovider.Connection
	model model.Model
}

// WithConnections replaces the providers built from config.Servers.
func WithConnections(conns ...toolprovider.Connection) Option {
	return func(o *options) {
		o.conns = append([]toolprovider.Connection{}, conns...)
	}
}

// WithModel replaces the backend built from config.Model.
func WithModel(m model.Model) Option {
	return func(o *options) {
		o.model = m
	}
}

// New builds the application. Tool discovery happens here, so an unreachable
// provider fails startup.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	observability.EnsureRegistered()

	a := &App{Config: cfg, Logger: logger}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			a.tracingEnabled = true
		}
	}

	if cfg.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.File), 0755); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			_ = a.Close()
			return nil, err
		}
		a.auditEnabled = true
	}

	conns := o.conns
	if conns == nil {
		built, err := connectionsFromConfig(cfg.Servers, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		conns = built
	}
	a.conns = conns

	registry, err := toolregistry.Build(ctx, conns, toolregistry.WithLogger(logger))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}
	a.Registry = registry

	a.Model = o.model
	if a.Model == nil {
		backend, err := model.New(ModelConfig(cfg.Model), logger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to create model backend: %w", err)
		}
		a.Model = backend
	}

	a.Sessions = session.NewManager(registry, a.Model, cfg.Agent.SystemPrompt, logger)
	a.Runner = agent.NewRunner(agent.Config{
		MaxToolRoundTrips: cfg.Agent.MaxToolRoundTrips,
		MaxParseRetries:   cfg.Agent.MaxParseRetries,
		MaxBackendRetries: cfg.Agent.MaxBackendRetries,
		ExcerptLength:     cfg.Agent.ExcerptLength,
		Logger:            logger,
	})
	a.Queue = commandqueue.New()
	a.Bridge = bridge.New(a.Runner, a.Queue, logger, bridge.WithWarnAfter(time.Duration(cfg.HTTP.RunWarnAfter)*time.Second))
	a.Sessions.OnDelete(a.Bridge.Forget)
	a.Reaper = session.NewReaper(a.Sessions, time.Duration(cfg.HTTP.SessionIdle)*time.Minute, 0)

	logger.Info().
		Int("providers", len(conns)).
		Int("tools", registry.Len()).
		Str("backend", a.Model.Name()).
		Msg("Toolmesh initialized")

	return a, nil
}

// ModelConfig converts the file configuration into backend settings.
func ModelConfig(c config.ModelConfig) model.Config {
	return model.Config{
		Backend:     c.Backend,
		Model:       c.Model,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Timeout:     time.Duration(c.Timeout) * time.Second,
	}
}

// ProviderConfig converts one configured server into connection settings.
func ProviderConfig(c config.ProviderConfig) toolprovider.Config {
	return toolprovider.Config{
		ID:        c.ID,
		Transport: c.Transport,
		URL:       c.URL,
		Command:   c.Command,
		Args:      c.Args,
		Env:       c.Env,
		Headers:   c.Headers,
		Timeout:   time.Duration(c.Timeout) * time.Second,
	}
}

func connectionsFromConfig(servers []config.ProviderConfig, logger zerolog.Logger) ([]toolprovider.Connection, error) {
	conns := make([]toolprovider.Connection, 0, len(servers))
	for _, s := range servers {
		conn, err := toolprovider.NewMCPConnection(ProviderConfig(s), toolprovider.WithLogger(logger))
		if err != nil {
			_ = closeAll(conns)
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func closeAll(conns []toolprovider.Connection) error {
	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases providers, workers and telemetry. Safe on a partly built App.
func (a *App) Close() error {
	var errs []error

	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := closeAll(a.conns); err != nil {
		errs = append(errs, err)
	}
	a.conns = nil

	if a.auditEnabled {
		if err := observability.GetAuditLogger().Close(); err != nil {
			errs = append(errs, err)
		}
		a.auditEnabled = false
	}

	if a.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			errs = append(errs, err)
		}
		a.tracingEnabled = false
	}

	return errors.Join(errs...)
}
