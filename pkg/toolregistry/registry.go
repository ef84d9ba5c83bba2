package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/toolprovider"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "toolmesh/toolregistry"

// Entry is one registered tool.
type Entry struct {
	// Descriptor carries the registry name; Descriptor.Provider is the owner.
	Descriptor toolprovider.Descriptor
	// RemoteName is the name the owning provider knows the tool by.
	RemoteName string

	conn   toolprovider.Connection
	schema *gojsonschema.Schema
}

// Renamed reports whether the tool was prefixed on collision.
func (e Entry) Renamed() bool {
	return e.Descriptor.Name != e.RemoteName
}

// Registry is an immutable name-to-tool mapping.
type Registry struct {
	entries map[string]Entry
	order   []string
	logger  zerolog.Logger
}

// Option configures Build.
type Option func(*Registry)

// WithLogger sets the logger used for collision warnings and dispatch logs.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Build discovers every connection in order and merges the results.
func Build(ctx context.Context, conns []toolprovider.Connection, opts ...Option) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]Entry),
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	discovered := make([][]toolprovider.Descriptor, len(conns))
	for i, conn := range conns {
		descs, err := conn.Discover(ctx)
		if err != nil {
			return nil, &RegistryError{Provider: conn.ID(), Err: err}
		}
		discovered[i] = descs
	}

	for i, conn := range conns {
		for _, d := range discovered[i] {
			if err := r.add(conn, d); err != nil {
				return nil, &RegistryError{Provider: conn.ID(), Err: err}
			}
		}
		observability.SetRegistryTools(conn.ID(), len(discovered[i]))
	}

	r.logger.Info().Int("providers", len(conns)).Int("tools", len(r.order)).Msg("Tool registry built")
	return r, nil
}

func (r *Registry) add(conn toolprovider.Connection, d toolprovider.Descriptor) error {
	name := d.Name
	if _, taken := r.entries[name]; taken {
		prefixed := conn.ID() + "_" + d.Name
		if _, taken := r.entries[prefixed]; taken {
			return fmt.Errorf("%w: %q and %q are both taken", ErrNameCollision, d.Name, prefixed)
		}
		r.logger.Warn().
			Str("tool", d.Name).
			Str("provider", conn.ID()).
			Str("owner", r.entries[name].Descriptor.Provider).
			Str("registered_as", prefixed).
			Msg("Tool name collision, registering with provider prefix")
		name = prefixed
	}

	schema, err := compileSchema(d.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q: invalid input schema: %w", d.Name, err)
	}

	desc := d
	desc.Name = name
	desc.Provider = conn.ID()

	r.entries[name] = Entry{
		Descriptor: desc,
		RemoteName: d.Name,
		conn:       conn,
		schema:     schema,
	}
	r.order = append(r.order, name)
	return nil
}

func compileSchema(raw []byte) (*gojsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
}

// Resolve looks up a tool by its registry name.
func (r *Registry) Resolve(name string) (Entry, error) {
	entry, ok := r.entries[name]
	if !ok {
		return Entry{}, &UnknownToolError{Name: name}
	}
	return entry, nil
}

// Descriptors returns the registered tools in registration order.
func (r *Registry) Descriptors() []toolprovider.Descriptor {
	out := make([]toolprovider.Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Descriptor)
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Dispatch validates arguments and forwards the call to the owning provider
// under the provider's own name. Invocation errors are returned unchanged.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (toolprovider.Result, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolregistry.dispatch", attribute.String("tool.name", name))

	start := time.Now()
	result, provider, err := r.dispatch(ctx, name, args)
	duration := time.Since(start)

	tracing.EndSpan(span, err)
	observability.RecordToolDispatch(name, provider, duration, errorKind(err))

	status := "success"
	if err != nil {
		status = "failure"
	}
	observability.RecordDispatchAudit(ctx, name, tracing.GetSessionID(ctx), status, map[string]any{
		"provider":    provider,
		"duration_ms": duration.Milliseconds(),
	})

	logger := tracing.LoggerFromContext(ctx, r.logger)
	if err != nil {
		logger.Warn().Err(err).Str("tool", name).Str("provider", provider).Dur("duration", duration).Msg("Tool dispatch failed")
	} else {
		logger.Debug().Str("tool", name).Str("provider", provider).Dur("duration", duration).Msg("Tool dispatched")
	}

	return result, err
}

func (r *Registry) dispatch(ctx context.Context, name string, args map[string]any) (toolprovider.Result, string, error) {
	entry, err := r.Resolve(name)
	if err != nil {
		return toolprovider.Result{}, "", err
	}
	provider := entry.Descriptor.Provider

	if args == nil {
		args = map[string]any{}
	}
	if err := validate(name, entry.schema, args); err != nil {
		return toolprovider.Result{}, provider, err
	}

	result, err := entry.conn.Invoke(ctx, entry.RemoteName, args)
	return result, provider, err
}

func validate(tool string, schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &InvalidArgumentsError{Tool: tool, Problems: []string{err.Error()}}
	}
	if res.Valid() {
		return nil
	}

	problems := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		problems = append(problems, e.String())
	}
	return &InvalidArgumentsError{Tool: tool, Problems: problems}
}

func errorKind(err error) string {
	var (
		unknownErr    *UnknownToolError
		argsErr       *InvalidArgumentsError
		invocationErr *toolprovider.InvocationError
		toolErr       *toolprovider.ToolError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &unknownErr):
		return "unknown_tool"
	case errors.As(err, &argsErr):
		return "invalid_arguments"
	case errors.As(err, &invocationErr):
		return "invocation"
	case errors.As(err, &toolErr):
		return "tool"
	default:
		return "other"
	}
}
