package toolprovider

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport kinds understood by MCPConnection.
const (
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
	TransportStdio      = "stdio"
)

const (
	clientName     = "toolmesh"
	clientVersion  = "0.1.0"
	defaultTimeout = 30 * time.Second
)

// Config describes how to reach one MCP server.
type Config struct {
	ID        string
	Transport string
	URL       string
	Command   string
	Args      []string
	Env       []string
	Headers   map[string]string
	// Timeout bounds the handshake and every single tool call.
	Timeout time.Duration
}

// Option configures an MCPConnection.
type Option func(*MCPConnection)

// WithTransport replaces the transport built from Config. Used with in-memory transports.
// A transport is single use, so the connection cannot reconnect after it drops.
func WithTransport(t mcp.Transport) Option {
	return WithTransportFunc(func() mcp.Transport { return t })
}

// WithTransportFunc replaces the transport built from Config with one made by
// newTransport on every (re)connect.
func WithTransportFunc(newTransport func() mcp.Transport) Option {
	return func(c *MCPConnection) {
		c.dial = newTransport
	}
}

// WithLogger sets the connection logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *MCPConnection) {
		c.logger = logger
	}
}

// MCPConnection implements Connection on top of an MCP client session.
// The session is established lazily on first use and shared by all calls.
type MCPConnection struct {
	cfg    Config
	dial   func() mcp.Transport
	logger zerolog.Logger

	mu      sync.Mutex
	session *mcp.ClientSession
	// cancel ends the context the session's transport runs on.
	cancel context.CancelFunc
	closed bool
}

// NewMCPConnection validates cfg and returns an unconnected MCPConnection.
func NewMCPConnection(cfg Config, opts ...Option) (*MCPConnection, error) {
	if cfg.ID == "" {
		return nil, errors.New("provider id is required")
	}
	cfg.Transport = cmp.Or(cfg.Transport, TransportSSE)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &MCPConnection{
		cfg:    cfg,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("provider", cfg.ID).Logger()

	if c.dial == nil {
		switch cfg.Transport {
		case TransportSSE, TransportStreamable:
			if cfg.URL == "" {
				return nil, fmt.Errorf("provider %s: url is required for %s transport", cfg.ID, cfg.Transport)
			}
		case TransportStdio:
			if cfg.Command == "" {
				return nil, fmt.Errorf("provider %s: command is required for stdio transport", cfg.ID)
			}
		default:
			return nil, fmt.Errorf("provider %s: unsupported transport type: %s", cfg.ID, cfg.Transport)
		}
	}

	return c, nil
}

// ID returns the provider identity.
func (c *MCPConnection) ID() string {
	return c.cfg.ID
}

// Discover lists the tools the server currently exposes.
func (c *MCPConnection) Discover(ctx context.Context) ([]Descriptor, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, &ConnectionError{Provider: c.cfg.ID, Endpoint: c.endpoint(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var descriptors []Descriptor
	seen := make(map[string]bool)
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, &ConnectionError{Provider: c.cfg.ID, Endpoint: c.endpoint(), Err: fmt.Errorf("list tools: %w", err)}
		}

		d, err := c.descriptorFor(tool)
		if err != nil {
			return nil, &ConnectionError{Provider: c.cfg.ID, Endpoint: c.endpoint(), Err: err}
		}
		if seen[d.Name] {
			return nil, &ConnectionError{
				Provider: c.cfg.ID,
				Endpoint: c.endpoint(),
				Err:      fmt.Errorf("%w: duplicate tool name %q", ErrMalformedDescriptor, d.Name),
			}
		}
		seen[d.Name] = true
		descriptors = append(descriptors, d)
	}

	c.logger.Debug().Int("tools", len(descriptors)).Msg("Discovered MCP tools")
	return descriptors, nil
}

// Invoke calls a tool by the name the server knows it by.
func (c *MCPConnection) Invoke(ctx context.Context, name string, arguments map[string]any) (Result, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return Result{}, &InvocationError{Provider: c.cfg.ID, Tool: name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if arguments == nil {
		arguments = map[string]any{}
	}

	start := time.Now()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("tool", name).Dur("duration", time.Since(start)).Msg("MCP tool call failed")
		if connectionLost(err) {
			c.drop(session)
		}
		return Result{}, &InvocationError{Provider: c.cfg.ID, Tool: name, Err: err}
	}

	result := resultFromMCP(res)
	if res.IsError {
		return Result{}, &ToolError{Provider: c.cfg.ID, Tool: name, Message: result.Text}
	}

	c.logger.Debug().Str("tool", name).Dur("duration", time.Since(start)).Msg("MCP tool call completed")
	return result, nil
}

// Close tears down the session. It is safe to call more than once.
func (c *MCPConnection) Close() error {
	c.mu.Lock()
	session, cancel := c.session, c.cancel
	c.session, c.cancel = nil, nil
	c.closed = true
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	err := session.Close()
	cancel()
	if err != nil {
		return fmt.Errorf("close provider %s: %w", c.cfg.ID, err)
	}
	c.logger.Debug().Msg("MCP session closed")
	return nil
}

func (c *MCPConnection) connect(ctx context.Context) (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("connection closed")
	}
	if c.session != nil {
		return c.session, nil
	}

	var transport mcp.Transport
	if c.dial != nil {
		transport = c.dial()
	} else {
		transport = c.newTransport()
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}, nil)

	// The session outlives the call that opened it, so it runs on its own
	// context. The handshake is bounded by the caller and the configured timeout.
	sessionCtx, cancelSession := context.WithCancel(context.WithoutCancel(ctx))
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	type handshake struct {
		session *mcp.ClientSession
		err     error
	}
	done := make(chan handshake, 1)
	go func() {
		session, err := client.Connect(sessionCtx, transport, nil)
		done <- handshake{session: session, err: err}
	}()

	select {
	case h := <-done:
		if h.err != nil {
			cancelSession()
			return nil, fmt.Errorf("failed to connect to MCP server: %w", h.err)
		}
		c.session = h.session
		c.cancel = cancelSession
	case <-waitCtx.Done():
		cancelSession()
		go func() {
			if h := <-done; h.session != nil {
				_ = h.session.Close()
			}
		}()
		return nil, fmt.Errorf("MCP handshake did not complete: %w", waitCtx.Err())
	}

	c.logger.Info().Str("transport", c.cfg.Transport).Str("endpoint", c.endpoint()).Msg("MCP session established")
	return c.session, nil
}

// drop forgets a session whose connection is gone so the next call reconnects.
// Tools are not listed again.
func (c *MCPConnection) drop(session *mcp.ClientSession) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.session, c.cancel = nil, nil
	c.mu.Unlock()

	_ = session.Close()
	cancel()
	c.logger.Warn().Msg("MCP connection lost, reconnecting on next call")
}

func connectionLost(err error) bool {
	return errors.Is(err, mcp.ErrConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func (c *MCPConnection) newTransport() mcp.Transport {
	switch c.cfg.Transport {
	case TransportStreamable:
		return &mcp.StreamableClientTransport{
			Endpoint:   c.cfg.URL,
			HTTPClient: c.httpClient(),
		}
	case TransportStdio:
		cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
		cmd.Env = append(os.Environ(), c.cfg.Env...)
		return &mcp.CommandTransport{Command: cmd}
	default:
		return &mcp.SSEClientTransport{
			Endpoint:   c.cfg.URL,
			HTTPClient: c.httpClient(),
		}
	}
}

// httpClient has no overall timeout: an SSE stream stays open for the session lifetime.
func (c *MCPConnection) httpClient() *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   c.cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: c.cfg.Timeout,
		IdleConnTimeout:       90 * time.Second,
	}
	if len(c.cfg.Headers) == 0 {
		return &http.Client{Transport: base}
	}
	return &http.Client{Transport: &headerTransport{base: base, headers: c.cfg.Headers}}
}

func (c *MCPConnection) endpoint() string {
	if c.cfg.Transport == TransportStdio {
		return c.cfg.Command
	}
	return c.cfg.URL
}

func (c *MCPConnection) descriptorFor(tool *mcp.Tool) (Descriptor, error) {
	if tool == nil || tool.Name == "" {
		return Descriptor{}, fmt.Errorf("%w: tool without a name", ErrMalformedDescriptor)
	}

	schema, err := normalizeSchema(tool.InputSchema)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: tool %q: %v", ErrMalformedDescriptor, tool.Name, err)
	}

	return Descriptor{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
		Provider:    c.cfg.ID,
	}, nil
}

// normalizeSchema re-encodes an input schema and checks that it is a JSON object.
// A missing schema becomes an empty object schema.
func normalizeSchema(schema any) (json.RawMessage, error) {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`), nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, errors.New("input schema is not a JSON object")
	}
	if typ, ok := obj["type"]; ok && typ != "object" {
		return nil, fmt.Errorf("input schema type is %v, want object", typ)
	}

	return raw, nil
}

func resultFromMCP(res *mcp.CallToolResult) Result {
	text := ""
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			text += tc.Text
		}
	}

	return Result{
		Text:       cmp.Or(text, "no output"),
		Structured: res.StructuredContent,
	}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
