package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/toolmesh/internal/config"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/bridge"
	"github.com/harun/toolmesh/pkg/model/modeltest"
	"github.com/harun/toolmesh/pkg/toolprovider"
	"github.com/harun/toolmesh/pkg/toolregistry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	id       string
	tools    []string
	fail     error
	closed   bool
	response string
}

func (p *stubProvider) ID() string { return p.id }

func (p *stubProvider) Discover(ctx context.Context) ([]toolprovider.Descriptor, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	descs := make([]toolprovider.Descriptor, 0, len(p.tools))
	for _, name := range p.tools {
		descs = append(descs, toolprovider.Descriptor{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)})
	}
	return descs, nil
}

func (p *stubProvider) Invoke(ctx context.Context, name string, args map[string]any) (toolprovider.Result, error) {
	return toolprovider.Result{Text: p.response}, nil
}

func (p *stubProvider) Close() error {
	p.closed = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("should wire providers, model and sessions", func(t *testing.T) {
		db := &stubProvider{id: "db", tools: []string{"add_data", "read_data"}, response: "ok"}
		weather := &stubProvider{id: "weather", tools: []string{"get_alerts"}, response: "No alerts"}
		backend := modeltest.New(
			modeltest.Call("c1", "get_alerts", map[string]any{}),
			modeltest.Answer("No alerts anywhere."),
		)

		a, err := New(context.Background(), testConfig(t), zerolog.Nop(), WithConnections(db, weather), WithModel(backend))
		require.NoError(t, err)

		assert.Equal(t, 3, a.Registry.Len())

		sess, err := a.Sessions.Create(context.Background())
		require.NoError(t, err)
		assert.Equal(t, config.DefaultSystemPrompt, sess.SystemPrompt())

		result, err := a.Bridge.Send(context.Background(), sess, "Any alerts?")
		require.NoError(t, err)
		assert.Equal(t, agent.StatusDone, result.Status)
		assert.Equal(t, "No alerts anywhere.", result.FinalAnswer)

		require.NoError(t, a.Close())
		assert.True(t, db.closed)
		assert.True(t, weather.closed)
	})

	t.Run("should release the lane of a reaped session", func(t *testing.T) {
		backend := modeltest.New(modeltest.Answer("ok"))
		a, err := New(context.Background(), testConfig(t), zerolog.Nop(), WithConnections(), WithModel(backend))
		require.NoError(t, err)
		defer a.Close()

		sess, err := a.Sessions.CreateWithID(context.Background(), "idle")
		require.NoError(t, err)
		_, err = a.Bridge.Send(context.Background(), sess, "hi")
		require.NoError(t, err)
		require.Contains(t, a.Queue.Stats(), bridge.Lane("idle"))

		assert.Equal(t, 1, a.Reaper.ReapNow(time.Now().Add(24*time.Hour)))
		assert.NotContains(t, a.Queue.Stats(), bridge.Lane("idle"))
	})

	t.Run("should fail when a provider cannot be discovered", func(t *testing.T) {
		db := &stubProvider{id: "db", tools: []string{"add_data"}}
		weather := &stubProvider{id: "weather", fail: &toolprovider.ConnectionError{Provider: "weather", Err: errors.New("connection refused")}}

		a, err := New(context.Background(), testConfig(t), zerolog.Nop(), WithConnections(db, weather), WithModel(modeltest.New()))
		assert.Nil(t, a)

		var regErr *toolregistry.RegistryError
		assert.ErrorAs(t, err, &regErr)
		assert.True(t, db.closed)
	})

	t.Run("should reject an unknown backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Model.Backend = "gemini"

		_, err := New(context.Background(), cfg, zerolog.Nop(), WithConnections())
		assert.Error(t, err)
	})

	t.Run("should open the audit file when enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Audit.Enabled = true
		cfg.Audit.File = filepath.Join(cfg.DataDir, "audit", "audit.jsonl")

		a, err := New(context.Background(), cfg, zerolog.Nop(), WithConnections(), WithModel(modeltest.New()))
		require.NoError(t, err)

		_, err = a.Sessions.Create(context.Background())
		require.NoError(t, err)
		require.NoError(t, a.Close())

		data, err := os.ReadFile(cfg.Audit.File)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"action":"session:create"`)
	})
}

func TestModelConfig(t *testing.T) {
	mc := ModelConfig(config.ModelConfig{Backend: "ollama", Model: "llama3.2", Timeout: 120})
	assert.Equal(t, "ollama", mc.Backend)
	assert.Equal(t, 120.0, mc.Timeout.Seconds())
}

func TestProviderConfig(t *testing.T) {
	pc := ProviderConfig(config.ProviderConfig{ID: "db", Transport: "sse", URL: "http://127.0.0.1:8000/sse", Timeout: 5})
	assert.Equal(t, "db", pc.ID)
	assert.Equal(t, 5.0, pc.Timeout.Seconds())
}
