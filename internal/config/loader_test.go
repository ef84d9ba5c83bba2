package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(tmpDir, "nonexistent.json")).Load()

		require.NoError(t, err)
		assert.Len(t, cfg.Servers, 2)
		assert.Equal(t, "ollama", cfg.Model.Backend)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"servers": [
				{"id": "weather", "transport": "stdio", "command": "weather-server", "args": ["--stdio"]}
			],
			"model": {"backend": "anthropic", "model": "claude-sonnet-4-5", "api_key": "sk-ant-test"},
			"agent": {"max_tool_round_trips": 4},
			"data_dir": "` + tmpDir + `"
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		require.Len(t, cfg.Servers, 1)
		assert.Equal(t, "stdio", cfg.Servers[0].Transport)
		assert.Empty(t, cfg.Servers[0].URL)
		assert.Equal(t, []string{"--stdio"}, cfg.Servers[0].Args)
		assert.Equal(t, "anthropic", cfg.Model.Backend)
		assert.Equal(t, "sk-ant-test", cfg.Model.APIKey)
		assert.Equal(t, 4096, cfg.Model.MaxTokens)
		assert.Equal(t, 4, cfg.Agent.MaxToolRoundTrips)
		assert.Equal(t, 2, cfg.Agent.MaxParseRetries)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("override from environment", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("TOOLMESH_MODEL_BACKEND", "openai")
		t.Setenv("TOOLMESH_MODEL_MODEL", "gpt-4o-mini")
		t.Setenv("TOOLMESH_HTTP_PORT", "9090")

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Model.Backend)
		assert.Equal(t, "gpt-4o-mini", cfg.Model.Model)
		assert.Equal(t, 9090, cfg.HTTP.Port)
	})

	t.Run("set default audit path", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"audit": {"enabled": true}, "data_dir": "`+tmpDir+`"}`), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "audit.jsonl"), cfg.Audit.File)
	})

	t.Run("reject invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{not json`), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "toolmesh.json")

	cfg := DefaultConfig()
	cfg.Model.Model = "llama3.1"
	cfg.DataDir = tmpDir
	require.NoError(t, NewLoader(configPath).Save(cfg))

	loaded, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "llama3.1", loaded.Model.Model)
	assert.Len(t, loaded.Servers, 2)
}
