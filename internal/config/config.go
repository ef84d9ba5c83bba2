package config

import (
	"encoding/json"
	"fmt"
	"slices"
)

const DefaultSystemPrompt = `You are an AI assistant with access to both weather information and database operations.

Available capabilities:
- Database operations: Add and read people data (name, age, profession)
- Weather information: Get weather alerts and forecasts for US locations

Tools available:
- add_data(query): Add people to database using SQL INSERT
- read_data(query): Query people database using SQL SELECT
- get_alerts(state): Get weather alerts for US states (use 2-letter codes like "CA", "NY")
- get_forecast(latitude, longitude): Get weather forecast for coordinates

You can help with database management, weather queries, or both!`

// Config represents the main toolmesh configuration
type Config struct {
	// Tool providers, in priority order for name collisions
	Servers []ProviderConfig `json:"servers" mapstructure:"servers"`

	Model   ModelConfig   `json:"model" mapstructure:"model"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	HTTP    HTTPConfig    `json:"http" mapstructure:"http"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Audit   AuditConfig   `json:"audit" mapstructure:"audit"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory for log and audit files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderConfig describes one MCP tool provider
type ProviderConfig struct {
	ID        string            `json:"id" mapstructure:"id"`
	Transport string            `json:"transport" mapstructure:"transport"` // sse, streamable, stdio
	URL       string            `json:"url" mapstructure:"url"`
	Command   string            `json:"command" mapstructure:"command"`
	Args      []string          `json:"args" mapstructure:"args"`
	Env       []string          `json:"env" mapstructure:"env"`
	Headers   map[string]string `json:"headers" mapstructure:"headers"`
	Timeout   int               `json:"timeout" mapstructure:"timeout"` // seconds, per call
}

// ModelConfig selects and tunes the model backend
type ModelConfig struct {
	Backend     string  `json:"backend" mapstructure:"backend"` // ollama, anthropic, openai
	Model       string  `json:"model" mapstructure:"model"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	Timeout     int     `json:"timeout" mapstructure:"timeout"` // seconds
}

// AgentConfig tunes the think/act loop
type AgentConfig struct {
	SystemPrompt      string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxToolRoundTrips int    `json:"max_tool_round_trips" mapstructure:"max_tool_round_trips"`
	MaxParseRetries   int    `json:"max_parse_retries" mapstructure:"max_parse_retries"`
	MaxBackendRetries int    `json:"max_backend_retries" mapstructure:"max_backend_retries"`
	ExcerptLength     int    `json:"excerpt_length" mapstructure:"excerpt_length"`
}

// HTTPConfig holds web API server configuration
type HTTPConfig struct {
	Host          string `json:"host" mapstructure:"host"`
	Port          int    `json:"port" mapstructure:"port"`
	SharedSecret  string `json:"shared_secret" mapstructure:"shared_secret"`
	ExcerptLength int    `json:"excerpt_length" mapstructure:"excerpt_length"`
	SessionIdle   int    `json:"session_idle" mapstructure:"session_idle"`     // minutes
	RunWarnAfter  int    `json:"run_warn_after" mapstructure:"run_warn_after"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AuditConfig controls the JSONL audit trail of tool dispatches and session changes
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	File    string `json:"file" mapstructure:"file"`
}

// TracingConfig controls OpenTelemetry span export
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Servers: []ProviderConfig{
			{ID: "db", Transport: "sse", URL: "http://127.0.0.1:8000/sse", Timeout: 30},
			{ID: "weather", Transport: "sse", URL: "http://127.0.0.1:8001/sse", Timeout: 30},
		},
		Model: ModelConfig{
			Backend:   "ollama",
			Model:     "llama3.2",
			MaxTokens: 4096,
			Timeout:   120,
		},
		Agent: AgentConfig{
			SystemPrompt:      DefaultSystemPrompt,
			MaxToolRoundTrips: 10,
			MaxParseRetries:   2,
			MaxBackendRetries: 3,
			ExcerptLength:     200,
		},
		HTTP: HTTPConfig{
			Host:          "127.0.0.1",
			Port:          8080,
			ExcerptLength: 100,
			SessionIdle:   30,
			RunWarnAfter:  30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "toolmesh",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("server %s: duplicate id", s.ID)
		}
		seen[s.ID] = true

		switch s.Transport {
		case "", "sse", "streamable":
			if s.URL == "" {
				return fmt.Errorf("server %s: url is required for %s transport", s.ID, transportName(s.Transport))
			}
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("server %s: command is required for stdio transport", s.ID)
			}
		default:
			return fmt.Errorf("server %s: invalid transport %s (must be: sse, streamable, stdio)", s.ID, s.Transport)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("server %s: timeout cannot be negative", s.ID)
		}
	}

	validBackends := []string{"", "ollama", "anthropic", "openai"}
	if !slices.Contains(validBackends, c.Model.Backend) {
		return fmt.Errorf("invalid model backend %s (must be: ollama, anthropic, openai)", c.Model.Backend)
	}
	if (c.Model.Backend == "anthropic" || c.Model.Backend == "openai") && c.Model.Model == "" {
		return fmt.Errorf("model name is required for backend %s", c.Model.Backend)
	}
	if c.Model.Backend == "anthropic" && c.Model.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive for backend anthropic")
	}
	if c.Model.Timeout < 0 {
		return fmt.Errorf("model timeout cannot be negative")
	}

	if c.Agent.MaxToolRoundTrips < 0 || c.Agent.MaxParseRetries < 0 || c.Agent.MaxBackendRetries < 0 {
		return fmt.Errorf("agent limits cannot be negative")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1")
	}

	return nil
}

func transportName(t string) string {
	if t == "" {
		return "sse"
	}
	return t
}
