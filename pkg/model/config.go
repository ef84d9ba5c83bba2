package model

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Backend names understood by New.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
)

const (
	DefaultOllamaBaseURL = "http://localhost:11434/v1"
	DefaultOllamaModel   = "llama3.2"
	DefaultTimeout       = 120 * time.Second
	defaultMaxTokens     = 4096
)

// Config selects and configures a backend.
type Config struct {
	Backend     string        `json:"backend" mapstructure:"backend"`
	Model       string        `json:"model" mapstructure:"model"`
	APIKey      string        `json:"api_key" mapstructure:"api_key"`
	BaseURL     string        `json:"base_url" mapstructure:"base_url"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// New builds the backend named by cfg.Backend.
func New(cfg Config, logger zerolog.Logger) (Model, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	switch cfg.Backend {
	case BackendAnthropic:
		if cfg.Model == "" {
			return nil, fmt.Errorf("anthropic backend requires a model")
		}
		return NewAnthropic(cfg, logger), nil
	case BackendOpenAI:
		if cfg.Model == "" {
			return nil, fmt.Errorf("openai backend requires a model")
		}
		return NewOpenAI(cfg, logger), nil
	case BackendOllama, "":
		return NewOllama(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported model backend: %s", cfg.Backend)
	}
}
