package toolprovider

import (
	"context"
	"encoding/json"
)

// Descriptor describes one callable tool as advertised by a provider.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Provider    string          `json:"provider"`
}

// Result is the payload of a successful tool invocation.
type Result struct {
	Text       string `json:"text"`
	Structured any    `json:"structured,omitempty"`
}

// Connection is a live link to one tool-providing service.
type Connection interface {
	// ID identifies the endpoint. It is used for collision prefixes and logs.
	ID() string
	Discover(ctx context.Context) ([]Descriptor, error)
	Invoke(ctx context.Context, name string, arguments map[string]any) (Result, error)
	Close() error
}
