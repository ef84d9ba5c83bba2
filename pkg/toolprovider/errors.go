package toolprovider

import (
	"errors"
	"fmt"
)

// ErrMalformedDescriptor marks a tool list the registry cannot accept.
var ErrMalformedDescriptor = errors.New("malformed tool descriptor")

// ConnectionError is returned when a provider cannot be reached, the handshake
// fails or its tool list is malformed.
type ConnectionError struct {
	Provider string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s (%s): %v", e.Provider, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvocationError is returned when a tool call fails in transport, including timeouts.
type InvocationError struct {
	Provider string
	Tool     string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s on provider %s: %v", e.Tool, e.Provider, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ToolError is returned when the provider executed the call and reported a failure.
type ToolError struct {
	Provider string
	Tool     string
	Message  string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s on provider %s reported an error: %s", e.Tool, e.Provider, e.Message)
}
