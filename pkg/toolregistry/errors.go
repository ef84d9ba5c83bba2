package toolregistry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNameCollision is wrapped by RegistryError when a prefixed name is also taken.
var ErrNameCollision = errors.New("tool name collision")

// RegistryError is returned when a registry cannot be built.
type RegistryError struct {
	Provider string
	Err      error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("build tool registry: provider %s: %v", e.Provider, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// UnknownToolError is returned for a name that is not registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// InvalidArgumentsError is returned when arguments do not satisfy a tool's input schema.
type InvalidArgumentsError struct {
	Tool     string
	Problems []string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}
