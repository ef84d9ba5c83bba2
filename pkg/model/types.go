package model

import (
	"context"
	"errors"

	"github.com/harun/toolmesh/pkg/toolprovider"
)

// ErrMalformedOutput is wrapped by backends when a completion cannot be parsed
// into a Decision. The runner re-requests on it.
var ErrMalformedOutput = errors.New("malformed model output")

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall asks for one tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// FinalAnswer ends a run.
type FinalAnswer struct {
	Text string `json:"text"`
}

// Decision is either a ToolCall or a FinalAnswer.
type Decision interface {
	isDecision()
}

func (ToolCall) isDecision()    {}
func (FinalAnswer) isDecision() {}

// Message is one entry of conversation history.
//
// An assistant message carries either Content or a ToolCall. A tool message
// answers the assistant ToolCall with the same ID.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
}

// Request is the input to a single completion.
type Request struct {
	SystemPrompt string
	Turns        []Message
	Tools        []toolprovider.Descriptor
}

// Model produces the next Decision for a conversation.
type Model interface {
	Complete(ctx context.Context, req Request) (Decision, error)
	// Name is the backend name used in logs and metrics.
	Name() string
}
