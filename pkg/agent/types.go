package agent

import (
	"time"
)

// State is a step of the think/act state machine.
type State string

const (
	StateThinking           State = "thinking"
	StateAwaitingToolResult State = "awaiting_tool_result"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// EventType identifies what an Event reports.
type EventType string

const (
	EventToolCallRequested EventType = "tool_call_requested"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventFinalAnswer       EventType = "final_answer"
)

// Event is one entry of a run's audit trail.
type Event struct {
	Type       EventType      `json:"type"`
	Step       int            `json:"step"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	// Excerpt is the leading part of a tool result. The model always sees the full result.
	Excerpt   string    `json:"excerpt,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives events live, in the order they are recorded.
type EventSink func(Event)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// RunResult is what a run hands back to its caller, successful or not.
type RunResult struct {
	RunID          string  `json:"run_id"`
	SessionID      string  `json:"session_id"`
	FinalAnswer    string  `json:"final_answer,omitempty"`
	Events         []Event `json:"events"`
	Status         Status  `json:"status"`
	ToolRoundTrips int     `json:"tool_round_trips"`
}

// ToolCalls returns the requested tool calls in order.
func (r RunResult) ToolCalls() []Event {
	var calls []Event
	for _, e := range r.Events {
		if e.Type == EventToolCallRequested {
			calls = append(calls, e)
		}
	}
	return calls
}

// Excerpt returns at most n runes of s and whether it was cut.
func Excerpt(s string, n int) (string, bool) {
	if n <= 0 {
		return s, false
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
