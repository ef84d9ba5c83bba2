package agent

import (
	"errors"
	"fmt"
)

// ErrLoopLimitExceeded matches any LoopLimitExceededError via errors.Is.
var ErrLoopLimitExceeded = errors.New("tool round-trip limit exceeded")

// RunnerError reports a run that failed on the model side: the backend kept
// erroring or its output could not be parsed.
type RunnerError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("agent run failed during %s after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *RunnerError) Unwrap() error {
	return e.Err
}

// LoopLimitExceededError reports a model that kept asking for tools.
type LoopLimitExceededError struct {
	Limit int
	Tool  string
}

func (e *LoopLimitExceededError) Error() string {
	return fmt.Sprintf("model requested tool %q after %d tool round trips", e.Tool, e.Limit)
}

func (e *LoopLimitExceededError) Is(target error) bool {
	return target == ErrLoopLimitExceeded
}
