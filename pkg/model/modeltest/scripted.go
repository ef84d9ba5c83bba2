// Package modeltest provides a deterministic Model for tests.
package modeltest

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/toolmesh/pkg/model"
)

// ErrScriptExhausted is returned when Complete is called more times than scripted.
var ErrScriptExhausted = errors.New("scripted model: no more steps")

// Step is one scripted completion: a Decision or an error.
type Step struct {
	Decision model.Decision
	Err      error
}

// Scripted replays Steps in order and records every Request it receives.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []model.Request
}

// New returns a Scripted model.
func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Call scripts a tool call.
func Call(id, name string, args map[string]any) Step {
	return Step{Decision: model.ToolCall{ID: id, Name: name, Arguments: args}}
}

// Answer scripts a final answer.
func Answer(text string) Step {
	return Step{Decision: model.FinalAnswer{Text: text}}
}

// Fail scripts a backend error.
func Fail(err error) Step {
	return Step{Err: err}
}

func (s *Scripted) Name() string {
	return "scripted"
}

func (s *Scripted) Complete(ctx context.Context, req model.Request) (model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req.Turns = append([]model.Message(nil), req.Turns...)
	s.requests = append(s.requests, req)

	if len(s.steps) == 0 {
		return nil, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.Decision, step.Err
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Request(nil), s.requests...)
}

// Remaining returns the number of unused steps.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
