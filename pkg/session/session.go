package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/toolmesh/pkg/model"
	"github.com/harun/toolmesh/pkg/toolregistry"
)

// ErrSessionBusy is returned when a second run tries to claim a session.
var ErrSessionBusy = errors.New("session is busy with another run")

// Turn is one entry of a session's history.
type Turn = model.Message

// Session is the state of one conversation: its prompt, tools, backend and history.
type Session struct {
	id           string
	systemPrompt string
	registry     *toolregistry.Registry
	model        model.Model
	createdAt    time.Time

	mu         sync.Mutex
	turns      []Turn
	lastActive time.Time
	busy       bool
}

// New creates a session. An empty id gets a generated one.
func New(id, systemPrompt string, registry *toolregistry.Registry, m model.Model) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Session{
		id:           id,
		systemPrompt: systemPrompt,
		registry:     registry,
		model:        m,
		createdAt:    now,
		lastActive:   now,
	}
}

func (s *Session) ID() string                       { return s.id }
func (s *Session) SystemPrompt() string             { return s.systemPrompt }
func (s *Session) Registry() *toolregistry.Registry { return s.registry }
func (s *Session) Model() model.Model               { return s.model }
func (s *Session) CreatedAt() time.Time             { return s.createdAt }

// LastActive is the time of the last append, reset or claim.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// AppendTurn appends turns in order as one step.
func (s *Session) AppendTurn(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
	s.lastActive = time.Now()
}

// History returns a copy of the turns so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Reset drops the history. It fails while a run holds the session.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrSessionBusy
	}
	s.turns = nil
	s.lastActive = time.Now()
	return nil
}

// Acquire claims the session for one run.
func (s *Session) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrSessionBusy
	}
	s.busy = true
	s.lastActive = time.Now()
	return nil
}

// Release ends the claim taken by Acquire.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// Busy reports whether a run currently holds the session.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}
