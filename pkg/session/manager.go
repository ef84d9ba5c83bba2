package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/model"
	"github.com/harun/toolmesh/pkg/toolregistry"
	"github.com/rs/zerolog"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// Info summarizes a session for listings.
type Info struct {
	ID         string    `json:"id"`
	Turns      int       `json:"turns"`
	Busy       bool      `json:"busy"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Manager keeps live sessions keyed by ID. All sessions share one registry and backend.
type Manager struct {
	registry     *toolregistry.Registry
	model        model.Model
	systemPrompt string
	logger       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	onDelete []func(id string)
}

// NewManager creates an empty manager.
func NewManager(registry *toolregistry.Registry, m model.Model, systemPrompt string, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		registry:     registry,
		model:        m,
		systemPrompt: systemPrompt,
		logger:       logger,
		sessions:     make(map[string]*Session),
	}
}

// Create starts a new session with a generated ID.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	return m.CreateWithID(ctx, "")
}

// CreateWithID starts a session with a caller-chosen ID.
func (m *Manager) CreateWithID(ctx context.Context, id string) (*Session, error) {
	sess := New(id, m.systemPrompt, m.registry, m.model)

	m.mu.Lock()
	if _, exists := m.sessions[sess.ID()]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", sess.ID())
	}
	m.sessions[sess.ID()] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(count)
	observability.RecordSessionAudit(ctx, "create", sess.ID())
	tracing.LoggerFromContext(ctx, m.logger).Info().Str("session_id", sess.ID()).Msg("Session created")

	return sess, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Reset clears a session's history.
func (m *Manager) Reset(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := sess.Reset(); err != nil {
		return err
	}

	observability.RecordSessionAudit(ctx, "reset", id)
	tracing.LoggerFromContext(ctx, m.logger).Info().Str("session_id", id).Msg("Session reset")
	return nil
}

// OnDelete registers fn to be called with the ID of every deleted session,
// whether removed explicitly or by the reaper.
func (m *Manager) OnDelete(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelete = append(m.onDelete, fn)
}

// Delete destroys a session. A run in progress keeps its own reference and finishes.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	hooks := m.onDelete
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
	observability.SetActiveSessions(count)
	observability.RecordSessionAudit(ctx, "delete", id)
	tracing.LoggerFromContext(ctx, m.logger).Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// List returns the live sessions ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, Info{
			ID:         s.ID(),
			Turns:      s.Len(),
			Busy:       s.Busy(),
			CreatedAt:  s.CreatedAt(),
			LastActive: s.LastActive(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
