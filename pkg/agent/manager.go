package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/tool"
)

// Manager creates and tracks sessions. Sessions live until Delete; there is
// no idle expiry, the chat service owns session lifecycle.
type Manager struct {
	provider llm.Provider
	tools    *tool.Registry
	history  HistoryStore
	cfg      Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(provider llm.Provider, tools *tool.Registry, history HistoryStore, cfg Config) *Manager {
	return &Manager{
		provider: provider,
		tools:    tools,
		history:  history,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session with a generated ID.
func (m *Manager) Create() *Session {
	s := NewSession(uuid.NewString(), m.provider, m.tools, m.history, m.cfg)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("agent: session %s not found", id)
	}
	return s, nil
}

// Delete cancels any turn in flight, drops the session, and removes its
// persisted history.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent: session %s not found", id)
	}
	s.Cancel()
	if m.history != nil {
		return m.history.Delete(ctx, id)
	}
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
