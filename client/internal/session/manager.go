package session

import (
	"context"
	"sync"

	"github.com/itchan-dev/chatsync/shared/domain"
)

// Manager keeps at most one session open. Opening a conversation stops the
// previous session, channel included, before the next one starts.
type Manager struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	current *Session
	closed  bool
}

func NewManager(deps Deps, cfg Config) *Manager {
	return &Manager{deps: deps, cfg: cfg}
}

// Open stops the current session and starts one for conversationId.
func (m *Manager) Open(ctx context.Context, conversationId domain.ConversationId) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrTornDown
	}
	if m.current != nil {
		m.current.Stop()
		m.current = nil
	}

	s := New(conversationId, m.deps, m.cfg)
	m.current = s
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Current is the open session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close stops the current session. Later Opens fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.current != nil {
		m.current.Stop()
		m.current = nil
	}
}
