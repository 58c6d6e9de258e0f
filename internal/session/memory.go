package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/swatch/internal/models"
)

// MemoryStore keeps sessions in a map. It also serves as a Backend.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ConversationSession
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.ConversationSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*models.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, userID string, p Profile) (*models.ConversationSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: create: user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[userID]; ok {
		return nil, ErrExists
	}
	s := newSession(userID, p, m.now())
	m.sessions[userID] = s
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *models.ConversationSession) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.UserID]
	if !ok || cur.Version != s.Version {
		return ErrConflict
	}
	next := stamped(s, m.now())
	m.sessions[s.UserID] = next
	*s = *next.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context, retention time.Duration) (int, error) {
	if err := checkRetention(retention); err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if expired(s, cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) ListByState(_ context.Context, state models.SessionState) ([]*models.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ConversationSession
	for _, s := range m.sessions {
		if s.State == state {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// LoadAll implements Backend.
func (m *MemoryStore) LoadAll(_ context.Context) ([]*models.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ConversationSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

// Put implements Backend.
func (m *MemoryStore) Put(_ context.Context, s *models.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = s.Clone()
	return nil
}
