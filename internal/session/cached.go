package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/swatch/internal/models"
)

// CachedStore serves sessions from memory and writes changes to a Backend
// on Flush. Sessions are loaded once at construction. Close must be called
// on shutdown so buffered writes reach the backend.
type CachedStore struct {
	backend Backend
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.ConversationSession
	dirty    map[string]struct{}
	closed   bool
}

// NewCachedStore loads every session from backend.
func NewCachedStore(ctx context.Context, backend Backend) (*CachedStore, error) {
	if backend == nil {
		return nil, errors.New("session: backend is required")
	}
	all, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: load cache: %w", err)
	}
	c := &CachedStore{
		backend:  backend,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*models.ConversationSession, len(all)),
		dirty:    make(map[string]struct{}),
	}
	for _, s := range all {
		c.sessions[s.UserID] = s
	}
	log.Printf("session: loaded %d sessions into cache", len(all))
	return c, nil
}

func (c *CachedStore) Get(_ context.Context, userID string) (*models.ConversationSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (c *CachedStore) Create(_ context.Context, userID string, p Profile) (*models.ConversationSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: create: user id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[userID]; ok {
		return nil, ErrExists
	}
	s := newSession(userID, p, c.now())
	c.sessions[userID] = s
	c.dirty[userID] = struct{}{}
	return s.Clone(), nil
}

func (c *CachedStore) Save(_ context.Context, s *models.ConversationSession) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.sessions[s.UserID]
	if !ok || cur.Version != s.Version {
		return ErrConflict
	}
	next := stamped(s, c.now())
	c.sessions[s.UserID] = next
	c.dirty[s.UserID] = struct{}{}
	*s = *next.Clone()
	return nil
}

// Delete removes the session from memory and from the backend immediately.
func (c *CachedStore) Delete(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.sessions, userID)
	delete(c.dirty, userID)
	c.mu.Unlock()
	return c.backend.Delete(ctx, userID)
}

func (c *CachedStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if err := checkRetention(retention); err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-retention)

	c.mu.Lock()
	var victims []string
	for id, s := range c.sessions {
		if expired(s, cutoff) {
			victims = append(victims, id)
			delete(c.sessions, id)
			delete(c.dirty, id)
		}
	}
	c.mu.Unlock()

	for i, id := range victims {
		if err := c.backend.Delete(ctx, id); err != nil {
			return i, fmt.Errorf("session: cleanup %s: %w", id, err)
		}
	}
	return len(victims), nil
}

func (c *CachedStore) ListByState(_ context.Context, state models.SessionState) ([]*models.ConversationSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.ConversationSession
	for _, s := range c.sessions {
		if s.State == state {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// Flush writes every dirty session to the backend and returns how many were
// written. Sessions that fail to write stay dirty for the next flush.
func (c *CachedStore) Flush(ctx context.Context) (int, error) {
	c.mu.Lock()
	batch := make([]*models.ConversationSession, 0, len(c.dirty))
	for id := range c.dirty {
		if s, ok := c.sessions[id]; ok {
			batch = append(batch, s.Clone())
		}
	}
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	var errs []error
	written := 0
	for _, s := range batch {
		if err := c.backend.Put(ctx, s); err != nil {
			errs = append(errs, err)
			c.mu.Lock()
			if _, ok := c.sessions[s.UserID]; ok {
				c.dirty[s.UserID] = struct{}{}
			}
			c.mu.Unlock()
			continue
		}
		written++
	}
	if len(errs) > 0 {
		return written, fmt.Errorf("session: flush: %w", errors.Join(errs...))
	}
	return written, nil
}

// Dirty returns the number of sessions awaiting flush.
func (c *CachedStore) Dirty() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// Close flushes outstanding writes. It is safe to call more than once.
func (c *CachedStore) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	n, err := c.Flush(ctx)
	log.Printf("session: flushed %d sessions on close", n)
	return err
}
