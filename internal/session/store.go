// Package session persists per-user conversation records.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/zulandar/swatch/internal/models"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExists   = errors.New("session: already exists")
	ErrConflict = errors.New("session: version conflict")
)

// Profile carries the identity fields recorded when a session is created.
type Profile struct {
	Platform    string
	ChannelID   string
	DisplayName string
}

// Store is durable keyed storage for conversation sessions. Implementations
// are safe for concurrent use; callers serialize read-mutate-write per user.
type Store interface {
	// Get returns the session for userID or ErrNotFound.
	Get(ctx context.Context, userID string) (*models.ConversationSession, error)
	// Create persists a new session in state initial, or returns ErrExists.
	Create(ctx context.Context, userID string, p Profile) (*models.ConversationSession, error)
	// Save persists the full record, stamping LastActive and incrementing
	// MessageCount and Version. The write is conditional on the version the
	// caller loaded; a concurrent writer yields ErrConflict and leaves s
	// untouched.
	Save(ctx context.Context, s *models.ConversationSession) error
	Delete(ctx context.Context, userID string) error
	// Cleanup removes sessions idle longer than retention that carry no
	// analysis and no pending or completed payment.
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
	// ListByState returns every session currently in state.
	ListByState(ctx context.Context, state models.SessionState) ([]*models.ConversationSession, error)
}

// Backend is the durable layer behind a CachedStore.
type Backend interface {
	LoadAll(ctx context.Context) ([]*models.ConversationSession, error)
	// Put writes s unconditionally, inserting or replacing.
	Put(ctx context.Context, s *models.ConversationSession) error
	Delete(ctx context.Context, userID string) error
}

func newSession(userID string, p Profile, now time.Time) *models.ConversationSession {
	return &models.ConversationSession{
		UserID:      userID,
		Platform:    p.Platform,
		ChannelID:   p.ChannelID,
		DisplayName: p.DisplayName,
		State:       models.StateInitial,
		CreatedAt:   now,
		LastActive:  now,
	}
}

// stamped returns a copy of s with the save bookkeeping applied.
func stamped(s *models.ConversationSession, now time.Time) *models.ConversationSession {
	next := s.Clone()
	next.LastActive = now
	next.MessageCount++
	next.Version++
	return next
}

func expired(s *models.ConversationSession, cutoff time.Time) bool {
	return !s.Retainable() && s.LastActive.Before(cutoff)
}

func checkRetention(retention time.Duration) error {
	if retention <= 0 {
		return errors.New("session: retention must be positive")
	}
	return nil
}
