package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/swatch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore writes sessions through to a relational database.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore returns a GormStore. The conversation_sessions table must
// already be migrated.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("session: db is required")
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (g *GormStore) Get(ctx context.Context, userID string) (*models.ConversationSession, error) {
	var s models.ConversationSession
	err := g.db.WithContext(ctx).Where("user_id = ?", userID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", userID, err)
	}
	return &s, nil
}

func (g *GormStore) Create(ctx context.Context, userID string, p Profile) (*models.ConversationSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: create: user id is required")
	}
	s := newSession(userID, p, g.now())
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(s)
	if result.Error != nil {
		return nil, fmt.Errorf("session: create %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrExists
	}
	return s, nil
}

func (g *GormStore) Save(ctx context.Context, s *models.ConversationSession) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	next := stamped(s, g.now())
	result := g.db.WithContext(ctx).Model(&models.ConversationSession{}).
		Where("user_id = ? AND version = ?", s.UserID, s.Version).
		Select("*").
		Updates(next)
	if result.Error != nil {
		return fmt.Errorf("session: save %s: %w", s.UserID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	*s = *next
	return nil
}

func (g *GormStore) Delete(ctx context.Context, userID string) error {
	if err := g.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.ConversationSession{}).Error; err != nil {
		return fmt.Errorf("session: delete %s: %w", userID, err)
	}
	return nil
}

func (g *GormStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if err := checkRetention(retention); err != nil {
		return 0, err
	}
	cutoff := g.now().Add(-retention)
	result := g.db.WithContext(ctx).
		Where("last_active < ? AND analysis IS NULL AND active_payment_order_id IS NULL AND pdf_delivered = ? AND state NOT IN ?",
			cutoff, false, []string{string(models.StatePaymentPending), string(models.StateCompleted)}).
		Delete(&models.ConversationSession{})
	if result.Error != nil {
		return 0, fmt.Errorf("session: cleanup: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (g *GormStore) ListByState(ctx context.Context, state models.SessionState) ([]*models.ConversationSession, error) {
	var out []*models.ConversationSession
	if err := g.db.WithContext(ctx).Where("state = ?", state).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("session: list %s: %w", state, err)
	}
	return out, nil
}

// LoadAll implements Backend.
func (g *GormStore) LoadAll(ctx context.Context) ([]*models.ConversationSession, error) {
	var out []*models.ConversationSession
	if err := g.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("session: load all: %w", err)
	}
	return out, nil
}

// Put implements Backend.
func (g *GormStore) Put(ctx context.Context, s *models.ConversationSession) error {
	if err := g.db.WithContext(ctx).Save(s).Error; err != nil {
		return fmt.Errorf("session: put %s: %w", s.UserID, err)
	}
	return nil
}
