package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/swatch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormOrderStore persists orders in the payment_orders table.
type GormOrderStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormOrderStore(db *gorm.DB) (*GormOrderStore, error) {
	if db == nil {
		return nil, errors.New("payment: db is required")
	}
	return &GormOrderStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (g *GormOrderStore) Insert(ctx context.Context, o *models.PaymentOrder) error {
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(o)
	if result.Error != nil {
		return fmt.Errorf("payment: insert %s: %w", o.OrderID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrExists
	}
	return nil
}

func (g *GormOrderStore) Get(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	var o models.PaymentOrder
	err := g.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment: get %s: %w", orderID, err)
	}
	return &o, nil
}

func (g *GormOrderStore) ActiveForUser(ctx context.Context, userID string) (*models.PaymentOrder, error) {
	var o models.PaymentOrder
	err := g.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.OrderCreated).
		Order("created_at DESC").
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment: active order for %s: %w", userID, err)
	}
	return &o, nil
}

// Transition is a conditional UPDATE on (order_id, status). Zero affected
// rows means a concurrent writer already moved the order.
func (g *GormOrderStore) Transition(ctx context.Context, orderID string, from, to models.OrderStatus, mutate func(*models.PaymentOrder)) (*models.PaymentOrder, error) {
	cur, err := g.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next, err := prepareTransition(cur, from, to, mutate, g.now())
	if err != nil {
		return nil, err
	}
	result := g.db.WithContext(ctx).Model(&models.PaymentOrder{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Updates(map[string]interface{}{
			"status":         next.Status,
			"completed_at":   next.CompletedAt,
			"failure_reason": next.FailureReason,
			"payment_id":     next.PaymentID,
			"updated_at":     next.UpdatedAt,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("payment: transition %s: %w", orderID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrStaleStatus
	}
	return next, nil
}

func (g *GormOrderStore) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.PaymentOrder, error) {
	var out []*models.PaymentOrder
	err := g.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.OrderCreated, cutoff).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("payment: list pending: %w", err)
	}
	return out, nil
}

func (g *GormOrderStore) SetDocumentRef(ctx context.Context, orderID, ref string) error {
	result := g.db.WithContext(ctx).Model(&models.PaymentOrder{}).
		Where("order_id = ?", orderID).
		Update("document_ref", ref)
	if result.Error != nil {
		return fmt.Errorf("payment: set document ref %s: %w", orderID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
