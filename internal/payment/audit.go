package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/swatch/internal/models"
	"gorm.io/gorm"
)

// AuditLog records webhook deliveries. It is observational only.
type AuditLog interface {
	Record(ctx context.Context, d *models.WebhookDelivery) error
}

// GormAuditLog writes deliveries to the webhook_deliveries table.
type GormAuditLog struct {
	db *gorm.DB
}

func NewGormAuditLog(db *gorm.DB) (*GormAuditLog, error) {
	if db == nil {
		return nil, errors.New("payment: db is required")
	}
	return &GormAuditLog{db: db}, nil
}

func (g *GormAuditLog) Record(ctx context.Context, d *models.WebhookDelivery) error {
	if err := g.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("payment: record webhook: %w", err)
	}
	return nil
}

// Recent returns the latest deliveries, newest first.
func (g *GormAuditLog) Recent(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	var out []models.WebhookDelivery
	if err := g.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("payment: recent webhooks: %w", err)
	}
	return out, nil
}
