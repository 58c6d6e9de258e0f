package db

import (
	"fmt"

	"github.com/zulandar/swatch/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model Swatch persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.ConversationSession{},
		&models.PaymentOrder{},
		&models.WebhookDelivery{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
