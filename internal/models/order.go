package models

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle of a payment order. created is initial;
// completed and failed are terminal.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transition may leave the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// CanTransition reports whether from -> to is a legal order transition.
func CanTransition(from, to OrderStatus) bool {
	return from == OrderCreated && to.Terminal()
}

// PaymentOrder is a gateway-tracked payment request tied to one purchase
// attempt. AnalysisSnapshot is frozen at creation so document generation
// stays stable even if the session's live analysis later changes.
type PaymentOrder struct {
	OrderID          string         `gorm:"primaryKey;size:64"`
	UserID           string         `gorm:"size:128;not null;index:idx_user_status"`
	AmountMinorUnits int64          `gorm:"not null"`
	Currency         string         `gorm:"size:3;not null"`
	Status           OrderStatus    `gorm:"size:16;not null;default:created;index:idx_user_status"`
	AnalysisSnapshot AnalysisRecord `gorm:"serializer:json;type:text"`
	CheckoutURL      string         `gorm:"size:512"`
	PaymentID        *string        `gorm:"size:64"`
	FailureReason    *string        `gorm:"type:text"`
	DocumentRef      *string        `gorm:"size:512"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Validate checks the status-dependent field invariants.
func (o *PaymentOrder) Validate() error {
	switch o.Status {
	case OrderCreated:
		if o.CompletedAt != nil || o.FailureReason != nil {
			return fmt.Errorf("models: order %s is created but carries a terminal field", o.OrderID)
		}
	case OrderCompleted:
		if o.CompletedAt == nil {
			return fmt.Errorf("models: order %s is completed without completed_at", o.OrderID)
		}
		if o.FailureReason != nil {
			return fmt.Errorf("models: order %s is completed with a failure reason", o.OrderID)
		}
	case OrderFailed:
		if o.FailureReason == nil {
			return fmt.Errorf("models: order %s is failed without a reason", o.OrderID)
		}
		if o.CompletedAt != nil {
			return fmt.Errorf("models: order %s is failed with completed_at", o.OrderID)
		}
	default:
		return fmt.Errorf("models: order %s has invalid status %q", o.OrderID, o.Status)
	}
	return nil
}

// WebhookDelivery is an audit row for one inbound payment webhook.
type WebhookDelivery struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	EventName      string `gorm:"size:64"`
	OrderID        string `gorm:"size:64;index"`
	SignatureValid bool
	Outcome        string `gorm:"size:16;index"`
	ReceivedAt     time.Time
}
