// Package payment manages payment orders and reconciles gateway-reported
// outcomes against them.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/swatch/internal/models"
)

var (
	ErrNotFound = errors.New("payment: order not found")
	// ErrStaleStatus means the stored status no longer matched the expected
	// source status of a transition; another writer got there first.
	ErrStaleStatus = errors.New("payment: order status changed concurrently")
	ErrExists      = errors.New("payment: order already exists")
)

// OrderStore persists payment orders.
type OrderStore interface {
	Insert(ctx context.Context, o *models.PaymentOrder) error
	Get(ctx context.Context, orderID string) (*models.PaymentOrder, error)
	// ActiveForUser returns the newest created order for userID or ErrNotFound.
	ActiveForUser(ctx context.Context, userID string) (*models.PaymentOrder, error)
	// Transition moves an order from one status to another only if the
	// stored status still equals from. mutate may fill terminal fields on
	// the copy before it is written.
	Transition(ctx context.Context, orderID string, from, to models.OrderStatus, mutate func(*models.PaymentOrder)) (*models.PaymentOrder, error)
	// ListCreatedBefore returns created orders minted before cutoff.
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.PaymentOrder, error)
	SetDocumentRef(ctx context.Context, orderID, ref string) error
}

// prepareTransition validates a transition request against the current
// record and returns the record to write.
func prepareTransition(cur *models.PaymentOrder, from, to models.OrderStatus, mutate func(*models.PaymentOrder), now time.Time) (*models.PaymentOrder, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("payment: illegal transition %s -> %s", from, to)
	}
	if cur.Status != from {
		return nil, ErrStaleStatus
	}
	next := cloneOrder(cur)
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("payment: transition %s: %w", cur.OrderID, err)
	}
	return next, nil
}

func cloneOrder(o *models.PaymentOrder) *models.PaymentOrder {
	cp := *o
	if snap := o.AnalysisSnapshot.Clone(); snap != nil {
		cp.AnalysisSnapshot = *snap
	}
	cp.PaymentID = clonePtr(o.PaymentID)
	cp.FailureReason = clonePtr(o.FailureReason)
	cp.DocumentRef = clonePtr(o.DocumentRef)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
