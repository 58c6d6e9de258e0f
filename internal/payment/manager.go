package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/models"
)

// ReasonSuperseded is recorded on an order replaced by a newer one when
// ReuseActiveOrder is off.
const ReasonSuperseded = "superseded"

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Store   OrderStore
	Gateway Gateway
	// ReuseActiveOrder decides what a second purchase attempt does while a
	// created order exists for the user. When true the existing order is
	// returned. When false it is failed as superseded and a new one is
	// minted, so a user never holds two created orders.
	ReuseActiveOrder bool
	// CheckoutURL is used when the gateway returns no hosted checkout link.
	// "{order_id}" is replaced with the gateway order id.
	CheckoutURL string
	Now         func() time.Time
}

// Manager creates and looks up payment orders.
type Manager struct {
	store       OrderStore
	gateway     Gateway
	reuse       bool
	checkoutURL string
	now         func() time.Time
	users       keyedMutex
}

// NewManager validates opts and returns a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("payment: store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("payment: gateway is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:       opts.Store,
		gateway:     opts.Gateway,
		reuse:       opts.ReuseActiveOrder,
		checkoutURL: opts.CheckoutURL,
		now:         now,
	}, nil
}

// CreateOrder mints a gateway order and records it locally as created.
// Creation is serialized per user so concurrent purchase attempts cannot
// mint two gateway orders.
func (m *Manager) CreateOrder(ctx context.Context, userID string, amountMinorUnits int64, currency string, snapshot *models.AnalysisRecord) (*models.PaymentOrder, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindValidation, "order user id is required", nil)
	}
	if snapshot == nil {
		return nil, apperr.New(apperr.KindValidation, "order needs an analysis snapshot", nil)
	}
	if amountMinorUnits <= 0 {
		return nil, apperr.New(apperr.KindValidation, "order amount must be positive", nil)
	}

	unlock := m.users.Lock(userID)
	defer unlock()

	existing, err := m.store.ActiveForUser(ctx, userID)
	switch {
	case err == nil && m.reuse:
		log.Printf("payment: reusing active order %s for %s", existing.OrderID, userID)
		return existing, nil
	case err == nil:
		if err := m.supersede(ctx, existing); err != nil {
			return nil, err
		}
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("payment: create order: %w", err)
	}

	gw, err := m.gateway.CreateOrder(ctx, amountMinorUnits, currency, map[string]string{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("payment: create order: %w", err)
	}
	if gw.OrderID == "" {
		return nil, apperr.New(apperr.KindUpstreamError, "gateway returned no order id", nil)
	}
	checkout := gw.CheckoutURL
	if checkout == "" {
		checkout = strings.ReplaceAll(m.checkoutURL, "{order_id}", gw.OrderID)
	}
	if checkout == "" {
		return nil, apperr.New(apperr.KindInternal, "no checkout url configured", nil)
	}

	now := m.now()
	order := &models.PaymentOrder{
		OrderID:          gw.OrderID,
		UserID:           userID,
		AmountMinorUnits: amountMinorUnits,
		Currency:         currency,
		Status:           models.OrderCreated,
		AnalysisSnapshot: *snapshot.Clone(),
		CheckoutURL:      checkout,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.Insert(ctx, order); err != nil {
		return nil, fmt.Errorf("payment: create order: %w", err)
	}
	log.Printf("payment: created order %s for %s (%d %s)", order.OrderID, userID, amountMinorUnits, currency)
	return order, nil
}

// supersede fails an abandoned created order. A lost race means the order
// already reached a terminal status, which is fine.
func (m *Manager) supersede(ctx context.Context, o *models.PaymentOrder) error {
	reason := ReasonSuperseded
	_, err := m.store.Transition(ctx, o.OrderID, models.OrderCreated, models.OrderFailed, func(next *models.PaymentOrder) {
		next.FailureReason = &reason
	})
	if err != nil && !errors.Is(err, ErrStaleStatus) {
		return fmt.Errorf("payment: supersede %s: %w", o.OrderID, err)
	}
	log.Printf("payment: superseded order %s for %s", o.OrderID, o.UserID)
	return nil
}

// GetOrder returns the order or ErrNotFound.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	return m.store.Get(ctx, orderID)
}

// GetActiveOrderForUser returns the user's created order or ErrNotFound.
func (m *Manager) GetActiveOrderForUser(ctx context.Context, userID string) (*models.PaymentOrder, error) {
	return m.store.ActiveForUser(ctx, userID)
}

// SetDocumentRef records where the document for a completed order lives.
func (m *Manager) SetDocumentRef(ctx context.Context, orderID, ref string) error {
	return m.store.SetDocumentRef(ctx, orderID, ref)
}
