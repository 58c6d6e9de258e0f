package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/models"
)

// Outcome describes what ApplyGatewayEvent did with a reported status.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeRejected     Outcome = "rejected"
	OutcomeUnknownOrder Outcome = "unknown_order"

	// OutcomeError marks an audited delivery that could not be applied.
	OutcomeError Outcome = "error"
)

// EventDetails carries gateway data recorded on a transition.
type EventDetails struct {
	Source        string // "webhook", "poll", "sweep"
	EventName     string
	PaymentID     string
	FailureReason string
}

// ReconcilerOpts holds parameters for creating a Reconciler.
type ReconcilerOpts struct {
	Store         OrderStore
	Gateway       Gateway
	Notifier      Notifier
	Audit         AuditLog // optional
	WebhookSecret []byte
	Now           func() time.Time
}

// Reconciler applies gateway-reported outcomes to orders. Webhooks, polls
// and the pending sweep all go through ApplyGatewayEvent.
type Reconciler struct {
	store    OrderStore
	gateway  Gateway
	notifier Notifier
	audit    AuditLog
	secret   []byte
	now      func() time.Time
}

// NewReconciler validates opts and returns a Reconciler.
func NewReconciler(opts ReconcilerOpts) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("payment: store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("payment: gateway is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("payment: notifier is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		store:    opts.Store,
		gateway:  opts.Gateway,
		notifier: opts.Notifier,
		audit:    opts.Audit,
		secret:   opts.WebhookSecret,
		now:      now,
	}, nil
}

// ApplyGatewayEvent is the single mutation point for order status. Only an
// order still in created is transitioned; anything else is a no-op. When
// two reporters race, the conditional write lets exactly one win, and only
// the winner fires the notifier.
func (r *Reconciler) ApplyGatewayEvent(ctx context.Context, orderID string, reported GatewayStatus, details EventDetails) (Outcome, error) {
	order, err := r.store.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		log.Printf("payment: %s event for unknown order %s", details.Source, orderID)
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", fmt.Errorf("payment: apply %s: %w", orderID, err)
	}
	if order.Status.Terminal() {
		if reported == GatewayPaid && supersededOrder(order) {
			log.Printf("payment: WARNING order %s was paid after being superseded; user %s needs a manual refund or fulfilment", orderID, order.UserID)
		}
		return OutcomeDuplicate, nil
	}

	var (
		to     models.OrderStatus
		mutate func(*models.PaymentOrder)
	)
	switch reported {
	case GatewayPaid:
		to = models.OrderCompleted
		now := r.now()
		mutate = func(o *models.PaymentOrder) {
			o.CompletedAt = &now
			if details.PaymentID != "" {
				pid := details.PaymentID
				o.PaymentID = &pid
			}
		}
	case GatewayFailed:
		to = models.OrderFailed
		reason := details.FailureReason
		if reason == "" {
			reason = "payment failed"
		}
		mutate = func(o *models.PaymentOrder) {
			o.FailureReason = &reason
			if details.PaymentID != "" {
				pid := details.PaymentID
				o.PaymentID = &pid
			}
		}
	default:
		return OutcomeIgnored, nil
	}

	updated, err := r.store.Transition(ctx, orderID, models.OrderCreated, to, mutate)
	if errors.Is(err, ErrStaleStatus) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("payment: apply %s: %w", orderID, err)
	}

	log.Printf("payment: order %s %s via %s", orderID, updated.Status, details.Source)
	if updated.Status == models.OrderCompleted {
		r.notifier.PaymentCompleted(ctx, updated)
	} else {
		r.notifier.PaymentFailed(ctx, updated)
	}
	return OutcomeApplied, nil
}

// ReconcileByPolling asks the gateway for the order's status and applies it.
func (r *Reconciler) ReconcileByPolling(ctx context.Context, orderID string) (Outcome, error) {
	return r.poll(ctx, orderID, "poll")
}

func (r *Reconciler) poll(ctx context.Context, orderID, source string) (Outcome, error) {
	order, err := r.store.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", fmt.Errorf("payment: poll %s: %w", orderID, err)
	}
	if order.Status.Terminal() {
		return OutcomeDuplicate, nil
	}

	st, err := r.gateway.FetchOrderStatus(ctx, orderID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindPaymentVerificationFailure, "fetch order status", err)
		}
		return "", fmt.Errorf("payment: poll %s: %w", orderID, err)
	}
	return r.ApplyGatewayEvent(ctx, orderID, st.Status, EventDetails{
		Source:        source,
		PaymentID:     st.PaymentID,
		FailureReason: st.FailureReason,
	})
}

// SweepPending polls every created order older than olderThan, so a lost
// webhook is still reconciled. It returns how many orders were applied.
func (r *Reconciler) SweepPending(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := r.store.ListCreatedBefore(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("payment: sweep: %w", err)
	}
	applied := 0
	for _, o := range pending {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		outcome, err := r.poll(ctx, o.OrderID, "sweep")
		if err != nil {
			log.Printf("payment: sweep %s: %v", o.OrderID, err)
			continue
		}
		if outcome == OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}

// HandleWebhook authenticates and applies a gateway notification. An
// invalid signature is rejected before parsing and never mutates state.
func (r *Reconciler) HandleWebhook(ctx context.Context, w Webhook) (Outcome, error) {
	received := r.now()
	if !VerifyWebhookSignature(w.Raw, w.Signature, r.secret) {
		log.Printf("payment: rejected webhook with invalid signature (%d bytes)", len(w.Raw))
		r.record(ctx, &models.WebhookDelivery{Outcome: string(OutcomeRejected), ReceivedAt: received})
		return OutcomeRejected, apperr.New(apperr.KindSignatureInvalid, "webhook signature mismatch", nil)
	}

	ev, err := ParseWebhook(w.Raw)
	if err != nil {
		log.Printf("payment: malformed webhook: %v", err)
		r.record(ctx, &models.WebhookDelivery{SignatureValid: true, Outcome: string(OutcomeIgnored), ReceivedAt: received})
		return OutcomeIgnored, err
	}

	outcome, err := r.ApplyGatewayEvent(ctx, ev.OrderID, ev.Status, EventDetails{
		Source:        "webhook",
		EventName:     ev.Name,
		PaymentID:     ev.PaymentID,
		FailureReason: ev.FailureReason,
	})
	if err != nil {
		r.record(ctx, &models.WebhookDelivery{
			EventName:      ev.Name,
			OrderID:        ev.OrderID,
			SignatureValid: true,
			Outcome:        string(OutcomeError),
			ReceivedAt:     received,
		})
		return "", err
	}
	r.record(ctx, &models.WebhookDelivery{
		EventName:      ev.Name,
		OrderID:        ev.OrderID,
		SignatureValid: true,
		Outcome:        string(outcome),
		ReceivedAt:     received,
	})
	return outcome, nil
}

func supersededOrder(o *models.PaymentOrder) bool {
	return o.Status == models.OrderFailed && o.FailureReason != nil && *o.FailureReason == ReasonSuperseded
}

func (r *Reconciler) record(ctx context.Context, d *models.WebhookDelivery) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, d); err != nil {
		log.Printf("payment: %v", err)
	}
}
