package lambdahook

import (
	"context"
	"log/slog"
	"time"

	"github.com/zulandar/swatch/internal/funnel"
	"github.com/zulandar/swatch/internal/models"
	"github.com/zulandar/swatch/internal/payment"
	"github.com/zulandar/swatch/internal/telegraph"
)

const (
	msgPaid   = "Payment received! Tap below and I'll send your personal color guide."
	msgFailed = "Your payment didn't go through. Tap below once you've tried again and I'll check."
)

// Nudger tells the buyer an order settled. The long-running funnel owns
// the session, so the message carries a check-payment button that hands
// delivery back to it.
type Nudger struct {
	sender  funnel.Sender
	timeout time.Duration
}

var _ payment.Notifier = (*Nudger)(nil)

// NewNudger returns a Nudger sending through sender. A zero timeout
// defaults to 10s.
func NewNudger(sender funnel.Sender, timeout time.Duration) *Nudger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Nudger{sender: sender, timeout: timeout}
}

func (n *Nudger) PaymentCompleted(ctx context.Context, order *models.PaymentOrder) {
	n.nudge(ctx, order, msgPaid, "Get my guide")
}

func (n *Nudger) PaymentFailed(ctx context.Context, order *models.PaymentOrder) {
	n.nudge(ctx, order, msgFailed, "Check payment")
}

// nudge is best effort: the order transition already committed and the
// user can still ask to check their payment.
func (n *Nudger) nudge(ctx context.Context, order *models.PaymentOrder, text, label string) {
	if n.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	msg := telegraph.SendOptions(order.UserID, order.UserID, text,
		telegraph.Option{ID: funnel.ReplyCheckPayment, Label: label})
	if err := n.sender.Send(ctx, msg); err != nil {
		slog.Warn("payment nudge failed", "order_id", order.OrderID, "status", order.Status, "err", err)
	}
}
