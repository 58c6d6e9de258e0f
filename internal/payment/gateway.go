package payment

import (
	"context"

	"github.com/zulandar/swatch/internal/models"
)

// GatewayStatus is a gateway-reported order status, normalized.
type GatewayStatus string

const (
	GatewayPending GatewayStatus = "pending"
	GatewayPaid    GatewayStatus = "paid"
	GatewayFailed  GatewayStatus = "failed"
)

// GatewayOrder is the gateway's answer to an order creation request.
type GatewayOrder struct {
	OrderID     string
	CheckoutURL string
}

// GatewayOrderStatus is the result of polling the gateway for an order.
type GatewayOrderStatus struct {
	Status        GatewayStatus
	PaymentID     string
	FailureReason string
}

// Gateway is the payment gateway collaborator.
type Gateway interface {
	CreateOrder(ctx context.Context, amountMinorUnits int64, currency string, metadata map[string]string) (GatewayOrder, error)
	FetchOrderStatus(ctx context.Context, orderID string) (GatewayOrderStatus, error)
}

// Notifier receives the side effects of a winning order transition. Calls
// must not block on the caller's per-user queue.
type Notifier interface {
	PaymentCompleted(ctx context.Context, order *models.PaymentOrder)
	PaymentFailed(ctx context.Context, order *models.PaymentOrder)
}
