package payment

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/zulandar/swatch/internal/apperr"
)

// Webhook is an inbound gateway notification as received on the wire.
type Webhook struct {
	Raw       []byte
	Signature string
}

// WebhookEvent is the parsed, gateway-neutral content of a webhook.
type WebhookEvent struct {
	Name          string
	OrderID       string
	PaymentID     string
	Status        GatewayStatus
	FailureReason string
}

// Paths are tried in order; the first non-empty value wins. Both a flat
// payload and the nested payment/order entity envelope are accepted.
var (
	orderIDPaths   = []string{"order_id", "payload.payment.entity.order_id", "payload.order.entity.id", "data.order_id"}
	paymentIDPaths = []string{"payment_id", "payload.payment.entity.id", "data.payment_id"}
	reasonPaths    = []string{"reason", "failure_reason", "payload.payment.entity.error_description", "data.failure_reason"}
	statusPaths    = []string{"status", "payload.payment.entity.status", "payload.order.entity.status", "data.status"}
)

// ParseWebhook extracts the event from a JSON payload.
func ParseWebhook(raw []byte) (WebhookEvent, error) {
	if !gjson.ValidBytes(raw) {
		return WebhookEvent{}, apperr.New(apperr.KindValidation, "webhook payload is not valid JSON", nil)
	}
	doc := gjson.ParseBytes(raw)
	ev := WebhookEvent{
		Name:          doc.Get("event").String(),
		OrderID:       firstString(doc, orderIDPaths),
		PaymentID:     firstString(doc, paymentIDPaths),
		FailureReason: firstString(doc, reasonPaths),
	}
	if ev.Name == "" {
		return WebhookEvent{}, apperr.New(apperr.KindValidation, "webhook event name missing", nil)
	}
	if ev.OrderID == "" {
		return WebhookEvent{}, apperr.New(apperr.KindValidation, "webhook order id missing", nil)
	}
	ev.Status = statusForEvent(ev.Name, firstString(doc, statusPaths))
	return ev, nil
}

func firstString(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// statusForEvent maps an event name, falling back to the reported status
// for events that do not imply an outcome on their own.
func statusForEvent(name, status string) GatewayStatus {
	switch strings.ToLower(name) {
	case "payment.completed", "payment.captured", "order.paid":
		return GatewayPaid
	case "payment.failed", "order.failed":
		return GatewayFailed
	}
	return NormalizeStatus(status)
}

// NormalizeStatus maps a gateway status string to a GatewayStatus.
func NormalizeStatus(status string) GatewayStatus {
	switch strings.ToLower(status) {
	case "paid", "captured", "completed", "succeeded":
		return GatewayPaid
	case "failed", "declined", "cancelled", "canceled", "expired":
		return GatewayFailed
	}
	return GatewayPending
}
