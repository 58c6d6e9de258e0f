package payment

import (
	"testing"

	"github.com/zulandar/swatch/internal/apperr"
)

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want WebhookEvent
	}{
		{
			name: "flat completed",
			raw:  `{"event":"payment.completed","order_id":"order_1","payment_id":"pay_9"}`,
			want: WebhookEvent{Name: "payment.completed", OrderID: "order_1", PaymentID: "pay_9", Status: GatewayPaid},
		},
		{
			name: "nested captured envelope",
			raw:  `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_X","order_id":"order_Y","status":"captured"}}}}`,
			want: WebhookEvent{Name: "payment.captured", OrderID: "order_Y", PaymentID: "pay_X", Status: GatewayPaid},
		},
		{
			name: "order paid envelope",
			raw:  `{"event":"order.paid","payload":{"order":{"entity":{"id":"order_Z","status":"paid"}}}}`,
			want: WebhookEvent{Name: "order.paid", OrderID: "order_Z", Status: GatewayPaid},
		},
		{
			name: "failed with reason",
			raw:  `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_F","order_id":"order_F","error_description":"card declined"}}}}`,
			want: WebhookEvent{Name: "payment.failed", OrderID: "order_F", PaymentID: "pay_F", Status: GatewayFailed, FailureReason: "card declined"},
		},
		{
			name: "authorized stays pending",
			raw:  `{"event":"payment.authorized","order_id":"order_A","status":"authorized"}`,
			want: WebhookEvent{Name: "payment.authorized", OrderID: "order_A", Status: GatewayPending},
		},
		{
			name: "generic event falls back to status",
			raw:  `{"event":"order.updated","order_id":"order_B","status":"completed"}`,
			want: WebhookEvent{Name: "order.updated", OrderID: "order_B", Status: GatewayPaid},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWebhook([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseWebhook() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseWebhook_Invalid(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"order_id":"order_1"}`,
		`{"event":"payment.completed"}`,
		`{"event":"payment.completed","order_id":42}`,
	} {
		_, err := ParseWebhook([]byte(raw))
		if err == nil {
			t.Errorf("ParseWebhook(%s) should fail", raw)
			continue
		}
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("ParseWebhook(%s) kind = %s, want VALIDATION", raw, apperr.KindOf(err))
		}
	}
}
