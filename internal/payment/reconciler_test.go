package payment

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/models"
)

type reconcilerFixture struct {
	store    *MemoryOrderStore
	gateway  *fakeGateway
	notifier *recordingNotifier
	audit    *memoryAudit
	rec      *Reconciler
	manager  *Manager
}

var testSecret = []byte("whsec_test")

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		store:    NewMemoryOrderStore(),
		gateway:  newFakeGateway(),
		notifier: &recordingNotifier{},
		audit:    &memoryAudit{},
	}
	var err error
	f.rec, err = NewReconciler(ReconcilerOpts{
		Store:         f.store,
		Gateway:       f.gateway,
		Notifier:      f.notifier,
		Audit:         f.audit,
		WebhookSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	f.manager, err = NewManager(ManagerOpts{Store: f.store, Gateway: f.gateway, ReuseActiveOrder: true, CheckoutURL: "https://pay.test/{order_id}"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return f
}

func (f *reconcilerFixture) createOrder(t *testing.T, userID string) *models.PaymentOrder {
	t.Helper()
	o, err := f.manager.CreateOrder(context.Background(), userID, 1499, "USD", snapshot())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func signed(raw string) Webhook {
	return Webhook{Raw: []byte(raw), Signature: SignWebhook([]byte(raw), testSecret)}
}

func TestNewReconciler_RequiresDeps(t *testing.T) {
	if _, err := NewReconciler(ReconcilerOpts{Gateway: newFakeGateway(), Notifier: &recordingNotifier{}}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewReconciler(ReconcilerOpts{Store: NewMemoryOrderStore(), Notifier: &recordingNotifier{}}); err == nil {
		t.Error("expected error without gateway")
	}
	if _, err := NewReconciler(ReconcilerOpts{Store: NewMemoryOrderStore(), Gateway: newFakeGateway()}); err == nil {
		t.Error("expected error without notifier")
	}
}

func TestApplyGatewayEvent_CompletedTwiceAppliesOnce(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "u1")

	first, err := f.rec.ApplyGatewayEvent(ctx, order.OrderID, GatewayPaid, EventDetails{Source: "webhook", PaymentID: "pay_1"})
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := f.rec.ApplyGatewayEvent(ctx, order.OrderID, GatewayPaid, EventDetails{Source: "webhook", PaymentID: "pay_1"})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if first != OutcomeApplied || second != OutcomeDuplicate {
		t.Errorf("outcomes = %s, %s; want applied, duplicate", first, second)
	}
	completed, failed := f.notifier.counts()
	if completed != 1 || failed != 0 {
		t.Errorf("notifications completed=%d failed=%d, want 1/0", completed, failed)
	}

	got, _ := f.store.Get(ctx, order.OrderID)
	if got.Status != models.OrderCompleted || got.CompletedAt == nil {
		t.Errorf("order = %s completedAt=%v, want completed with timestamp", got.Status, got.CompletedAt)
	}
	if got.PaymentID == nil || *got.PaymentID != "pay_1" {
		t.Errorf("PaymentID = %v, want pay_1", got.PaymentID)
	}
}

func TestApplyGatewayEvent_TerminalStatusIsMonotonic(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "u1")

	if _, err := f.rec.ApplyGatewayEvent(ctx, order.OrderID, GatewayFailed, EventDetails{Source: "webhook", FailureReason: "card declined"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	for _, reported := range []GatewayStatus{GatewayPaid, GatewayPending, GatewayFailed} {
		outcome, err := f.rec.ApplyGatewayEvent(ctx, order.OrderID, reported, EventDetails{Source: "webhook"})
		if err != nil {
			t.Fatalf("apply %s: %v", reported, err)
		}
		if outcome != OutcomeDuplicate {
			t.Errorf("apply %s after failed = %s, want duplicate", reported, outcome)
		}
	}

	got, _ := f.store.Get(ctx, order.OrderID)
	if got.Status != models.OrderFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != "card declined" {
		t.Errorf("FailureReason = %v, want card declined", got.FailureReason)
	}
	completed, failed := f.notifier.counts()
	if completed != 0 || failed != 1 {
		t.Errorf("notifications completed=%d failed=%d, want 0/1", completed, failed)
	}
}

func TestApplyGatewayEvent_PendingAndUnknown(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "u1")

	outcome, err := f.rec.ApplyGatewayEvent(ctx, order.OrderID, GatewayPending, EventDetails{Source: "poll"})
	if err != nil || outcome != OutcomeIgnored {
		t.Errorf("pending = %s, %v; want ignored", outcome, err)
	}
	outcome, err = f.rec.ApplyGatewayEvent(ctx, "order_missing", GatewayPaid, EventDetails{Source: "webhook"})
	if err != nil || outcome != OutcomeUnknownOrder {
		t.Errorf("unknown = %s, %v; want unknown_order", outcome, err)
	}
	got, _ := f.store.Get(ctx, order.OrderID)
	if got.Status != models.OrderCreated {
		t.Errorf("Status = %s, want created", got.Status)
	}
}

func TestApplyGatewayEvent_ConcurrentReportersOneWinner(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "u1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := "webhook"
			if i%2 == 0 {
				source = "poll"
			}
			outcome, err := f.rec.ApplyGatewayEvent(ctx, order.OrderID, GatewayPaid, EventDetails{Source: source})
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if outcome == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}
	if completed, _ := f.notifier.counts(); completed != 1 {
		t.Errorf("completed notifications = %d, want 1", completed)
	}
}

func TestReconcileByPolling(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "u1")

	outcome, err := f.rec.ReconcileByPolling(ctx, order.OrderID)
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("poll while pending = %s, %v; want ignored", outcome, err)
	}

	f.gateway.set(order.OrderID, GatewayOrderStatus{Status: GatewayPaid, PaymentID: "pay_poll"})
	outcome, err = f.rec.ReconcileByPolling(ctx, order.OrderID)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("poll after pay = %s, %v; want applied", outcome, err)
	}

	fetches := f.gateway.fetches
	outcome, _ = f.rec.ReconcileByPolling(ctx, order.OrderID)
	if outcome != OutcomeDuplicate {
		t.Errorf("poll after completion = %s, want duplicate", outcome)
	}
	if f.gateway.fetches != fetches {
		t.Error("terminal order should not be polled again")
	}
}

func TestReconcileByPolling_GatewayErrorIsVerificationFailure(t *testing.T) {
	f := newReconcilerFixture(t)
	order := f.createOrder(t, "u1")
	f.gateway.fetchErr = context.Canceled

	_, err := f.rec.ReconcileByPolling(context.Background(), order.OrderID)
	if apperr.KindOf(err) != apperr.KindPaymentVerificationFailure {
		t.Errorf("kind = %s, want PAYMENT_VERIFICATION_FAILURE", apperr.KindOf(err))
	}
	if !apperr.IsRecoverable(err) {
		t.Error("poll failure should be recoverable")
	}
}

func TestSweepPending(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	paid := f.createOrder(t, "u1")
	open := f.createOrder(t, "u2")
	f.gateway.set(paid.OrderID, GatewayOrderStatus{Status: GatewayPaid})

	// Orders minted just now are not swept yet.
	n, err := f.rec.SweepPending(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v; want 0", n, err)
	}

	f.rec.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	n, err = f.rec.SweepPending(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	got, _ := f.store.Get(ctx, open.OrderID)
	if got.Status != models.OrderCreated {
		t.Errorf("unpaid order status = %s, want created", got.Status)
	}
}

func TestHandleWebhook_ValidCompletedThenReplay(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "u1")
	hook := signed(`{"event":"payment.completed","order_id":"` + order.OrderID + `","payment_id":"pay_7"}`)

	outcome, err := f.rec.HandleWebhook(ctx, hook)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("first delivery = %s, %v; want applied", outcome, err)
	}
	outcome, err = f.rec.HandleWebhook(ctx, hook)
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("replay = %s, %v; want duplicate", outcome, err)
	}

	if completed, _ := f.notifier.counts(); completed != 1 {
		t.Errorf("completed notifications = %d, want 1", completed)
	}
	if len(f.audit.rows) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(f.audit.rows))
	}
	if f.audit.rows[0].Outcome != "applied" || f.audit.rows[1].Outcome != "duplicate" {
		t.Errorf("audit outcomes = %s, %s", f.audit.rows[0].Outcome, f.audit.rows[1].Outcome)
	}
}

func TestHandleWebhook_InvalidSignatureRejected(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "u1")
	raw := []byte(`{"event":"payment.completed","order_id":"` + order.OrderID + `"}`)

	outcome, err := f.rec.HandleWebhook(ctx, Webhook{Raw: raw, Signature: SignWebhook(raw, []byte("forged"))})
	if outcome != OutcomeRejected {
		t.Errorf("outcome = %s, want rejected", outcome)
	}
	if apperr.KindOf(err) != apperr.KindSignatureInvalid {
		t.Errorf("kind = %s, want SIGNATURE_INVALID", apperr.KindOf(err))
	}

	got, _ := f.store.Get(ctx, order.OrderID)
	if got.Status != models.OrderCreated {
		t.Errorf("order mutated by forged webhook: %s", got.Status)
	}
	if completed, failed := f.notifier.counts(); completed+failed != 0 {
		t.Error("forged webhook fired a notification")
	}
	if len(f.audit.rows) != 1 || f.audit.rows[0].Outcome != "rejected" || f.audit.rows[0].SignatureValid {
		t.Errorf("audit = %+v, want one rejected row", f.audit.rows)
	}
}

func TestHandleWebhook_MalformedPayload(t *testing.T) {
	f := newReconcilerFixture(t)
	_, err := f.rec.HandleWebhook(context.Background(), signed(`{"event":"payment.completed"}`))
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("kind = %s, want VALIDATION", apperr.KindOf(err))
	}
}

// brokenReads fails every order lookup.
type brokenReads struct {
	OrderStore
}

func (brokenReads) Get(context.Context, string) (*models.PaymentOrder, error) {
	return nil, errors.New("database is locked")
}

func TestHandleWebhook_StoreErrorIsAudited(t *testing.T) {
	f := newReconcilerFixture(t)
	order := f.createOrder(t, "u1")
	rec, err := NewReconciler(ReconcilerOpts{
		Store:         brokenReads{OrderStore: f.store},
		Gateway:       f.gateway,
		Notifier:      f.notifier,
		Audit:         f.audit,
		WebhookSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	hook := signed(`{"event":"payment.completed","order_id":"` + order.OrderID + `"}`)
	if _, err := rec.HandleWebhook(context.Background(), hook); err == nil {
		t.Fatal("expected store error")
	}

	if len(f.audit.rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(f.audit.rows))
	}
	row := f.audit.rows[0]
	if row.Outcome != "error" || row.OrderID != order.OrderID || !row.SignatureValid {
		t.Errorf("audit row = %+v, want error outcome for %s", row, order.OrderID)
	}
	if completed, failed := f.notifier.counts(); completed+failed != 0 {
		t.Error("failed delivery fired a notification")
	}
}

func TestApplyGatewayEvent_PaidAfterSupersededWarns(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	manager, err := NewManager(ManagerOpts{Store: f.store, Gateway: f.gateway, ReuseActiveOrder: false, CheckoutURL: "https://pay.test/{order_id}"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	old, err := manager.CreateOrder(ctx, "u1", 1499, "USD", snapshot())
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	if _, err := manager.CreateOrder(ctx, "u1", 1499, "USD", snapshot()); err != nil {
		t.Fatalf("second CreateOrder: %v", err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	outcome, err := f.rec.ApplyGatewayEvent(ctx, old.OrderID, GatewayPaid, EventDetails{Source: "webhook"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome = %s, want duplicate", outcome)
	}
	if !strings.Contains(buf.String(), "paid after being superseded") {
		t.Errorf("log = %q, want a superseded payment warning", buf.String())
	}

	got, _ := f.store.Get(ctx, old.OrderID)
	if got.Status != models.OrderFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
}

func TestApplyGatewayEvent_PaidAfterDeclineDoesNotWarn(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "u1")
	if _, err := f.rec.ApplyGatewayEvent(ctx, order.OrderID, GatewayFailed, EventDetails{Source: "webhook", FailureReason: "card declined"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	if _, err := f.rec.ApplyGatewayEvent(ctx, order.OrderID, GatewayPaid, EventDetails{Source: "webhook"}); err != nil {
		t.Fatalf("apply paid: %v", err)
	}
	if strings.Contains(buf.String(), "superseded") {
		t.Errorf("unexpected superseded warning: %q", buf.String())
	}
}
