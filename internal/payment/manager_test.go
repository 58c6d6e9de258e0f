package payment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/models"
)

func newTestManager(t *testing.T, reuse bool) (*Manager, *MemoryOrderStore, *fakeGateway) {
	t.Helper()
	store := NewMemoryOrderStore()
	gw := newFakeGateway()
	m, err := NewManager(ManagerOpts{
		Store:            store,
		Gateway:          gw,
		ReuseActiveOrder: reuse,
		CheckoutURL:      "https://pay.swatch.test/checkout/{order_id}",
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store, gw
}

func TestNewManager_RequiresDeps(t *testing.T) {
	if _, err := NewManager(ManagerOpts{Gateway: newFakeGateway()}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewManager(ManagerOpts{Store: NewMemoryOrderStore()}); err == nil {
		t.Error("expected error without gateway")
	}
}

func TestManager_CreateOrder(t *testing.T) {
	m, _, gw := newTestManager(t, true)
	ctx := context.Background()
	snap := snapshot()

	order, err := m.CreateOrder(ctx, "u1", 1499, "USD", snap)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != models.OrderCreated {
		t.Errorf("Status = %q, want created", order.Status)
	}
	if order.CheckoutURL != "https://pay.swatch.test/checkout/order_1" {
		t.Errorf("CheckoutURL = %q", order.CheckoutURL)
	}
	if gw.creates != 1 {
		t.Errorf("gateway creates = %d, want 1", gw.creates)
	}

	// The snapshot is frozen at creation.
	snap.Season = "changed"
	got, err := m.GetOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.AnalysisSnapshot.Season != "deep autumn" {
		t.Errorf("snapshot season = %q, want deep autumn", got.AnalysisSnapshot.Season)
	}

	active, err := m.GetActiveOrderForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetActiveOrderForUser: %v", err)
	}
	if active.OrderID != order.OrderID {
		t.Errorf("active = %s, want %s", active.OrderID, order.OrderID)
	}
	if _, err := m.GetActiveOrderForUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetActiveOrderForUser(nobody) err = %v, want ErrNotFound", err)
	}
}

func TestManager_PrefersGatewayCheckoutURL(t *testing.T) {
	m, _, gw := newTestManager(t, true)
	gw.checkout = "https://rzp.io/i/abc"
	order, err := m.CreateOrder(context.Background(), "u1", 100, "USD", snapshot())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.CheckoutURL != "https://rzp.io/i/abc" {
		t.Errorf("CheckoutURL = %q, want gateway link", order.CheckoutURL)
	}
}

func TestManager_ReusesActiveOrder(t *testing.T) {
	m, _, gw := newTestManager(t, true)
	ctx := context.Background()

	first, err := m.CreateOrder(ctx, "u1", 1499, "USD", snapshot())
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	second, err := m.CreateOrder(ctx, "u1", 1499, "USD", snapshot())
	if err != nil {
		t.Fatalf("second CreateOrder: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("second order = %s, want reuse of %s", second.OrderID, first.OrderID)
	}
	if gw.creates != 1 {
		t.Errorf("gateway creates = %d, want 1", gw.creates)
	}
}

func TestManager_SupersedesWhenReuseDisabled(t *testing.T) {
	m, store, gw := newTestManager(t, false)
	ctx := context.Background()

	first, _ := m.CreateOrder(ctx, "u1", 1499, "USD", snapshot())
	second, err := m.CreateOrder(ctx, "u1", 1499, "USD", snapshot())
	if err != nil {
		t.Fatalf("second CreateOrder: %v", err)
	}
	if second.OrderID == first.OrderID {
		t.Fatal("expected a new order when reuse is disabled")
	}
	if gw.creates != 2 {
		t.Errorf("gateway creates = %d, want 2", gw.creates)
	}
	old, _ := store.Get(ctx, first.OrderID)
	if old.Status != models.OrderFailed || old.FailureReason == nil || *old.FailureReason != ReasonSuperseded {
		t.Errorf("old order = %s/%v, want failed superseded", old.Status, old.FailureReason)
	}
	active, _ := m.GetActiveOrderForUser(ctx, "u1")
	if active.OrderID != second.OrderID {
		t.Errorf("active = %s, want %s", active.OrderID, second.OrderID)
	}
}

func TestManager_ConcurrentCreatesMintOneOrder(t *testing.T) {
	m, _, gw := newTestManager(t, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := m.CreateOrder(ctx, "u1", 1499, "USD", snapshot())
			if err != nil {
				t.Errorf("CreateOrder: %v", err)
				return
			}
			ids[i] = o.OrderID
		}(i)
	}
	wg.Wait()

	if gw.creates != 1 {
		t.Errorf("gateway creates = %d, want 1", gw.creates)
	}
	for _, id := range ids {
		if id != "order_1" {
			t.Errorf("order id = %q, want order_1", id)
		}
	}
}

func TestManager_CreateOrderErrors(t *testing.T) {
	m, store, gw := newTestManager(t, true)
	ctx := context.Background()

	if _, err := m.CreateOrder(ctx, "u1", 1499, "USD", nil); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("nil snapshot kind = %s, want VALIDATION", apperr.KindOf(err))
	}
	if _, err := m.CreateOrder(ctx, "u1", 0, "USD", snapshot()); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("zero amount kind = %s, want VALIDATION", apperr.KindOf(err))
	}

	gw.createErr = apperr.New(apperr.KindUpstreamTimeout, "gateway create order", context.DeadlineExceeded)
	_, err := m.CreateOrder(ctx, "u1", 1499, "USD", snapshot())
	if apperr.KindOf(err) != apperr.KindUpstreamTimeout {
		t.Errorf("gateway timeout kind = %s, want UPSTREAM_TIMEOUT", apperr.KindOf(err))
	}
	if _, err := store.ActiveForUser(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Error("failed creation must not persist an order")
	}
}
