package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/swatch/internal/models"
)

type fakeGateway struct {
	mu        sync.Mutex
	creates   int
	createErr error
	checkout  string
	statuses  map[string]GatewayOrderStatus
	fetchErr  error
	fetches   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: make(map[string]GatewayOrderStatus)}
}

func (f *fakeGateway) CreateOrder(_ context.Context, amount int64, currency string, _ map[string]string) (GatewayOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return GatewayOrder{}, f.createErr
	}
	f.creates++
	id := fmt.Sprintf("order_%d", f.creates)
	f.statuses[id] = GatewayOrderStatus{Status: GatewayPending}
	return GatewayOrder{OrderID: id, CheckoutURL: f.checkout}, nil
}

func (f *fakeGateway) FetchOrderStatus(_ context.Context, orderID string) (GatewayOrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return GatewayOrderStatus{}, f.fetchErr
	}
	return f.statuses[orderID], nil
}

func (f *fakeGateway) set(orderID string, st GatewayOrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[orderID] = st
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (n *recordingNotifier) PaymentCompleted(_ context.Context, o *models.PaymentOrder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, o.OrderID)
}

func (n *recordingNotifier) PaymentFailed(_ context.Context, o *models.PaymentOrder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, o.OrderID)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed), len(n.failed)
}

type memoryAudit struct {
	mu   sync.Mutex
	rows []models.WebhookDelivery
}

func (a *memoryAudit) Record(_ context.Context, d *models.WebhookDelivery) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, *d)
	return nil
}

func snapshot() *models.AnalysisRecord {
	return &models.AnalysisRecord{
		Season:    "deep autumn",
		Undertone: "warm",
		Palette:   []models.Swatch{{Name: "olive", Hex: "#708238"}},
	}
}
