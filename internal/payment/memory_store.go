package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/swatch/internal/models"
)

// MemoryOrderStore keeps orders in a map.
type MemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]*models.PaymentOrder
	now    func() time.Time
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders: make(map[string]*models.PaymentOrder),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryOrderStore) Insert(_ context.Context, o *models.PaymentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return ErrExists
	}
	m.orders[o.OrderID] = cloneOrder(o)
	return nil
}

func (m *MemoryOrderStore) Get(_ context.Context, orderID string) (*models.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryOrderStore) ActiveForUser(_ context.Context, userID string) (*models.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *models.PaymentOrder
	for _, o := range m.orders {
		if o.UserID != userID || o.Status != models.OrderCreated {
			continue
		}
		if newest == nil || o.CreatedAt.After(newest.CreatedAt) {
			newest = o
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return cloneOrder(newest), nil
}

func (m *MemoryOrderStore) Transition(_ context.Context, orderID string, from, to models.OrderStatus, mutate func(*models.PaymentOrder)) (*models.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := prepareTransition(cur, from, to, mutate, m.now())
	if err != nil {
		return nil, err
	}
	m.orders[orderID] = next
	return cloneOrder(next), nil
}

func (m *MemoryOrderStore) ListCreatedBefore(_ context.Context, cutoff time.Time) ([]*models.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PaymentOrder
	for _, o := range m.orders {
		if o.Status == models.OrderCreated && o.CreatedAt.Before(cutoff) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryOrderStore) SetDocumentRef(_ context.Context, orderID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.DocumentRef = &ref
	return nil
}
