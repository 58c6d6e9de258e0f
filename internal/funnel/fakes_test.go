package funnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/swatch/internal/document"
	"github.com/zulandar/swatch/internal/models"
	"github.com/zulandar/swatch/internal/payment"
	"github.com/zulandar/swatch/internal/session"
	"github.com/zulandar/swatch/internal/telegraph"
)

var webhookSecret = []byte("whsec_test")

// stubGateway mints sequential order ids and reports configured statuses.
type stubGateway struct {
	mu        sync.Mutex
	n         int
	statuses  map[string]payment.GatewayOrderStatus
	createErr error
	fetchErr  error
}

func (g *stubGateway) CreateOrder(ctx context.Context, amount int64, currency string, metadata map[string]string) (payment.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return payment.GatewayOrder{}, g.createErr
	}
	g.n++
	id := fmt.Sprintf("order_%d", g.n)
	return payment.GatewayOrder{OrderID: id, CheckoutURL: "https://pay.test/" + id}, nil
}

func (g *stubGateway) FetchOrderStatus(ctx context.Context, orderID string) (payment.GatewayOrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return payment.GatewayOrderStatus{}, g.fetchErr
	}
	if st, ok := g.statuses[orderID]; ok {
		return st, nil
	}
	return payment.GatewayOrderStatus{Status: payment.GatewayPending}, nil
}

func (g *stubGateway) setStatus(orderID string, st payment.GatewayOrderStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statuses == nil {
		g.statuses = make(map[string]payment.GatewayOrderStatus)
	}
	g.statuses[orderID] = st
}

func (g *stubGateway) failFetch(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchErr = err
}

func (g *stubGateway) failCreate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

// stubAnalyzer returns a fixed result, or blocks until released when
// block is set. A blocked call ignores ctx to simulate a hung collaborator.
type stubAnalyzer struct {
	mu      sync.Mutex
	rec     *models.AnalysisRecord
	err     error
	block   chan struct{}
	calls   int
	started chan struct{}
}

func (a *stubAnalyzer) Analyze(ctx context.Context, image []byte, mimeType string) (*models.AnalysisRecord, error) {
	a.mu.Lock()
	a.calls++
	block, rec, err := a.block, a.rec, a.err
	started := a.started
	a.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return rec.Clone(), err
}

func (a *stubAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *stubAnalyzer) set(rec *models.AnalysisRecord, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rec, a.err = rec, err
}

// countingDocs records every generation.
type countingDocs struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *countingDocs) Generate(ctx context.Context, snapshot *models.AnalysisRecord, userID string) (document.Ref, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return document.Ref{}, d.err
	}
	d.calls++
	name := fmt.Sprintf("guide-%s-%d.md", userID, d.calls)
	return document.Ref{URL: "https://files.test/" + name, FileName: name, MimeType: "text/markdown"}, nil
}

func (d *countingDocs) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func sampleAnalysis() *models.AnalysisRecord {
	return &models.AnalysisRecord{
		Season:    "autumn",
		Undertone: "warm",
		Contrast:  "medium",
		Summary:   "Earthy, muted tones suit you.",
		Palette:   []models.Swatch{{Name: "rust", Hex: "#B7410E"}, {Name: "olive", Hex: "#808000"}},
	}
}

// harness wires an Engine to in-memory stores, a real order manager and a
// real reconciler notifying the engine.
type harness struct {
	t          *testing.T
	engine     *Engine
	sessions   *session.MemoryStore
	orders     *payment.MemoryOrderStore
	manager    *payment.Manager
	reconciler *payment.Reconciler
	gateway    *stubGateway
	adapter    *telegraph.MockAdapter
	analyzer   *stubAnalyzer
	docs       *countingDocs
}

func newHarness(t *testing.T, tweak ...func(*EngineOpts)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		sessions: session.NewMemoryStore(),
		orders:   payment.NewMemoryOrderStore(),
		gateway:  &stubGateway{},
		adapter:  telegraph.NewMockAdapter(),
		analyzer: &stubAnalyzer{rec: sampleAnalysis()},
		docs:     &countingDocs{},
	}
	h.adapter.SetMedia("img-1", []byte{0xff, 0xd8, 0xff})

	var err error
	h.manager, err = payment.NewManager(payment.ManagerOpts{
		Store:            h.orders,
		Gateway:          h.gateway,
		ReuseActiveOrder: true,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	opts := EngineOpts{
		Store:     h.sessions,
		Sender:    h.adapter,
		Media:     h.adapter,
		Analyzer:  h.analyzer,
		Orders:    h.manager,
		Documents: h.docs,
		Payments: PaymentCheckerFunc(func(ctx context.Context, orderID string) (payment.Outcome, error) {
			return h.reconciler.ReconcileByPolling(ctx, orderID)
		}),
		AmountMinorUnits: 1499,
		Currency:         "USD",
		AnalysisTimeout:  2 * time.Second,
		WatchdogGrace:    time.Second,
	}
	for _, f := range tweak {
		f(&opts)
	}
	h.engine, err = NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h.reconciler, err = payment.NewReconciler(payment.ReconcilerOpts{
		Store:         h.orders,
		Gateway:       h.gateway,
		Notifier:      h.engine,
		WebhookSecret: webhookSecret,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.engine.Close(ctx); err != nil {
			t.Errorf("engine close: %v", err)
		}
	})
	return h
}

var eventSeq int

func newEvent(userID string, kind telegraph.EventKind) telegraph.Event {
	eventSeq++
	return telegraph.Event{
		ID:        fmt.Sprintf("evt-%d", eventSeq),
		UserID:    userID,
		Timestamp: time.Now(),
		Kind:      kind,
		Platform:  "mock",
	}
}

func textEvent(userID, text string) telegraph.Event {
	ev := newEvent(userID, telegraph.EventText)
	ev.Text = text
	return ev
}

func imageEvent(userID, mediaID string) telegraph.Event {
	ev := newEvent(userID, telegraph.EventImage)
	ev.Image = &telegraph.ImageRef{ID: mediaID, MimeType: "image/jpeg"}
	return ev
}

func replyEvent(userID, replyID string) telegraph.Event {
	ev := newEvent(userID, telegraph.EventReply)
	ev.ReplyID = replyID
	return ev
}

// handle processes ev synchronously and returns its error.
func (h *harness) handle(ev telegraph.Event) error {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.engine.HandleEvent(ctx, ev)
}

func (h *harness) mustHandle(ev telegraph.Event) {
	h.t.Helper()
	if err := h.handle(ev); err != nil {
		h.t.Fatalf("HandleEvent(%s %q): %v", ev.Kind, ev.Text, err)
	}
}

func (h *harness) session(userID string) *models.ConversationSession {
	h.t.Helper()
	s, err := h.sessions.Get(context.Background(), userID)
	if err != nil {
		h.t.Fatalf("get session %s: %v", userID, err)
	}
	return s
}

func (h *harness) state(userID string) models.SessionState {
	s, err := h.sessions.Get(context.Background(), userID)
	if err != nil {
		return ""
	}
	return s.State
}

// waitState polls until the session reaches want.
func (h *harness) waitState(userID string, want models.SessionState) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.state(userID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("session %s state = %q, want %q", userID, h.state(userID), want)
}

// drain waits until no user queue has pending work.
func (h *harness) drain() {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.engine.disp.Pending() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatal("dispatcher did not drain")
}

// putState forces a session into state, creating it if needed.
func (h *harness) putState(userID string, state models.SessionState, mutate func(*models.ConversationSession)) {
	h.t.Helper()
	ctx := context.Background()
	s, err := h.sessions.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		s, err = h.sessions.Create(ctx, userID, session.Profile{Platform: "mock"})
	}
	if err != nil {
		h.t.Fatalf("prepare session: %v", err)
	}
	s.State = state
	if mutate != nil {
		mutate(s)
	}
	if err := h.sessions.Save(ctx, s); err != nil {
		h.t.Fatalf("save session: %v", err)
	}
}

// toResults walks a new user through the funnel to results_shown.
func (h *harness) toResults(userID string) {
	h.t.Helper()
	h.mustHandle(textEvent(userID, "hi"))
	h.mustHandle(textEvent(userID, "ready"))
	h.mustHandle(imageEvent(userID, "img-1"))
	h.waitState(userID, models.StateResultsShown)
	h.drain()
}

func (h *harness) lastText() string {
	h.t.Helper()
	msg, ok := h.adapter.LastSent()
	if !ok {
		h.t.Fatal("nothing sent")
	}
	return msg.Text
}

func (h *harness) signedWebhook(body string) payment.Webhook {
	return payment.Webhook{Raw: []byte(body), Signature: payment.SignWebhook([]byte(body), webhookSecret)}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
