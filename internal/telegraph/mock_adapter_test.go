package telegraph

import (
	"context"
	"errors"
	"testing"
)

// Compile-time interface compliance checks.
var _ Adapter = (*MockAdapter)(nil)
var _ MediaFetcher = (*MockAdapter)(nil)
var _ BotUserIDer = (*MockAdapter)(nil)

func TestMockAdapter_ConnectAndClose(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Connect(ctx); err == nil {
		t.Fatal("Connect after Close should fail")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("double Close should succeed: %v", err)
	}
}

func TestMockAdapter_ListenRequiresConnect(t *testing.T) {
	m := NewMockAdapter()
	if _, err := m.Listen(context.Background()); err == nil {
		t.Fatal("Listen before Connect should fail")
	}
}

func TestMockAdapter_SimulateInboundFillsDefaults(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch, err := m.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	m.SimulateInbound(Event{UserID: "u1", Kind: EventText, Text: "hi"})
	ev := <-ch
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Errorf("defaults not filled: %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("simulated event invalid: %v", err)
	}
}

func TestMockAdapter_SendAndRecord(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if _, ok := m.LastSent(); ok {
		t.Fatal("LastSent should report nothing sent")
	}
	if err := m.Send(ctx, SendText("u1", "c1", "one")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.Send(ctx, SendOptions("u1", "c1", "two", Option{ID: "reply:buy", Label: "Buy"})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.SentCount() != 2 {
		t.Fatalf("SentCount = %d, want 2", m.SentCount())
	}
	last, _ := m.LastSent()
	if last.Text != "two" || len(last.Options) != 1 {
		t.Errorf("LastSent = %+v", last)
	}

	m.FailSends(errors.New("boom"))
	if err := m.Send(ctx, SendText("u1", "c1", "three")); err == nil {
		t.Fatal("expected send failure")
	}
	m.Reset()
	if m.SentCount() != 0 {
		t.Errorf("SentCount after Reset = %d", m.SentCount())
	}
}

func TestMockAdapter_FetchMedia(t *testing.T) {
	m := NewMockAdapter()
	m.SetMedia("img-1", []byte{0xff, 0xd8})

	data, mime, err := m.FetchMedia(context.Background(), ImageRef{ID: "img-1"})
	if err != nil {
		t.Fatalf("FetchMedia: %v", err)
	}
	if len(data) != 2 || mime != "image/jpeg" {
		t.Errorf("FetchMedia = %v %q", data, mime)
	}
	if _, _, err := m.FetchMedia(context.Background(), ImageRef{ID: "missing"}); err == nil {
		t.Error("expected error for unknown media")
	}
}
