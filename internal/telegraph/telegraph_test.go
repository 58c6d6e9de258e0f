package telegraph

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the daemon goroutine and the test
// to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// recordingHandler collects dispatched events.
type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *recordingHandler) Dispatch(ctx context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) received() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// ---------------------------------------------------------------------------
// NewDaemon validation tests
// ---------------------------------------------------------------------------

func TestNewDaemon_NilAdapter(t *testing.T) {
	_, err := NewDaemon(DaemonOpts{Handler: &recordingHandler{}})
	if err == nil {
		t.Fatal("expected error for nil adapter")
	}
	if !strings.Contains(err.Error(), "adapter is required") {
		t.Errorf("error = %q", err)
	}
}

func TestNewDaemon_NilHandler(t *testing.T) {
	_, err := NewDaemon(DaemonOpts{Adapter: NewMockAdapter()})
	if err == nil {
		t.Fatal("expected error for nil handler")
	}
	if !strings.Contains(err.Error(), "handler is required") {
		t.Errorf("error = %q", err)
	}
}

// ---------------------------------------------------------------------------
// Run lifecycle tests
// ---------------------------------------------------------------------------

func TestRun_ConnectsAndShutdown(t *testing.T) {
	mock := NewMockAdapter()
	var buf syncBuffer
	drained := make(chan struct{})

	d, err := NewDaemon(DaemonOpts{
		Adapter: mock,
		Handler: &recordingHandler{},
		Drain: func(ctx context.Context) error {
			// The adapter must still accept sends while draining.
			if err := mock.Send(ctx, SendText("u1", "u1", "bye")); err != nil {
				t.Errorf("send during drain: %v", err)
			}
			close(drained)
			return nil
		},
		Out: &buf,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	waitFor(t, func() bool {
		return strings.Contains(buf.String(), "Telegraph online")
	}, 2*time.Second)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	select {
	case <-drained:
	default:
		t.Fatal("drain hook was not called")
	}
	output := buf.String()
	if !strings.Contains(output, "Telegraph shutting down") {
		t.Errorf("missing shutdown message in output: %s", output)
	}
	if !strings.Contains(output, "Telegraph stopped") {
		t.Errorf("missing stopped message in output: %s", output)
	}
	if err := mock.Send(context.Background(), SendText("u1", "u1", "late")); err == nil {
		t.Error("adapter should be closed after Run returns")
	}
}

func TestRun_HandlesClosed(t *testing.T) {
	mock := NewMockAdapter()
	var buf syncBuffer

	d, err := NewDaemon(DaemonOpts{Adapter: mock, Handler: &recordingHandler{}, Out: &buf})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Run(context.Background())
	}()

	waitFor(t, func() bool {
		return strings.Contains(buf.String(), "Telegraph online")
	}, 2*time.Second)

	mock.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	if !strings.Contains(buf.String(), "inbound channel closed") {
		t.Errorf("missing channel closed message in output: %s", buf.String())
	}
}

func TestRun_DispatchesInReceiptOrder(t *testing.T) {
	mock := NewMockAdapter()
	mock.SetBotUserID("BOT")
	h := &recordingHandler{err: errors.New("handler failed")}

	d, err := NewDaemon(DaemonOpts{Adapter: mock, Handler: h, Out: &syncBuffer{}})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	mock.SimulateInbound(Event{UserID: "u1", Kind: EventText, Text: "one"})
	mock.SimulateInbound(Event{UserID: "BOT", Kind: EventText, Text: "echo"})
	mock.SimulateInbound(Event{UserID: "u1", Kind: EventText, Text: "two"})
	mock.SimulateInbound(Event{UserID: "u2", Kind: EventText, Text: "three"})

	waitFor(t, func() bool { return len(h.received()) == 3 }, 2*time.Second)

	got := h.received()
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Text != want {
			t.Errorf("event %d text = %q, want %q", i, got[i].Text, want)
		}
	}
	cancel()
	<-done
}

// ---------------------------------------------------------------------------
// Event contract
// ---------------------------------------------------------------------------

func TestEvent_Validate(t *testing.T) {
	now := time.Now()
	base := Event{ID: "e1", UserID: "u1", Timestamp: now, Kind: EventText, Text: "hi"}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{"valid text", func(e *Event) {}, ""},
		{"missing id", func(e *Event) { e.ID = "" }, "event id is required"},
		{"missing user", func(e *Event) { e.UserID = "" }, "user id is required"},
		{"missing timestamp", func(e *Event) { e.Timestamp = time.Time{} }, "timestamp is required"},
		{"empty text", func(e *Event) { e.Text = "" }, "has no text"},
		{"image without ref", func(e *Event) { e.Kind = EventImage }, "no image reference"},
		{"image with url", func(e *Event) { e.Kind = EventImage; e.Image = &ImageRef{URL: "https://x/y.jpg"} }, ""},
		{"reply without id", func(e *Event) { e.Kind = EventReply }, "no reply id"},
		{"reply with id", func(e *Event) { e.Kind = EventReply; e.ReplyID = "reply:buy" }, ""},
		{"unknown kind", func(e *Event) { e.Kind = "sticker" }, "unknown event kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := base
			tt.mutate(&ev)
			err := ev.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Chunking
// ---------------------------------------------------------------------------

func TestChunkMessage(t *testing.T) {
	if got := ChunkMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text = %q", got)
	}

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := ChunkMessage(text, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Errorf("newline split = %q", got)
	}

	got = ChunkMessage(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Errorf("hard split = %q", got)
	}
}

func TestOptionsFallback(t *testing.T) {
	got := OptionsFallback([]Option{{ID: "a", Label: "Yes"}, {ID: "b", Label: "No"}})
	if got != "• Yes\n• No" {
		t.Errorf("OptionsFallback = %q", got)
	}
}
