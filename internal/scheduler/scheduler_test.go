package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		jobs    []Job
		wantErr string
	}{
		{"missing name", []Job{{Spec: "* * * * *", Run: noop}}, "job name is required"},
		{"missing run", []Job{{Name: "flush", Spec: "* * * * *"}}, "no run func"},
		{"bad spec", []Job{{Name: "flush", Spec: "not a cron expr", Run: noop}}, "parse"},
		{"six fields", []Job{{Name: "flush", Spec: "0 * * * * *", Run: noop}}, "parse"},
		{"duplicate", []Job{{Name: "a", Spec: "@hourly", Run: noop}, {Name: "a", Spec: "@daily", Run: noop}}, "duplicate job"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Opts{Jobs: tt.jobs, Out: &bytes.Buffer{}})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestJobs_KeepsOrder(t *testing.T) {
	s, err := New(Opts{Out: &bytes.Buffer{}, Jobs: []Job{
		{Name: "flush", Spec: "* * * * *", Run: noop},
		{Name: "cleanup", Spec: "0 3 * * *", Run: noop},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := strings.Join(s.Jobs(), ","); got != "flush,cleanup" {
		t.Errorf("Jobs() = %s", got)
	}
}

func TestUntilNext(t *testing.T) {
	s, _ := New(Opts{Out: &bytes.Buffer{}})
	s.now = func() time.Time { return time.Date(2026, 1, 1, 2, 59, 30, 0, time.UTC) }

	sched, err := cronParser.Parse("0 3 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d := s.untilNext(sched); d != 30*time.Second {
		t.Errorf("untilNext = %v, want 30s", d)
	}
}

func TestRunNow(t *testing.T) {
	var calls atomic.Int32
	s, err := New(Opts{Out: &bytes.Buffer{}, Jobs: []Job{
		{Name: "sweep", Spec: "@hourly", Run: func(ctx context.Context) error {
			calls.Add(1)
			if _, ok := ctx.Deadline(); !ok {
				t.Error("job context has no deadline")
			}
			return errors.New("gateway down")
		}},
		{Name: "boom", Spec: "@hourly", Run: func(context.Context) error { panic("kaboom") }},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.RunNow(context.Background(), "sweep"); err == nil || err.Error() != "gateway down" {
		t.Errorf("RunNow error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if err := s.RunNow(context.Background(), "boom"); err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("panicking job error = %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestStartStop_FiresJobs(t *testing.T) {
	var runs atomic.Int32
	fired := make(chan struct{}, 10)
	out := &bytes.Buffer{}
	s, err := New(Opts{Out: out, Jobs: []Job{
		{Name: "flush", Spec: "* * * * *", Run: func(context.Context) error {
			runs.Add(1)
			select {
			case fired <- struct{}{}:
			default:
			}
			return errors.New("errors do not stop the loop")
		}},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Pretend the next minute is always a millisecond away.
	base := time.Date(2026, 1, 1, 0, 0, 59, 999000000, time.UTC)
	s.now = func() time.Time { return base }

	s.Start(context.Background())
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("job fired %d times, want 3", i)
		}
	}
	s.Stop()
	s.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("job kept running after Stop")
	}
	if !strings.Contains(out.String(), "Scheduler started with 1 job(s)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStop_CancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	s, err := New(Opts{Out: &bytes.Buffer{}, Jobs: []Job{
		{Name: "slow", Spec: "* * * * *", Run: func(ctx context.Context) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return ctx.Err()
		}},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 59, 999000000, time.UTC)
	s.now = func() time.Time { return base }

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
