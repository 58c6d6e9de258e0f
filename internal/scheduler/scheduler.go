// Package scheduler runs the periodic maintenance jobs: session flush,
// retention cleanup, pending-order sweep and stale-analysis recovery.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one named periodic task.
type Job struct {
	Name string
	Spec string // 5-field cron expression or descriptor such as "@hourly"
	Run  func(ctx context.Context) error
}

type scheduledJob struct {
	Job
	sched cron.Schedule
}

// Scheduler fires each job on its own timer. A job never overlaps itself.
type Scheduler struct {
	jobs    []scheduledJob
	out     io.Writer
	now     func() time.Time
	timeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	Jobs       []Job
	JobTimeout time.Duration // per-run deadline; defaults to 5m
	Out        io.Writer     // defaults to os.Stdout
}

// New parses every job's schedule and returns a stopped Scheduler.
func New(opts Opts) (*Scheduler, error) {
	s := &Scheduler{
		out:     opts.Out,
		now:     time.Now,
		timeout: opts.JobTimeout,
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Minute
	}

	seen := make(map[string]bool)
	for _, j := range opts.Jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("scheduler: job name is required")
		}
		if j.Run == nil {
			return nil, fmt.Errorf("scheduler: job %s has no run func", j.Name)
		}
		if seen[j.Name] {
			return nil, fmt.Errorf("scheduler: duplicate job %s", j.Name)
		}
		seen[j.Name] = true
		sched, err := cronParser.Parse(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: job %s: parse %q: %w", j.Name, j.Spec, err)
		}
		s.jobs = append(s.jobs, scheduledJob{Job: j, sched: sched})
	}
	return s, nil
}

// Jobs returns the job names in registration order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Start launches one timer loop per job. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	fmt.Fprintf(s.out, "Scheduler started with %d job(s)\n", len(s.jobs))
}

// Stop cancels the loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// RunNow executes the named job immediately in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.run(ctx, j)
		}
	}
	return fmt.Errorf("scheduler: unknown job %s", name)
}

func (s *Scheduler) loop(ctx context.Context, j scheduledJob) {
	defer s.wg.Done()
	timer := time.NewTimer(s.untilNext(j.sched))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := s.run(ctx, j); err != nil {
				log.Printf("scheduler: %s: %v", j.Name, err)
			}
			timer.Reset(s.untilNext(j.sched))
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j scheduledJob) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Run(ctx)
}

// untilNext returns the wait until the schedule next fires.
func (s *Scheduler) untilNext(sched cron.Schedule) time.Duration {
	now := s.now()
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
