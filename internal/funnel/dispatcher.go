package funnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrDispatcherClosed is returned for work submitted after Close.
var ErrDispatcherClosed = errors.New("funnel: dispatcher closed")

// Dispatcher runs tasks one at a time per key, in submission order. Keys
// are independent and run in parallel. A key's worker goroutine exits when
// its queue empties.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error // nil for fire-and-forget
}

type keyQueue struct {
	tasks []task
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{queues: make(map[string]*keyQueue)}
}

// Do runs fn on key's queue and waits for it. If ctx ends first Do returns
// ctx.Err(); fn still runs in its turn.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	if err := d.enqueue(key, task{ctx: ctx, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn on key's queue without waiting. Errors from fn are
// logged. Tasks may Submit to their own key; Do from inside a task on the
// same key deadlocks.
func (d *Dispatcher) Submit(key string, fn func(context.Context) error) error {
	return d.enqueue(key, task{ctx: context.Background(), fn: fn})
}

func (d *Dispatcher) enqueue(key string, t task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q, ok := d.queues[key]
	if !ok {
		q = &keyQueue{}
		d.queues[key] = q
		d.wg.Add(1)
		go d.run(key, q)
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (d *Dispatcher) run(key string, q *keyQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.tasks) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		d.mu.Unlock()

		err := safeRun(t)
		if t.done != nil {
			t.done <- err
		} else if err != nil {
			log.Printf("funnel: task for %s: %v", key, err)
		}
	}
}

func safeRun(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("funnel: task panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

// Pending returns the number of keys with queued or running work.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close stops accepting work and waits for queued tasks to finish or ctx
// to end. Tasks already queued still run.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("funnel: dispatcher drain: %w", ctx.Err())
	}
}
