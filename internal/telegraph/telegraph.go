package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// Handler consumes canonical events. Dispatch is called in receipt order
// and must hand the event off without waiting for it to be processed.
type Handler interface {
	Dispatch(ctx context.Context, ev Event) error
}

// Daemon connects to a chat platform via an Adapter and pumps inbound
// events to a Handler.
type Daemon struct {
	adapter  Adapter
	handler  Handler
	drain    func(context.Context) error
	drainFor time.Duration
	out      io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter Adapter
	Handler Handler
	// Drain runs after inbound traffic stops and before the adapter is
	// closed, so queued replies can still be sent. Optional.
	Drain        func(context.Context) error
	DrainTimeout time.Duration // defaults to 30s
	Out          io.Writer     // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: handler is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	drainFor := opts.DrainTimeout
	if drainFor <= 0 {
		drainFor = 30 * time.Second
	}
	return &Daemon{
		adapter:  opts.Adapter,
		handler:  opts.Handler,
		drain:    opts.Drain,
		drainFor: drainFor,
		out:      out,
	}, nil
}

// Run connects the adapter and blocks until the context is cancelled or
// the adapter closes its inbound channel. The adapter is closed on return.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Telegraph connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}
	fmt.Fprintf(d.out, "Telegraph online\n")

	defer func() {
		if d.drain != nil {
			dctx, cancel := context.WithTimeout(context.Background(), d.drainFor)
			if err := d.drain(dctx); err != nil {
				log.Printf("telegraph: drain: %v", err)
			}
			cancel()
		}
		if err := d.adapter.Close(); err != nil {
			log.Printf("telegraph: close adapter: %v", err)
		}
		fmt.Fprintf(d.out, "Telegraph stopped\n")
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Telegraph shutting down...\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Telegraph inbound channel closed\n")
				return nil
			}
			if botUserID != "" && ev.UserID == botUserID {
				continue
			}
			if err := d.handler.Dispatch(ctx, ev); err != nil {
				log.Printf("telegraph: dispatch %s event %s from %s: %v", ev.Kind, ev.ID, ev.UserID, err)
			}
		}
	}
}
