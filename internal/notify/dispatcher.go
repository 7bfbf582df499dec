package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/you/gnasty-relay/internal/core"
)

var (
	// ErrQueueFull is returned when a notification cannot be queued in
	// time.
	ErrQueueFull = errors.New("notify: queue full")
	// ErrClosed is returned once the dispatcher has stopped.
	ErrClosed = errors.New("notify: dispatcher stopped")
)

type request struct {
	n     core.Notification
	reply chan error
}

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	QueueSize int
	// Timeout bounds each send and each wait for a reply.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dispatcher executes sends for callers that must not block on the
// network. Callers never touch the sender directly.
type Dispatcher struct {
	sender  Sender
	queue   chan request
	done    chan struct{}
	timeout time.Duration
	log     *slog.Logger
}

func NewDispatcher(sender Sender, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		queue:   make(chan request, opts.QueueSize),
		done:    make(chan struct{}),
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
}

// Notify enqueues n and waits for the send result, ctx or the timeout,
// whichever comes first.
func (d *Dispatcher) Notify(ctx context.Context, n core.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req := request{n: n, reply: make(chan error, 1)}
	select {
	case d.queue <- req:
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ErrQueueFull
	}
	select {
	case err := <-req.reply:
		return err
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued sends until ctx is done. Requests still queued at
// that point are answered with ErrClosed.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case req := <-d.queue:
			req.reply <- d.send(ctx, req.n)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, n core.Notification) error {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err := d.sender.Send(sctx, n)
	if err != nil {
		d.log.Warn("notify: send failed", "kind", n.Kind, "err", err)
	}
	return err
}

func (d *Dispatcher) drain() {
	for {
		select {
		case req := <-d.queue:
			req.reply <- ErrClosed
		default:
			return
		}
	}
}
