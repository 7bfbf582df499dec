// Package workers runs the daemon's long-lived loops and joins them on
// shutdown with a deadline.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrStragglers is returned by Join when some workers were still running
// at the deadline.
var ErrStragglers = errors.New("workers: not all workers stopped")

type worker struct {
	name string
	done chan struct{}
	err  error
}

// Group tracks named workers sharing one cancellation context.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	workers []*worker
}

func New(parent context.Context, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel, logger: logger}
}

// Context is cancelled when the parent is, or when Cancel is called.
func (g *Group) Context() context.Context { return g.ctx }

func (g *Group) Cancel() { g.cancel() }

// Go starts fn under name. A panic in fn is recovered and reported as the
// worker's error. A worker returning early does not stop the others.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	w := &worker{name: name, done: make(chan struct{})}
	g.mu.Lock()
	g.workers = append(g.workers, w)
	g.mu.Unlock()

	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				w.err = fmt.Errorf("panic: %v", r)
				g.logger.Error("workers: worker panicked", "worker", name, "panic", r)
			}
		}()
		g.logger.Debug("workers: started", "worker", name)
		w.err = fn(g.ctx)
		switch {
		case w.err != nil && !errors.Is(w.err, context.Canceled):
			g.logger.Error("workers: worker exited", "worker", name, "err", w.err)
		case g.ctx.Err() == nil:
			g.logger.Warn("workers: worker returned before shutdown", "worker", name)
		default:
			g.logger.Debug("workers: stopped", "worker", name)
		}
	}()
}

// Join cancels the group and waits up to timeout for every worker. It
// returns the names of workers still running at the deadline, sorted,
// along with ErrStragglers when there are any.
func (g *Group) Join(timeout time.Duration) ([]string, error) {
	g.cancel()

	g.mu.Lock()
	ws := append([]*worker(nil), g.workers...)
	g.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var stragglers []string
	expired := false
	for _, w := range ws {
		if expired {
			select {
			case <-w.done:
			default:
				stragglers = append(stragglers, w.name)
			}
			continue
		}
		select {
		case <-w.done:
		case <-deadline.C:
			expired = true
			stragglers = append(stragglers, w.name)
		}
	}
	if len(stragglers) == 0 {
		return nil, nil
	}
	sort.Strings(stragglers)
	for _, name := range stragglers {
		g.logger.Error("workers: worker did not stop in time", "worker", name, "timeout", timeout)
	}
	return stragglers, ErrStragglers
}

// Err returns the errors of workers that have finished, joined.
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for _, w := range g.workers {
		select {
		case <-w.done:
			if w.err != nil && !errors.Is(w.err, context.Canceled) {
				errs = append(errs, fmt.Errorf("%s: %w", w.name, w.err))
			}
		default:
		}
	}
	return errors.Join(errs...)
}
