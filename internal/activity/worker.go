// Package activity polls the source channel and records what changes
// while it is live: title, game and tag changes as activity events, and
// viewer and follower counts as counter records.
package activity

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/you/gnasty-relay/internal/clock"
	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/eventlog"
)

// Source is the platform API the worker polls.
type Source interface {
	GetStream(ctx context.Context, login string) (core.StreamInfo, error)
	FollowerCount(ctx context.Context, login string) (int, error)
}

// Log is the write side of the activity log.
type Log interface {
	AppendEvent(e eventlog.Event) error
	AppendCounter(metric string, r eventlog.CounterRecord) error
}

type Worker struct {
	Login  string
	Source Source
	Log    Log

	// Poll is the stream poll interval. FollowerPoll <= 0 disables
	// follower counts.
	Poll         time.Duration
	FollowerPoll time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	last          *core.StreamInfo
	lastFollowers time.Time
}

func (w *Worker) clk() clock.Clock {
	if w.Clock == nil {
		return clock.Real()
	}
	return w.Clock
}

func (w *Worker) log() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	poll := w.Poll
	if poll <= 0 {
		poll = time.Minute
	}
	w.log().Info("activity: worker started", "login", w.Login, "poll", poll, "follower_poll", w.FollowerPoll)
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-w.clk().After(poll):
		}
	}
}

// Tick runs one poll.
func (w *Worker) Tick(ctx context.Context) {
	now := w.clk().Now()
	info, err := w.Source.GetStream(ctx, w.Login)
	if err != nil {
		if ctx.Err() == nil {
			w.log().Warn("activity: stream poll failed", "err", err)
		}
	} else {
		w.observe(now, info)
	}

	if w.FollowerPoll > 0 && (w.lastFollowers.IsZero() || now.Sub(w.lastFollowers) >= w.FollowerPoll) {
		n, err := w.Source.FollowerCount(ctx, w.Login)
		if err != nil {
			if ctx.Err() == nil {
				w.log().Warn("activity: follower poll failed", "err", err)
			}
			return
		}
		w.lastFollowers = now
		w.counter(eventlog.MetricFollowers, now, n)
	}
}

func (w *Worker) observe(now time.Time, info core.StreamInfo) {
	if !info.Live {
		// The next live period starts from a fresh baseline.
		w.last = nil
		return
	}
	if prev := w.last; prev != nil {
		if info.Game != prev.Game && info.Game != "" {
			w.event(eventlog.GameChange(now, prev.Game, info.Game))
		}
		if info.Title != prev.Title && info.Title != "" {
			w.event(eventlog.TitleChange(now, prev.Title, info.Title))
		}
		if !slices.Equal(info.Tags, prev.Tags) {
			w.event(eventlog.TagsChange(now, prev.Tags, info.Tags))
		}
	}
	w.last = &info
	w.counter(eventlog.MetricViewers, now, info.Viewers)
}

func (w *Worker) event(e eventlog.Event) {
	if err := w.Log.AppendEvent(e); err != nil {
		w.log().Error("activity: write event", "type", e.Type.String(), "err", err)
		return
	}
	w.log().Info("activity: "+e.Type.String(), "old", e.Old, "new", e.New)
}

func (w *Worker) counter(metric string, now time.Time, n int) {
	v := uint32(0)
	switch {
	case n > math.MaxUint32:
		v = math.MaxUint32
	case n > 0:
		v = uint32(n)
	}
	if err := w.Log.AppendCounter(metric, eventlog.CounterRecord{Time: now, Value: v}); err != nil {
		w.log().Error("activity: write counter", "metric", metric, "err", err)
	}
}
