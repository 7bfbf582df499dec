package ytlive

import (
	"context"
	"log/slog"
	"time"

	"github.com/you/gnasty-relay/internal/clock"
)

// StateSource is anything that can report a video's player state.
type StateSource interface {
	State(ctx context.Context, videoID string) (PlayerState, error)
}

// Checker polls a StateSource until a video is playable.
type Checker struct {
	Enabled  bool
	Source   StateSource
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Verify returns true once videoID is consumable, or immediately when the
// check is disabled or has no source. It returns false after Attempts
// failed polls or when ctx is cancelled.
func (c *Checker) Verify(ctx context.Context, videoID string) bool {
	if c == nil || !c.Enabled || c.Source == nil {
		return true
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.Real()
	}
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	for i := 1; i <= attempts; i++ {
		st, err := c.Source.State(ctx, videoID)
		switch {
		case err != nil:
			log.Warn("healthcheck: probe failed", "video", videoID, "attempt", i, "err", err)
		case st.Consumable() && st.VideoID == videoID:
			log.Info("healthcheck: consumable", "video", videoID, "attempt", i, "playing", st.Playable())
			return true
		default:
			log.Info("healthcheck: not consumable yet", "video", videoID, "attempt", i, "status", st.Status)
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-clk.After(c.Delay):
		}
	}
	log.Warn("healthcheck: giving up", "video", videoID, "attempts", attempts)
	return false
}
