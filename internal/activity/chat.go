package activity

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-relay/internal/clock"
	"github.com/you/gnasty-relay/internal/eventlog"
)

// ChatLog is where chat activity intervals are written.
type ChatLog interface {
	AppendChatActivity(r eventlog.ChatActivityRecord) error
}

// ChatCounter counts chat messages and distinct chatters and writes one
// record per interval. Intervals without messages are not written.
type ChatCounter struct {
	Log      ChatLog
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger

	mu       sync.Mutex
	messages int
	chatters map[string]struct{}
}

// Observe counts one message from login. It is safe to call from the
// chat reader goroutine while Run flushes.
func (c *ChatCounter) Observe(login string) {
	login = strings.ToLower(strings.TrimSpace(login))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chatters == nil {
		c.chatters = make(map[string]struct{})
	}
	c.messages++
	if login != "" {
		c.chatters[login] = struct{}{}
	}
}

// Flush writes the current interval stamped at now and starts a new one.
func (c *ChatCounter) Flush(now time.Time) {
	c.mu.Lock()
	messages, chatters := c.messages, len(c.chatters)
	c.messages = 0
	c.chatters = nil
	c.mu.Unlock()

	if messages == 0 {
		return
	}
	if err := c.Log.AppendChatActivity(eventlog.NewChatActivity(now, messages, chatters)); err != nil {
		c.logger().Error("activity: write chat interval", "err", err)
	}
}

// Run flushes every Interval until ctx is done, then flushes once more.
func (c *ChatCounter) Run(ctx context.Context) error {
	clk := c.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := c.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			c.Flush(clk.Now())
			return nil
		case <-clk.After(interval):
			c.Flush(clk.Now())
		}
	}
}

func (c *ChatCounter) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
