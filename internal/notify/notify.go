// Package notify delivers operator notifications. The orchestrator hands
// each notification to a Dispatcher, which runs the actual sends on its
// own goroutine and replies on a per-request channel.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/you/gnasty-relay/internal/core"
)

// Sender performs one delivery.
type Sender interface {
	Send(ctx context.Context, n core.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n core.Notification) error

func (f SenderFunc) Send(ctx context.Context, n core.Notification) error { return f(ctx, n) }

// Log writes notifications to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(_ context.Context, n core.Notification) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	level := slog.LevelInfo
	if n.Kind == core.NotifyError || n.Kind == core.NotifyLongCooldown {
		level = slog.LevelWarn
	}
	log.Log(context.Background(), level, "notify: "+n.Text, "kind", n.Kind)
	return nil
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes notifications as JSON on a pub/sub channel.
type Redis struct {
	client  publisher
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Send(ctx context.Context, n core.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, body).Err()
}

// Fanout sends to every sender and joins their errors.
type Fanout []Sender

func (f Fanout) Send(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
