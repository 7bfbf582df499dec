// Package twitchirc is a read-only Twitch chat listener. It joins one
// channel, anonymously by default, and hands every chat message to a
// handler.
package twitchirc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHost = "irc.chat.twitch.tv"

	// anonymousPass is accepted by the chat server for read-only
	// justinfan logins.
	anonymousPass = "SCHMOOPIIE"
)

type Config struct {
	Channel string
	// Nick and Token may be empty for an anonymous read-only login.
	Nick   string
	Token  string
	UseTLS bool
	// Addr overrides the server address.
	Addr   string
	Logger *slog.Logger
}

// Message is one chat line.
type Message struct {
	ID    string
	Login string
	User  string
	Text  string
	Time  time.Time
}

type Handler func(Message)

type Client struct {
	cfg    Config
	handle Handler
	log    *slog.Logger
}

var errAuthFailed = errors.New("twitchirc: authentication failed")

func New(cfg Config, h Handler) *Client {
	cfg.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "#"))
	if strings.TrimSpace(cfg.Nick) == "" {
		cfg.Nick = "justinfan" + strconv.Itoa(10000+rand.Intn(80000))
		cfg.Token = anonymousPass
	}
	if strings.TrimSpace(cfg.Token) == "" {
		cfg.Token = anonymousPass
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, handle: h, log: log}
}

// Run reconnects with backoff until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.Channel == "" {
		return errors.New("twitchirc: channel is required")
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if err == nil {
			backoff = time.Second
			continue
		}

		if errors.Is(err, errAuthFailed) {
			c.log.Warn("twitchirc: authentication failed", "retry_in", backoff)
		} else {
			c.log.Warn("twitchirc: disconnected", "err", err, "retry_in", backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < 60*time.Second {
			backoff = min(backoff*2, 60*time.Second)
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	addr := DefaultHost + ":6667"
	if c.cfg.UseTLS {
		addr = DefaultHost + ":6697"
	}
	if strings.TrimSpace(c.cfg.Addr) != "" {
		addr = strings.TrimSpace(c.cfg.Addr)
	}

	c.log.Info("twitchirc: connecting", "addr", addr, "tls", c.cfg.UseTLS)

	d := &net.Dialer{Timeout: 10 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if c.cfg.UseTLS {
		conn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: DefaultHost})
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	send := func(s string) error {
		if _, err := rw.WriteString(s + "\r\n"); err != nil {
			return err
		}
		return rw.Flush()
	}

	// unblock the reader on cancellation
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	token := c.cfg.Token
	if token != anonymousPass && !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	for _, line := range []string{
		"PASS " + token,
		"NICK " + c.cfg.Nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"JOIN #" + c.cfg.Channel,
	} {
		if err := send(line); err != nil {
			return fmt.Errorf("send %s: %w", strings.Fields(line)[0], err)
		}
	}
	c.log.Info("twitchirc: joined", "channel", c.cfg.Channel, "nick", c.cfg.Nick)

	var (
		total        int
		readDeadline = 2 * time.Minute
		nextPing     = time.Now().Add(4 * time.Minute)
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}

		line, err := rw.ReadString('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if now := time.Now(); !now.Before(nextPing) {
					if err := send("PING :keepalive"); err != nil {
						return fmt.Errorf("send PING: %w", err)
					}
					nextPing = now.Add(4 * time.Minute)
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		nextPing = time.Now().Add(4 * time.Minute)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if authFailure(line) {
			return errAuthFailed
		}
		if strings.HasPrefix(line, "PING ") {
			if err := send("PONG " + strings.TrimPrefix(line, "PING ")); err != nil {
				return fmt.Errorf("send PONG: %w", err)
			}
			continue
		}
		if strings.Contains(line, " RECONNECT") {
			return errors.New("server requested reconnect")
		}

		if msg, ok := parsePrivmsg(line, c.cfg.Channel); ok {
			total++
			if total%1000 == 0 {
				c.log.Debug("twitchirc: received", "total", total)
			}
			if c.handle != nil {
				c.handle(msg)
			}
		}
	}
}

func parsePrivmsg(line, channel string) (Message, bool) {
	rest := line
	tags := map[string]string{}

	if strings.HasPrefix(rest, "@") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return Message{}, false
		}
		for _, kv := range strings.Split(rest[1:idx], ";") {
			if kv == "" {
				continue
			}
			key, val, _ := strings.Cut(kv, "=")
			tags[key] = unescapeIRC(val)
		}
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if !strings.HasPrefix(rest, ":") {
		return Message{}, false
	}
	prefix, rest, ok := strings.Cut(rest[1:], " ")
	if !ok {
		return Message{}, false
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(strings.ToUpper(rest), "PRIVMSG #") {
		return Message{}, false
	}
	chanName, rest, ok := strings.Cut(rest[len("PRIVMSG #"):], " ")
	if !ok || !strings.EqualFold(chanName, channel) {
		return Message{}, false
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, ":") {
		return Message{}, false
	}

	login := extractUser(prefix)
	user := login
	if display := tags["display-name"]; display != "" {
		user = display
	}

	ts := time.Now().UTC()
	if ms, err := strconv.ParseInt(tags["tmi-sent-ts"], 10, 64); err == nil {
		ts = time.UnixMilli(ms).UTC()
	}

	return Message{
		ID:    tags["id"],
		Login: strings.ToLower(login),
		User:  user,
		Text:  rest[1:],
		Time:  ts,
	}, true
}

func authFailure(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "improperly formatted auth")
}

func extractUser(prefix string) string {
	prefix = strings.TrimPrefix(prefix, ":")
	if idx := strings.Index(prefix, "!"); idx != -1 {
		return prefix[:idx]
	}
	return prefix
}

func unescapeIRC(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
