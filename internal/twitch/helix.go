// Package twitch talks to the Helix API for stream liveness, stream
// metadata and follower totals.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/gnasty-relay/internal/core"
)

const (
	DefaultBaseURL = "https://api.twitch.tv/helix"
	defaultTimeout = 10 * time.Second
)

// ErrUnauthorized is returned when Helix rejects the access token twice
// in a row.
var ErrUnauthorized = errors.New("twitch: unauthorized")

// TokenSource supplies app access tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// invalidator is implemented by token sources that can drop a cached
// token after the API rejects it.
type invalidator interface {
	Invalidate()
}

// Client is a minimal Helix client.
type Client struct {
	ClientID string
	Tokens   TokenSource
	BaseURL  string
	HTTP     *http.Client
	// Limiter paces requests. Nil means unlimited.
	Limiter *rate.Limiter

	mu      sync.Mutex
	userIDs map[string]string
}

func New(clientID string, tokens TokenSource) *Client {
	return &Client{
		ClientID: clientID,
		Tokens:   tokens,
		BaseURL:  DefaultBaseURL,
		HTTP:     &http.Client{Timeout: defaultTimeout},
		Limiter:  rate.NewLimiter(rate.Limit(10), 5),
	}
}

type helixStream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Tags        []string  `json:"tags"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

type helixChannel struct {
	BroadcasterID    string   `json:"broadcaster_id"`
	BroadcasterLogin string   `json:"broadcaster_login"`
	GameID           string   `json:"game_id"`
	GameName         string   `json:"game_name"`
	Title            string   `json:"title"`
	Tags             []string `json:"tags"`
}

type helixUser struct {
	ID    string `json:"id"`
	Login string `json:"login"`
}

// GetStream reports whether login is live and, if so, its metadata.
func (c *Client) GetStream(ctx context.Context, login string) (core.StreamInfo, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return core.StreamInfo{}, errors.New("twitch: empty login")
	}
	var resp struct {
		Data []helixStream `json:"data"`
	}
	if err := c.get(ctx, "/streams", url.Values{"user_login": {login}}, &resp); err != nil {
		return core.StreamInfo{}, err
	}
	for _, s := range resp.Data {
		if s.Type != "" && s.Type != "live" {
			continue
		}
		return core.StreamInfo{
			Live:      true,
			Login:     s.UserLogin,
			Title:     s.Title,
			Game:      s.GameName,
			GameID:    s.GameID,
			Tags:      s.Tags,
			Viewers:   s.ViewerCount,
			StartedAt: s.StartedAt,
		}, nil
	}
	return core.StreamInfo{Live: false, Login: login}, nil
}

// GetChannel returns the channel's current title, category and tags,
// which are available while offline too.
func (c *Client) GetChannel(ctx context.Context, login string) (core.StreamInfo, error) {
	id, err := c.UserID(ctx, login)
	if err != nil {
		return core.StreamInfo{}, err
	}
	var resp struct {
		Data []helixChannel `json:"data"`
	}
	if err := c.get(ctx, "/channels", url.Values{"broadcaster_id": {id}}, &resp); err != nil {
		return core.StreamInfo{}, err
	}
	if len(resp.Data) == 0 {
		return core.StreamInfo{}, fmt.Errorf("twitch: channel %s not found", login)
	}
	ch := resp.Data[0]
	return core.StreamInfo{Login: ch.BroadcasterLogin, Title: ch.Title, Game: ch.GameName, GameID: ch.GameID, Tags: ch.Tags}, nil
}

// UserID resolves a login to its numeric id. Results are cached.
func (c *Client) UserID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	c.mu.Lock()
	if id, ok := c.userIDs[login]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var resp struct {
		Data []helixUser `json:"data"`
	}
	if err := c.get(ctx, "/users", url.Values{"login": {login}}, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].ID == "" {
		return "", fmt.Errorf("twitch: user %s not found", login)
	}
	id := resp.Data[0].ID

	c.mu.Lock()
	if c.userIDs == nil {
		c.userIDs = make(map[string]string)
	}
	c.userIDs[login] = id
	c.mu.Unlock()
	return id, nil
}

// FollowerCount returns the channel's total follower count.
func (c *Client) FollowerCount(ctx context.Context, login string) (int, error) {
	id, err := c.UserID(ctx, login)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := c.get(ctx, "/channels/followers", url.Values{"broadcaster_id": {id}, "first": {"1"}}, &resp); err != nil {
		return 0, err
	}
	return resp.Total, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		status, body, err := c.do(ctx, path, q)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("twitch: decode %s: %w", path, err)
			}
			return nil
		case status == http.StatusUnauthorized && attempt == 0:
			if inv, ok := c.Tokens.(invalidator); ok {
				inv.Invalidate()
				continue
			}
			return ErrUnauthorized
		case status == http.StatusUnauthorized:
			return ErrUnauthorized
		default:
			return fmt.Errorf("twitch: %s status %d: %s", path, status, strings.TrimSpace(string(body)))
		}
	}
	return ErrUnauthorized
}

func (c *Client) do(ctx context.Context, path string, q url.Values) (int, []byte, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("twitch: token: %w", err)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+q.Encode(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("twitch: build request: %w", err)
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("twitch: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("twitch: read %s: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

// Probe binds a Client to one channel for the orchestrator's liveness
// checks.
type Probe struct {
	Client *Client
	Login  string
}

func (p Probe) Check(ctx context.Context) (core.StreamInfo, error) {
	return p.Client.GetStream(ctx, p.Login)
}
