// Package youtube is the destination lifecycle client: ingest endpoints,
// broadcasts, metadata, playlists and visibility, each call retried with
// bounded backoff and its own timeout.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://www.googleapis.com/youtube/v3"

var (
	// ErrCredential means the access token could not be obtained or was
	// rejected.
	ErrCredential = errors.New("youtube: credential error")
	// ErrEmptyTitle is returned instead of submitting an empty title.
	ErrEmptyTitle = errors.New("youtube: refusing to set an empty title")
	// ErrNotFound is returned when a video or broadcast does not exist.
	ErrNotFound = errors.New("youtube: not found")
)

// TokenSource supplies OAuth access tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type invalidator interface {
	Invalidate()
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("status %d (%s): %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func (e *APIError) retryable() bool {
	switch {
	case e.Status == http.StatusTooManyRequests, e.Status >= 500:
		return true
	case e.Status == http.StatusForbidden:
		return e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" || e.Reason == "backendError"
	}
	return false
}

// CallError is returned by every operation that fails.
type CallError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("youtube: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Reason returns the API error reason carried by err, if any.
func Reason(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Client calls the destination API.
type Client struct {
	BaseURL string
	Tokens  TokenSource
	HTTP    *http.Client
	Limiter *rate.Limiter
	Logger  *slog.Logger

	MaxAttempts int
	CallTimeout time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func New(tokens TokenSource) *Client {
	return &Client{
		BaseURL:     DefaultBaseURL,
		Tokens:      tokens,
		HTTP:        &http.Client{},
		Limiter:     rate.NewLimiter(rate.Limit(5), 5),
		MaxAttempts: 4,
		CallTimeout: 30 * time.Second,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// call performs one logical operation with retries. in and out may be
// nil.
func (c *Client) call(ctx context.Context, op, method, path string, q url.Values, in, out any) error {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := c.BaseBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	var (
		lastErr      error
		reauthorized bool
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.once(ctx, method, path, q, in, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		switch {
		case ctx.Err() != nil:
			return &CallError{Op: op, Attempts: attempt, Err: ctx.Err()}
		case errors.Is(err, ErrCredential):
			return &CallError{Op: op, Attempts: attempt, Err: err}
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized:
			inv, ok := c.Tokens.(invalidator)
			if reauthorized || !ok {
				return &CallError{Op: op, Attempts: attempt, Err: fmt.Errorf("%w: %v", ErrCredential, err)}
			}
			inv.Invalidate()
			reauthorized = true
			continue
		case errors.As(err, &apiErr) && !apiErr.retryable():
			return &CallError{Op: op, Attempts: attempt, Err: err}
		}

		if attempt == attempts {
			break
		}
		c.logger().Warn("youtube: call failed, retrying", "op", op, "attempt", attempt, "backoff", backoff, "err", err)
		if !sleepContext(ctx, backoff) {
			return &CallError{Op: op, Attempts: attempt, Err: ctx.Err()}
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return &CallError{Op: op, Attempts: attempts, Err: lastErr}
}

func (c *Client) once(ctx context.Context, method, path string, q url.Values, in, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	timeout := c.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	token, err := c.Tokens.Token(reqCtx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredential, err)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u := base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var parsed apiErrorBody
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Code != 0 {
			apiErr.Message = parsed.Error.Message
			if len(parsed.Error.Errors) > 0 {
				apiErr.Reason = parsed.Error.Errors[0].Reason
			}
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
