// Package oauth keeps short-lived access tokens fresh for the destination
// (refresh-token grant) and the source platform (client-credentials grant).
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-relay/internal/clock"
)

const (
	GoogleTokenEndpoint = "https://oauth2.googleapis.com/token"
	TwitchTokenEndpoint = "https://id.twitch.tv/oauth2/token"

	defaultRefreshTimeout = 15 * time.Second
	// tokens are refreshed this long before they expire
	expirySlack = time.Minute
)

// Grant selects how a Manager obtains access tokens.
type Grant string

const (
	GrantRefreshToken      Grant = "refresh_token"
	GrantClientCredentials Grant = "client_credentials"
)

var (
	// ErrInvalidCredential means the token endpoint rejected the client
	// or the refresh token. Retrying will not help.
	ErrInvalidCredential = errors.New("oauth: credential rejected")
	// ErrMissingCredential means required configuration is empty or a
	// placeholder.
	ErrMissingCredential = errors.New("oauth: credential not configured")
)

// Manager obtains and caches access tokens.
type Manager struct {
	Name         string
	Endpoint     string
	Grant        Grant
	ClientID     string
	ClientSecret string
	RefreshToken string
	// RefreshTokenFile, when set, is read before each refresh and
	// rewritten when the endpoint rotates the refresh token.
	RefreshTokenFile string
	// TokenFile, when set, receives each new access token.
	TokenFile string
	HTTP      *http.Client
	Clock     clock.Clock
	Logger    *slog.Logger

	refreshMu sync.RWMutex
	loader    *FileTokenLoader

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	lastTTL   time.Duration
}

// NewGoogle returns a Manager for the destination's refresh-token grant.
func NewGoogle(clientID, clientSecret, refreshToken string) *Manager {
	return &Manager{
		Name:         "youtube",
		Endpoint:     GoogleTokenEndpoint,
		Grant:        GrantRefreshToken,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: refreshToken,
	}
}

// NewTwitchApp returns a Manager for an app access token.
func NewTwitchApp(clientID, clientSecret string) *Manager {
	return &Manager{
		Name:         "twitch",
		Endpoint:     TwitchTokenEndpoint,
		Grant:        GrantClientCredentials,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Status       int    `json:"status"`
	Message      string `json:"message"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock.Now()
	}
	return time.Now()
}

// SetRefreshToken replaces the refresh token used by later refreshes.
func (m *Manager) SetRefreshToken(token string) {
	if m == nil {
		return
	}
	m.refreshMu.Lock()
	m.RefreshToken = strings.TrimSpace(token)
	m.refreshMu.Unlock()
}

// Reload re-reads RefreshTokenFile and drops the cached access token so
// the next Token call refreshes. It reports whether the file changed.
func (m *Manager) Reload() (bool, error) {
	changed, err := m.loadRefreshFile()
	m.Invalidate()
	return changed, err
}

func (m *Manager) loadRefreshFile() (bool, error) {
	m.refreshMu.Lock()
	path := strings.TrimSpace(m.RefreshTokenFile)
	if path == "" {
		m.refreshMu.Unlock()
		return false, nil
	}
	if m.loader == nil || m.loader.Path() != path {
		m.loader = NewFileTokenLoader(path)
	}
	loader := m.loader
	m.refreshMu.Unlock()

	token, changed, err := loader.Load()
	if err != nil {
		return false, fmt.Errorf("oauth: %s refresh token file: %w", m.Name, err)
	}
	if changed {
		m.SetRefreshToken(token)
	}
	return changed, nil
}

// Invalidate drops the cached access token.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

// Validate checks that the configured credentials are present and not
// placeholders. It makes no network call.
func (m *Manager) Validate() error {
	m.refreshMu.RLock()
	refresh := m.RefreshToken
	refreshFile := m.RefreshTokenFile
	m.refreshMu.RUnlock()

	if IsPlaceholder(m.ClientID) || IsPlaceholder(m.ClientSecret) {
		return fmt.Errorf("%w: %s client id/secret", ErrMissingCredential, m.Name)
	}
	if m.Grant == GrantRefreshToken && IsPlaceholder(refresh) && strings.TrimSpace(refreshFile) == "" {
		return fmt.Errorf("%w: %s refresh token", ErrMissingCredential, m.Name)
	}
	return nil
}

// Token returns a cached access token, refreshing it when it is missing
// or about to expire.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	token, expiresAt := m.token, m.expiresAt
	m.mu.Unlock()
	if token != "" && m.now().Before(expiresAt.Add(-expirySlack)) {
		return token, nil
	}
	token, _, err := m.Refresh(ctx)
	return token, err
}

// Refresh requests a new access token from the endpoint.
func (m *Manager) Refresh(ctx context.Context) (string, time.Duration, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	reqCtx := ctx
	cancel := func() {}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		reqCtx, cancel = context.WithTimeout(ctx, defaultRefreshTimeout)
	}
	defer cancel()

	if _, err := m.loadRefreshFile(); err != nil {
		return "", 0, err
	}
	if err := m.Validate(); err != nil {
		return "", 0, err
	}

	clientID := strings.TrimSpace(m.ClientID)
	clientSecret := strings.TrimSpace(m.ClientSecret)
	m.refreshMu.RLock()
	refreshToken := strings.TrimSpace(m.RefreshToken)
	m.refreshMu.RUnlock()

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	grant := m.Grant
	if grant == "" {
		grant = GrantRefreshToken
	}
	form.Set("grant_type", string(grant))
	if grant == GrantRefreshToken {
		form.Set("refresh_token", refreshToken)
	}

	endpoint := m.Endpoint
	if endpoint == "" {
		endpoint = GoogleTokenEndpoint
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("oauth: %s create refresh request: %w", m.Name, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := m.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("oauth: %s refresh request: %w", m.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", 0, fmt.Errorf("oauth: %s read refresh response: %w", m.Name, err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return "", 0, fmt.Errorf("oauth: %s decode refresh response: %w", m.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := firstNonEmpty(parsed.Message, parsed.ErrorDesc, parsed.Error)
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", 0, fmt.Errorf("%w: %s: %s", ErrInvalidCredential, m.Name, msg)
		}
		return "", 0, fmt.Errorf("oauth: %s refresh: %s", m.Name, msg)
	}

	token := strings.TrimSpace(parsed.AccessToken)
	if token == "" {
		return "", 0, fmt.Errorf("oauth: %s refresh returned empty token", m.Name)
	}
	ttl := time.Duration(parsed.ExpiresIn) * time.Second
	if parsed.ExpiresIn <= 0 {
		ttl = time.Hour
	}

	if m.TokenFile != "" {
		if err := writeTokenFile(m.TokenFile, token); err != nil {
			return "", 0, err
		}
	}
	if rotated := strings.TrimSpace(parsed.RefreshToken); rotated != "" && rotated != refreshToken {
		m.SetRefreshToken(rotated)
		if m.RefreshTokenFile != "" {
			if err := atomicWrite(m.RefreshTokenFile, []byte(rotated), 0o600); err != nil {
				return "", 0, fmt.Errorf("oauth: %s write refresh token: %w", m.Name, err)
			}
		}
	}

	now := m.now()
	m.mu.Lock()
	m.token = token
	m.expiresAt = now.Add(ttl)
	m.lastTTL = ttl
	m.mu.Unlock()

	m.logger().Info("oauth: token refreshed", "name", m.Name, "expires_at", now.Add(ttl).UTC().Format(time.RFC3339))
	return token, ttl, nil
}

// StartAuto refreshes the token at 85% of its lifetime until ctx is done,
// backing off up to a minute on failure.
func (m *Manager) StartAuto(ctx context.Context, onUpdate func(token string)) {
	if onUpdate == nil {
		onUpdate = func(string) {}
	}

	go func() {
		wait := m.nextInterval()
		if wait <= 0 {
			wait = time.Minute
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()

		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			token, ttl, err := m.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger().Warn("oauth: auto-refresh failed", "name", m.Name, "err", err)
				timer.Reset(backoff)
				if backoff < time.Minute {
					backoff = min(backoff*2, time.Minute)
				}
				continue
			}

			backoff = time.Second
			onUpdate(token)
			timer.Reset(intervalFrom(ttl))
		}
	}()
}

func (m *Manager) nextInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastTTL <= 0 {
		return 0
	}
	return intervalFrom(m.lastTTL)
}

func intervalFrom(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Minute
	}
	next := time.Duration(float64(ttl) * 0.85)
	if next < time.Minute {
		next = time.Minute
	}
	return next
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
