package twitch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type staticTokens struct {
	token       string
	invalidated atomic.Int32
}

func (s *staticTokens) Token(context.Context) (string, error) { return s.token, nil }
func (s *staticTokens) Invalidate()                          { s.invalidated.Add(1) }

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *staticTokens) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := &staticTokens{token: "app-token"}
	c := New("cid", tokens)
	c.BaseURL = srv.URL
	c.HTTP = srv.Client()
	c.Limiter = nil
	return c, tokens
}

func TestGetStreamLive(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams" || r.URL.Query().Get("user_login") != "somechannel" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Client-Id") != "cid" || r.Header.Get("Authorization") != "Bearer app-token" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"1","user_id":"42","user_login":"somechannel","game_id":"9","game_name":"Celeste","type":"live","title":"any%","tags":["English"],"viewer_count":120,"started_at":"2026-03-01T09:00:00Z"}]}`))
	})

	info, err := c.GetStream(context.Background(), "SomeChannel")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if !info.Live || info.Game != "Celeste" || info.Title != "any%" || info.Viewers != 120 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.StartedAt.IsZero() || len(info.Tags) != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestGetStreamOffline(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	info, err := c.GetStream(context.Background(), "somechannel")
	if err != nil || info.Live {
		t.Fatalf("expected offline, got %+v %v", info, err)
	}
}

func TestFollowerCountCachesUserID(t *testing.T) {
	var userCalls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users":
			userCalls.Add(1)
			_, _ = w.Write([]byte(`{"data":[{"id":"42","login":"somechannel"}]}`))
		case "/channels/followers":
			if r.URL.Query().Get("broadcaster_id") != "42" {
				t.Errorf("unexpected broadcaster %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"total":1234,"data":[]}`))
		default:
			http.NotFound(w, r)
		}
	})
	for i := 0; i < 2; i++ {
		n, err := c.FollowerCount(context.Background(), "somechannel")
		if err != nil || n != 1234 {
			t.Fatalf("FollowerCount: %d %v", n, err)
		}
	}
	if userCalls.Load() != 1 {
		t.Fatalf("user lookup not cached: %d calls", userCalls.Load())
	}
}

func TestUnauthorizedInvalidatesOnce(t *testing.T) {
	var calls atomic.Int32
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.GetStream(context.Background(), "somechannel")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if calls.Load() != 2 || tokens.invalidated.Load() != 1 {
		t.Fatalf("calls=%d invalidated=%d", calls.Load(), tokens.invalidated.Load())
	}
}

func TestProbe(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"type":"live","user_login":"x","title":"t"}]}`))
	})
	info, err := Probe{Client: c, Login: "x"}.Check(context.Background())
	if err != nil || !info.Live {
		t.Fatalf("probe: %+v %v", info, err)
	}
}
