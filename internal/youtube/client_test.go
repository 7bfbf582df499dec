package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type staticTokens struct {
	err         error
	invalidated atomic.Int32
}

func (s *staticTokens) Token(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "tok", nil
}

func (s *staticTokens) Invalidate() { s.invalidated.Add(1) }

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *staticTokens) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := &staticTokens{}
	c := New(tokens)
	c.BaseURL = srv.URL
	c.HTTP = srv.Client()
	c.Limiter = nil
	c.BaseBackoff = time.Millisecond
	c.MaxBackoff = 5 * time.Millisecond
	c.CallTimeout = 2 * time.Second
	c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return c, tokens
}

func writeAPIError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope","errors":[{"reason":%q}]}}`, status, reason)
}

func TestCreateIngestEndpoint(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/liveStreams" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["contentDetails"].(map[string]any)["isReusable"] != true {
			t.Errorf("endpoint should be reusable: %v", body)
		}
		_, _ = w.Write([]byte(`{"id":"stream-1","cdn":{"ingestionInfo":{"ingestionAddress":"rtmp://a.rtmp.youtube.com/live2","streamName":"abcd-efgh"}}}`))
	})
	ep, err := c.CreateIngestEndpoint(context.Background(), "relay part 1")
	if err != nil {
		t.Fatalf("CreateIngestEndpoint: %v", err)
	}
	if ep.ID != "stream-1" || ep.Key != "abcd-efgh" || !strings.HasPrefix(ep.Address, "rtmp://") {
		t.Fatalf("endpoint %+v", ep)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeAPIError(w, http.StatusServiceUnavailable, "backendError")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.SetVisibility(context.Background(), "vid", "public"); err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestRetryExhaustionIsTyped(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusTooManyRequests, "rateLimitExceeded")
	})
	err := c.Transition(context.Background(), "b1", StateComplete)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if callErr.Attempts != c.MaxAttempts || callErr.Op != "transition" || int(calls.Load()) != c.MaxAttempts {
		t.Fatalf("call error %+v after %d calls", callErr, calls.Load())
	}
	if StatusCode(err) != http.StatusTooManyRequests {
		t.Fatalf("status = %d", StatusCode(err))
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusBadRequest, "invalidDescription")
	})
	if err := c.SetVisibility(context.Background(), "v", "public"); Reason(err) != "invalidDescription" {
		t.Fatalf("unexpected error %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestUnauthorizedBecomesCredentialError(t *testing.T) {
	var calls atomic.Int32
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusUnauthorized, "authError")
	})
	err := c.CheckCredentials(context.Background())
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
	if calls.Load() != 2 || tokens.invalidated.Load() != 1 {
		t.Fatalf("calls=%d invalidated=%d", calls.Load(), tokens.invalidated.Load())
	}

	tokens.err = errors.New("refresh revoked")
	if err := c.CheckCredentials(context.Background()); !errors.Is(err, ErrCredential) {
		t.Fatalf("token failure should be a credential error, got %v", err)
	}
}

func TestTransitionRedundantIsSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("broadcastStatus") != "complete" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		writeAPIError(w, http.StatusForbidden, "redundantTransition")
	})
	if err := c.Transition(context.Background(), "b1", StateComplete); err != nil {
		t.Fatalf("Transition: %v", err)
	}
}

func TestCreateBroadcastBindFailureDeletes(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/liveBroadcasts":
			_, _ = w.Write([]byte(`{"id":"b1"}`))
		case r.URL.Path == "/liveBroadcasts/bind":
			writeAPIError(w, http.StatusForbidden, "liveStreamingNotEnabled")
		case r.Method == http.MethodDelete:
			if r.URL.Query().Get("id") != "b1" {
				t.Errorf("deleting wrong broadcast %s", r.URL.RawQuery)
			}
			w.WriteHeader(http.StatusNoContent)
		}
	})
	_, err := c.CreateBroadcast(context.Background(), "stream-1", BroadcastSpec{Title: "t", Visibility: "unlisted"})
	if err == nil {
		t.Fatalf("expected bind error")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"POST /liveBroadcasts", "POST /liveBroadcasts/bind", "DELETE /liveBroadcasts"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("requests = %v", seen)
	}
}

func TestCreateBroadcastBinds(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/liveBroadcasts":
			var body broadcastResource
			_ = json.NewDecoder(r.Body).Decode(&body)
			if !body.ContentDetails.EnableAutoStart || body.Status.PrivacyStatus != "unlisted" {
				t.Errorf("unexpected body %+v", body)
			}
			_, _ = w.Write([]byte(`{"id":"b2"}`))
		case "/liveBroadcasts/bind":
			if r.URL.Query().Get("streamId") != "stream-1" || r.URL.Query().Get("id") != "b2" {
				t.Errorf("bad bind query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"id":"b2"}`))
		}
	})
	id, err := c.CreateBroadcast(context.Background(), "stream-1", BroadcastSpec{Title: "t", Visibility: "unlisted", ScheduledStart: time.Now()})
	if err != nil || id != "b2" {
		t.Fatalf("CreateBroadcast: %q %v", id, err)
	}
	if _, err := c.CreateBroadcast(context.Background(), "stream-1", BroadcastSpec{}); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestUpdateMetadataSkipsWhenUnchanged(t *testing.T) {
	var puts atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"items":[{"id":"v","snippet":{"title":"Same","description":"desc","categoryId":"20"}}]}`))
		case http.MethodPut:
			puts.Add(1)
			var body struct {
				Snippet videoSnippet `json:"snippet"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Snippet.Title != "Same" || body.Snippet.Description != "new desc" || body.Snippet.CategoryID != "20" {
				t.Errorf("unexpected update %+v", body.Snippet)
			}
			_, _ = w.Write([]byte(`{}`))
		}
	})
	ctx := context.Background()

	changed, err := c.UpdateMetadata(ctx, "v", MetadataUpdate{Title: "Same", Description: "desc"})
	if err != nil || changed {
		t.Fatalf("unchanged update: %v %v", changed, err)
	}
	changed, err = c.UpdateMetadata(ctx, "v", MetadataUpdate{Description: "new desc"})
	if err != nil || !changed {
		t.Fatalf("update: %v %v", changed, err)
	}
	if puts.Load() != 1 {
		t.Fatalf("puts = %d", puts.Load())
	}
}

func TestUpdateMetadataNeverSendsEmptyTitle(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			t.Errorf("update should not be sent")
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"v","snippet":{"title":"","description":""}}]}`))
	})
	if _, err := c.UpdateMetadata(context.Background(), "v", MetadataUpdate{Description: "x"}); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestFetchMetadataNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	if _, err := c.FetchMetadata(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddToCollectionAlreadyMember(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusConflict, "videoAlreadyInPlaylist")
	})
	if err := c.AddToCollection(context.Background(), "v", "PL1"); err != nil {
		t.Fatalf("AddToCollection: %v", err)
	}
}

func TestCallHonorsContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusInternalServerError, "backendError")
	})
	c.BaseBackoff = time.Hour
	c.MaxBackoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.SetVisibility(ctx, "v", "public")
	if err == nil || time.Since(start) > 5*time.Second {
		t.Fatalf("expected prompt failure, got %v after %v", err, time.Since(start))
	}
}
