package httpadmin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type fakeOverrides struct {
	restarts, newParts int
}

func (f *fakeOverrides) RequestRestart() { f.restarts++ }
func (f *fakeOverrides) RequestNewPart() { f.newParts++ }

type fakeReloader struct {
	err   error
	calls int
}

func (f *fakeReloader) Reload() error {
	f.calls++
	return f.err
}

func newRouter(ov Overrides, rel Reloader) chi.Router {
	r := chi.NewRouter()
	New(ov, rel).Register(r)
	return r
}

func TestOverrideEndpoints(t *testing.T) {
	ov := &fakeOverrides{}
	r := newRouter(ov, nil)

	for _, path := range []string{"/admin/pipe/restart", "/admin/part/new", "/admin/part/new"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
			t.Fatalf("%s: content-type %q", path, ct)
		}
	}
	if ov.restarts != 1 || ov.newParts != 2 {
		t.Fatalf("restarts = %d newParts = %d", ov.restarts, ov.newParts)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/pipe/restart", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
	if ov.restarts != 1 {
		t.Fatal("GET raised an override")
	}
}

func TestCredentialReload(t *testing.T) {
	rel := &fakeReloader{}
	r := newRouter(&fakeOverrides{}, rel)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/credentials/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Status   string `json:"status"`
		Reloaded bool   `json:"reloaded"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" || !payload.Reloaded || rel.calls != 1 {
		t.Fatalf("payload = %+v calls = %d", payload, rel.calls)
	}

	rel.err = errors.New("boom")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/credentials/reload", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); body != "reload failed: boom\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestCredentialReloadUnconfigured(t *testing.T) {
	r := newRouter(&fakeOverrides{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/credentials/reload", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
