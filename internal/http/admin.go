package httpadmin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Overrides receives the manual single-shot requests.
type Overrides interface {
	RequestRestart()
	RequestNewPart()
}

// Reloader re-reads credentials from disk.
type Reloader interface {
	Reload() error
}

// ReloadFunc adapts a function to Reloader.
type ReloadFunc func() error

func (f ReloadFunc) Reload() error { return f() }

type Server struct {
	ov  Overrides
	rel Reloader
}

// New builds the admin endpoints. rel may be nil when no credential file
// is configured.
func New(ov Overrides, rel Reloader) *Server { return &Server{ov: ov, rel: rel} }

func (s *Server) Register(r chi.Router) {
	r.Get("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/admin/pipe/restart", func(w http.ResponseWriter, _ *http.Request) {
		s.ov.RequestRestart()
		writeJSON(w, map[string]any{"status": "ok", "requested": "restart-pipe"})
	})
	r.Post("/admin/part/new", func(w http.ResponseWriter, _ *http.Request) {
		s.ov.RequestNewPart()
		writeJSON(w, map[string]any{"status": "ok", "requested": "new-part"})
	})
	r.Post("/admin/credentials/reload", func(w http.ResponseWriter, _ *http.Request) {
		if s.rel == nil {
			http.Error(w, "no credential file configured", http.StatusNotFound)
			return
		}
		if err := s.rel.Reload(); err != nil {
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "reloaded": true})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
