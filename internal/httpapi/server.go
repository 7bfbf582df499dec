// Package httpapi serves the relay's status and reporting API: the
// orchestrator snapshot, session history, activity log queries,
// Prometheus metrics and a WebSocket status feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/eventlog"
	"github.com/you/gnasty-relay/internal/relay"
)

// StatusSource publishes the orchestrator status.
type StatusSource interface {
	Snapshot() relay.Status
}

// History is the session ledger.
type History interface {
	ListSessions(ctx context.Context, filters Filters) ([]core.Session, error)
	ListParts(ctx context.Context, sessionID string) ([]core.PartRecord, error)
}

// Activity is the read side of the binary activity log.
type Activity interface {
	Events() (eventlog.Result[eventlog.Event], error)
	Counters(metric string) (eventlog.Result[eventlog.CounterRecord], error)
}

type Options struct {
	Addr  string
	Build BuildInfo

	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string

	// StatusInterval is how often the snapshot is checked for changes
	// to push to WebSocket clients.
	StatusInterval time.Duration

	// Admin registers extra routes, such as the admin endpoints.
	Admin func(r chi.Router)

	Logger *slog.Logger
}

type Server struct {
	httpServer *http.Server
	opts       Options
	status     StatusSource
	history    History
	activity   Activity
	metrics    *Metrics
	visitors   *visitors
	log        *slog.Logger

	mu      sync.Mutex
	clients map[chan relay.Status]struct{}
	closed  bool
}

// New builds the server. history may be nil when no ledger is
// configured.
func New(status StatusSource, history History, activity Activity, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Second
	}
	srv := &Server{
		opts:     opts,
		status:   status,
		history:  history,
		activity: activity,
		metrics:  newMetrics(status.Snapshot),
		visitors: newVisitors(opts.RateLimitRPS, opts.RateLimitBurst),
		log:      opts.Logger,
		clients:  make(map[chan relay.Status]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, srv.observed, srv.crossOrigin, srv.limited)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5, compressed...))
		r.Get("/healthz", srv.handleHealthz)
		r.Get("/info", srv.handleInfo)
		r.Get("/status", srv.handleStatus)
		r.Get("/sessions", srv.handleSessions)
		r.Get("/sessions/{id}/parts", srv.handleParts)
		r.Get("/segments", srv.handleSegments)
		r.Get("/counters/{metric}/at", srv.handleCounterAt)
		r.Get("/counters/{metric}/stats", srv.handleCounterStats)
	})
	r.Method(http.MethodGet, "/metrics", srv.metrics.Handler())
	r.Get("/ws", srv.handleWS)
	if opts.Admin != nil {
		opts.Admin(r)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.status.Snapshot())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "session history not configured", http.StatusNotFound)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.history.ListSessions(r.Context(), filters)
	if err != nil {
		s.log.Error("httpapi: list sessions", "err", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.Session{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleParts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "session history not configured", http.StatusNotFound)
		return
	}
	rows, err := s.history.ListParts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("httpapi: list parts", "err", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	writeJSON(w, rows)
}

type segmentJSON struct {
	Game            string    `json:"game"`
	Title           string    `json:"title"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end,omitempty"`
	DurationSeconds int64     `json:"duration_seconds"`
	Open            bool      `json:"open,omitempty"`
}

type segmentsResponse struct {
	Segments []segmentJSON      `json:"segments"`
	Games    map[string]float64 `json:"game_seconds"`
	Sessions []eventlog.Session `json:"sessions"`
	Log      string             `json:"log"`
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.activity.Events()
	if err != nil {
		s.log.Error("httpapi: read activity log", "err", err)
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}
	segs := eventlog.BuildSegments(res.Records, filters.Window())
	resp := segmentsResponse{
		Segments: make([]segmentJSON, 0, len(segs)),
		Games:    make(map[string]float64),
		Log:      res.Stop.String(),
	}
	for _, seg := range segs {
		resp.Segments = append(resp.Segments, segmentJSON{
			Game:            seg.Game,
			Title:           seg.Title,
			Start:           seg.Start,
			End:             seg.End,
			DurationSeconds: int64(seg.Duration() / time.Second),
			Open:            seg.Open,
		})
	}
	for game, d := range eventlog.GameTotals(segs) {
		resp.Games[game] = d.Seconds()
	}
	for _, sess := range eventlog.Sessions(res.Records) {
		if filters.Matches(sess.Start) {
			resp.Sessions = append(resp.Sessions, sess)
		}
	}
	writeJSON(w, resp)
}

func validMetric(name string) bool {
	return name == eventlog.MetricViewers || name == eventlog.MetricFollowers
}

func (s *Server) counters(w http.ResponseWriter, r *http.Request) (eventlog.Result[eventlog.CounterRecord], bool) {
	metric := chi.URLParam(r, "metric")
	if !validMetric(metric) {
		http.Error(w, "unknown metric", http.StatusNotFound)
		return eventlog.Result[eventlog.CounterRecord]{}, false
	}
	res, err := s.activity.Counters(metric)
	if err != nil {
		s.log.Error("httpapi: read counters", "metric", metric, "err", err)
		http.Error(w, "read error", http.StatusInternalServerError)
		return res, false
	}
	return res, true
}

func (s *Server) handleCounterAt(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("t")
	if raw == "" {
		http.Error(w, "t is required", http.StatusBadRequest)
		return
	}
	at, err := parseTime(raw, time.Now())
	if err != nil {
		http.Error(w, "invalid t parameter", http.StatusBadRequest)
		return
	}
	res, ok := s.counters(w, r)
	if !ok {
		return
	}
	rec, found := eventlog.ValueAt(res.Records, at)
	if !found {
		http.Error(w, "no value at or before t", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"time": rec.Time, "value": rec.Value, "log": res.Stop.String()})
}

func (s *Server) handleCounterStats(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, ok := s.counters(w, r)
	if !ok {
		return
	}
	st := eventlog.SummarizeCounters(eventlog.CountersIn(res.Records, filters.Range()))
	writeJSON(w, map[string]any{
		"count": st.Count,
		"min":   st.Min,
		"max":   st.Max,
		"avg":   st.Avg(),
		"delta": st.Delta(),
		"log":   res.Stop.String(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.CORSOrigins})
	if err != nil {
		s.log.Warn("httpapi: websocket accept", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	clientCh := make(chan relay.Status, 16)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[clientCh] = struct{}{}
	s.mu.Unlock()
	s.metrics.IncWSClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		s.mu.Unlock()
		s.metrics.IncWSClients(-1)
	}()

	// The feed is one-way; CloseRead handles control frames.
	ctx := conn.CloseRead(r.Context())

	if err := s.writeStatus(ctx, conn, s.status.Snapshot()); err != nil {
		return
	}
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case st, ok := <-clientCh:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.writeStatus(ctx, conn, st); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStatus(ctx context.Context, conn *websocket.Conn, st relay.Status) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, st); err != nil {
		return err
	}
	s.metrics.IncStatusSent()
	return nil
}

// Broadcast pushes a status to every WebSocket client. Slow clients
// miss updates instead of blocking the caller.
func (s *Server) Broadcast(st relay.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for ch := range s.clients {
		select {
		case ch <- st:
		default:
			s.metrics.IncBroadcastDrops()
		}
	}
}

// RunStatusPush broadcasts the snapshot whenever it changes, until ctx
// is done.
func (s *Server) RunStatusPush(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := s.status.Snapshot()
			if st.UpdatedAt.Equal(last) {
				continue
			}
			last = st.UpdatedAt
			s.Broadcast(st)
		}
	}
}

func (s *Server) Start() error {
	s.log.Info("httpapi: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = make(map[chan relay.Status]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
