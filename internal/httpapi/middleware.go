package httpapi

import (
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// compressed lists the content types the status API gzips. /metrics and
// /ws are mounted outside the compressing group.
var compressed = []string{"application/json", "text/plain"}

// observed records every request in the access log and the request
// metrics, keyed by route pattern.
func (s *Server) observed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		dur := time.Since(start)
		s.metrics.ObserveRequest(route, r.Method, status, dur)
		s.log.Debug("httpapi: request", "method", r.Method, "route", route, "status", status,
			"bytes", ww.BytesWritten(), "dur", dur, "ip", clientIP(r))
	})
}

// limited rejects clients over their request budget. Runs after
// middleware.RealIP so proxied clients are told apart.
func (s *Server) limited(next http.Handler) http.Handler {
	if s.visitors == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.visitors.allow(clientIP(r), time.Now()) {
			s.metrics.IncRateLimited()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// crossOrigin answers preflights and tags responses for the configured
// dashboard origins. Requests without an Origin header pass untouched.
func (s *Server) crossOrigin(next http.Handler) http.Handler {
	if len(s.opts.CORSOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !originAllowed(s.opts.CORSOrigins, origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			}
			h.Set("Access-Control-Max-Age", "300")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// clientIP is the request's peer address without the port. RealIP has
// already replaced RemoteAddr for proxied requests.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// visitors holds one token bucket per client IP. Buckets idle for longer
// than idle are swept at most once per idle period.
type visitors struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	idle  time.Duration
	swept time.Time
	seen  map[string]*visitor
}

type visitor struct {
	bucket *rate.Limiter
	last   time.Time
}

func newVisitors(rps, burst int) *visitors {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &visitors{
		limit: rate.Limit(rps),
		burst: burst,
		idle:  5 * time.Minute,
		seen:  make(map[string]*visitor),
	}
}

func (v *visitors) allow(ip string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.swept) > v.idle {
		for k, c := range v.seen {
			if now.Sub(c.last) > v.idle {
				delete(v.seen, k)
			}
		}
		v.swept = now
	}

	c, ok := v.seen[ip]
	if !ok {
		c = &visitor{bucket: rate.NewLimiter(v.limit, v.burst)}
		v.seen[ip] = c
	}
	c.last = now
	return c.bucket.AllowN(now, 1)
}
