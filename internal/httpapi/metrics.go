package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/gnasty-relay/internal/relay"
)

// Metrics bundles Prometheus collectors for the relay and its HTTP API.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	broadcastDrops  prometheus.Counter
	rateLimited     prometheus.Counter
	statusSent      prometheus.Counter
}

var relayStates = []relay.State{relay.Offline, relay.LiveNoPipe, relay.LivePiping, relay.CooldownShort, relay.CooldownLong}

func newMetrics(snapshot func() relay.Status) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "ws_clients",
			Help:      "Current connected WebSocket status clients",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "status_drops_total",
			Help:      "Status updates dropped because a client was slow",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		statusSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "status_sent_total",
			Help:      "Status updates delivered to WebSocket clients",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.broadcastDrops,
		m.rateLimited,
		m.statusSent,
	)
	if snapshot != nil {
		registry.MustRegister(statusCollectors(snapshot)...)
	}
	return m
}

// statusCollectors read the orchestrator snapshot at scrape time.
func statusCollectors(snapshot func() relay.Status) []prometheus.Collector {
	gauge := func(name, help string, fn func(relay.Status) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "relay", Name: name, Help: help},
			func() float64 { return fn(snapshot()) })
	}
	counter := func(name, help string, fn func(relay.Status) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "relay", Name: name, Help: help},
			func() float64 { return float64(fn(snapshot())) })
	}
	out := []prometheus.Collector{
		gauge("consecutive_failures", "Consecutive failed pipe attempts in the current session",
			func(s relay.Status) float64 { return float64(s.Failures) }),
		gauge("part_number", "Current part number, 0 when none",
			func(s relay.Status) float64 { return float64(s.Part) }),
		gauge("viewers", "Source viewers at the last liveness poll",
			func(s relay.Status) float64 { return float64(s.Viewers) }),
		gauge("pipe_active", "1 while a pipe attempt is running",
			func(s relay.Status) float64 { return boolGauge(s.PipeActive) }),
		counter("sessions_total", "Sessions opened", func(s relay.Status) uint64 { return s.Sessions }),
		counter("parts_total", "Parts provisioned", func(s relay.Status) uint64 { return s.Parts }),
		counter("pipe_attempts_total", "Pipe attempts finished", func(s relay.Status) uint64 { return s.Attempts }),
		counter("pipe_failures_total", "Pipe attempts that failed", func(s relay.Status) uint64 { return s.FailedAttempts }),
		counter("long_cooldowns_total", "Long cooldowns entered", func(s relay.Status) uint64 { return s.LongCooldowns }),
	}
	for _, st := range relayStates {
		name := st.String()
		out = append(out, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "relay",
			Name:        "state",
			Help:        "1 for the orchestrator's current state",
			ConstLabels: prometheus.Labels{"state": name},
		}, func() float64 { return boolGauge(snapshot().State == name) }))
	}
	return out
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncWSClients adjusts the WebSocket client gauge by delta.
func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncStatusSent() {
	if m == nil {
		return
	}
	m.statusSent.Inc()
}
