// Package metrics provides Prometheus metrics for the chat server.
//
// Collectors live on a private registry so tests can build as many instances as
// they like. Every recording method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Append results.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
)

// Metrics holds all Prometheus collectors of the server.
type Metrics struct {
	registry *prometheus.Registry

	// Message bus
	AppendsTotal    *prometheus.CounterVec
	AppendDuration  prometheus.Histogram
	DeliveriesTotal prometheus.Counter
	EvictionsTotal  prometheus.Counter
	EventsTotal     *prometheus.CounterVec

	// Gateway
	SessionsActive prometheus.Gauge
	RoomsActive    prometheus.Gauge
	FramesTotal    *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AppendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_bus_appends_total",
			Help: "Message appends by result (ok, duplicate, or error code).",
		}, []string{"result"}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agora_bus_append_duration_seconds",
			Help:    "Latency of conversation store appends.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		DeliveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "agora_bus_deliveries_total",
			Help: "Messages enqueued to live sessions during fan-out.",
		}),
		EvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "agora_bus_evictions_total",
			Help: "Sessions closed because their send queue was full.",
		}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_events_published_total",
			Help: "Domain events published by result.",
		}, []string{"result"}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "agora_ws_sessions_active",
			Help: "Open websocket sessions.",
		}),
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "agora_ws_rooms_active",
			Help: "Conversations with at least one live session.",
		}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_ws_frames_total",
			Help: "Inbound websocket frames by envelope type.",
		}, []string{"type"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_http_requests_total",
			Help: "HTTP requests by method and status class.",
		}, []string{"method", "class"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agora_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Registry exposes the underlying registry (tests, custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAppend records one bus append.
func (m *Metrics) ObserveAppend(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(result).Inc()
	m.AppendDuration.Observe(d.Seconds())
}

// Delivered records n enqueued deliveries.
func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DeliveriesTotal.Add(float64(n))
}

// Evicted records one slow session closed during fan-out.
func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}

// EventPublished records a domain event publish outcome.
func (m *Metrics) EventPublished(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.EventsTotal.WithLabelValues(result).Inc()
}

// SessionOpened and SessionClosed track live websocket sessions.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// SetRooms records the number of active rooms.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.RoomsActive.Set(float64(n))
}

// Frame records one inbound websocket envelope.
func (m *Metrics) Frame(typ string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(typ).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, StatusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// StatusClass buckets an HTTP status ("2xx", "4xx", ...).
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
