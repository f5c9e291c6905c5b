// Package metrics holds the Prometheus collectors exported by the chat
// service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector. Components receive it explicitly and
// tolerate a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	CacheLookups       *prometheus.CounterVec
	CacheInvalidations prometheus.Counter
	CacheErrors        *prometheus.CounterVec
	ConnectedClients   prometheus.Gauge
	Broadcasts         *prometheus.CounterVec
	DroppedFrames      prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry, along
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "cache_lookups_total",
			Help:      "Message list cache lookups by result (hit or miss).",
		}, []string{"result"}),
		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "cache_invalidations_total",
			Help:      "Message list cache invalidations following a store write.",
		}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "cache_errors_total",
			Help:      "Cache operations that failed and were recovered locally.",
		}, []string{"op"}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livechat",
			Name:      "connected_clients",
			Help:      "Live connections currently registered with the hub.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "broadcasts_total",
			Help:      "Hub broadcasts by kind (raw or user_list).",
		}, []string{"kind"}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames discarded by the per-connection rate limiter.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CacheLookups,
		m.CacheInvalidations,
		m.CacheErrors,
		m.ConnectedClients,
		m.Broadcasts,
		m.DroppedFrames,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CacheLookup records a cache lookup result.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// CacheInvalidated records a cache invalidation.
func (m *Metrics) CacheInvalidated() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

// CacheError records a recovered cache failure.
func (m *Metrics) CacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(op).Inc()
}

// SetConnectedClients records the current registry size.
func (m *Metrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Set(float64(n))
}

// Broadcast records one hub broadcast pass.
func (m *Metrics) Broadcast(kind string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(kind).Inc()
}

// FrameDropped records a rate-limited inbound frame.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}

// HTTPRequest records a served HTTP request.
func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}
