// Package metrics exposes Prometheus instrumentation for the sync client.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
)

// Push channels
const (
	ChannelStream = "stream"
	ChannelSocket = "socket"
)

// Metrics groups the client's collectors.
type Metrics struct {
	registry *prometheus.Registry

	queryFetches *prometheus.CounterVec
	queryRetries *prometheus.CounterVec
	pushEvents   *prometheus.CounterVec
	pushDropped  *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	rollbacks    prometheus.Counter
	cacheEntries prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// queryFetches counts finished fetches by entity type and outcome
		queryFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_query_fetches_total",
			Help: "Query fetches by entity type and outcome",
		}, []string{"entity", "outcome"}),

		queryRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_query_retries_total",
			Help: "Fetch retries after a failed attempt",
		}, []string{"entity"}),

		pushEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_push_events_total",
			Help: "Push events delivered to the reconciliation engine",
		}, []string{"channel", "event"}),

		pushDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_push_dropped_total",
			Help: "Push messages dropped before reconciliation",
		}, []string{"channel", "reason"}),

		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_push_reconnects_total",
			Help: "Push channel reconnect attempts",
		}, []string{"channel"}),

		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_mutation_rollbacks_total",
			Help: "Optimistic mutations rolled back after a failed request",
		}),

		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_cache_entries",
			Help: "Entries held by the entity cache",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FetchDone(entity, outcome string) {
	if m == nil {
		return
	}
	m.queryFetches.WithLabelValues(entity, outcome).Inc()
}

func (m *Metrics) FetchRetried(entity string) {
	if m == nil {
		return
	}
	m.queryRetries.WithLabelValues(entity).Inc()
}

func (m *Metrics) PushEvent(channel, event string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(channel, event).Inc()
}

func (m *Metrics) PushDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.pushDropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) Reconnect(channel string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}
