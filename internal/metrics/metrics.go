// Package metrics exposes Prometheus instruments for the routing core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lcr"

// Metrics holds every collector on a private registry. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	lookups          *prometheus.CounterVec
	lookupDuration   *prometheus.HistogramVec
	cacheRequests    *prometheus.CounterVec
	invalidations    *prometheus.CounterVec
	healthScore      *prometheus.GaugeVec
	statusChanges    *prometheus.CounterVec
	failoverDecision *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	storeFallbacks   prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookups_total",
				Help:      "Route lookups by result",
			},
			[]string{"result"},
		),
		lookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lookup_duration_seconds",
				Help:      "Route lookup latency",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"strategy", "cache"},
		),
		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Route cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidated_keys_total",
				Help:      "Route cache keys removed by invalidation scope",
			},
			[]string{"scope"},
		),
		healthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gateway_health_score",
				Help:      "Latest computed health score per gateway",
			},
			[]string{"gateway"},
		),
		statusChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_status_changes_total",
				Help:      "Gateway health bucket transitions",
			},
			[]string{"to"},
		),
		failoverDecision: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_decisions_total",
				Help:      "Failover decisions by action and Q.850 cause",
			},
			[]string{"action", "cause"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Change notifications by sink and result",
			},
			[]string{"sink", "result"},
		),
		storeFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_fallbacks_total",
				Help:      "Lookups served from the last good configuration snapshot",
			},
		),
	}

	registry.MustRegister(
		m.lookups,
		m.lookupDuration,
		m.cacheRequests,
		m.invalidations,
		m.healthScore,
		m.statusChanges,
		m.failoverDecision,
		m.notifications,
		m.storeFallbacks,
	)
	return m
}

func (m *Metrics) ObserveLookup(result, strategy string, cacheHit bool, d time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
	if strategy != "" {
		m.lookupDuration.WithLabelValues(strategy, strconv.FormatBool(cacheHit)).Observe(d.Seconds())
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheRequests.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheRequests.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) Invalidated(scope string, keys int) {
	if m != nil {
		m.invalidations.WithLabelValues(scope).Add(float64(keys))
	}
}

func (m *Metrics) HealthScore(gateway string, score int) {
	if m != nil {
		m.healthScore.WithLabelValues(gateway).Set(float64(score))
	}
}

func (m *Metrics) StatusChanged(to string) {
	if m != nil {
		m.statusChanges.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) FailoverDecision(action string, cause int) {
	if m != nil {
		m.failoverDecision.WithLabelValues(action, strconv.Itoa(cause)).Inc()
	}
}

func (m *Metrics) Notification(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) StoreFallback() {
	if m != nil {
		m.storeFallbacks.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
