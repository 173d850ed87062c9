package analytics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"teampoints/core"
)

// Prometheus exports engine events and HTTP traffic as Prometheus metrics.
type Prometheus struct {
	registry *prometheus.Registry

	pointsAwarded   *prometheus.CounterVec
	pointsPenalized *prometheus.CounterVec
	capReached      *prometheus.CounterVec
	capResets       *prometheus.CounterVec
	groupPoints     *prometheus.GaugeVec
	rulesLoaded     prometheus.Gauge
	reloads         prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheus registers the collectors on a private registry so several
// instances can coexist in one process.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "teampoints"
	}
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		pointsAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "person_points_awarded_total",
			Help:      "Award points recorded on persons by rule.",
		}, []string{"rule"}),
		pointsPenalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "person_points_penalized_total",
			Help:      "Magnitude of penalty points recorded on persons by rule.",
		}, []string{"rule"}),
		capReached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cap_reached_total",
			Help:      "Capped awards that were clamped, by rule.",
		}, []string{"rule"}),
		capResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cap_resets_total",
			Help:      "Periodic cap resets, by rule.",
		}, []string{"rule"}),
		groupPoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_points",
			Help:      "Current total points per group.",
		}, []string{"group"}),
		rulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_loaded",
			Help:      "Rules in the active catalog.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Successful rule catalog reloads.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.pointsAwarded,
		m.pointsPenalized,
		m.capReached,
		m.capResets,
		m.groupPoints,
		m.rulesLoaded,
		m.reloads,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Prometheus) OnEvent(_ context.Context, e core.Event) {
	switch e.Type {
	case core.EventPersonPointsRecorded:
		if e.Delta >= 0 {
			m.pointsAwarded.WithLabelValues(e.Rule).Add(float64(e.Delta))
		} else {
			m.pointsPenalized.WithLabelValues(e.Rule).Add(float64(-e.Delta))
		}
	case core.EventGroupPointsChanged:
		m.groupPoints.WithLabelValues(string(e.GroupID)).Set(float64(e.Total))
	case core.EventCapReached:
		m.capReached.WithLabelValues(e.Rule).Inc()
	case core.EventCapReset:
		m.capResets.WithLabelValues(e.Rule).Inc()
	case core.EventRulesReloaded:
		m.reloads.Inc()
		m.rulesLoaded.Set(float64(e.Total))
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Prometheus) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one HTTP request under its route pattern.
func (m *Prometheus) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
