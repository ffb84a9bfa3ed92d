// Package metrics exposes Prometheus counters for sessions, step-up
// verification, audit writes and HTTP traffic.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-delegate/pkg/audit"
	"github.com/tendant/simple-delegate/pkg/events"
)

const namespace = "impersonation"

// Metrics owns its registry so that tests and multiple servers in one
// process do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	sessions      *prometheus.CounterVec
	stepUp        *prometheus.CounterVec
	auditEntries  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	sessionWindow prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type and mode.",
		}, []string{"event", "mode"}),
		stepUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stepup_verifications_total",
			Help:      "Step-up verification attempts by outcome.",
		}, []string{"outcome"}),
		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit entries written by risk level.",
		}, []string{"risk"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		sessionWindow: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_requested_minutes",
			Help:      "Requested session length at start, in minutes.",
			Buckets:   []float64{5, 15, 30, 60, 120, 240, 480},
		}),
	}
	m.registry.MustRegister(
		m.sessions, m.stepUp, m.auditEntries,
		m.httpRequests, m.httpDuration, m.httpInFlight, m.sessionWindow,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Publish counts a lifecycle event. It never fails.
func (m *Metrics) Publish(_ context.Context, e events.Event) error {
	m.sessions.WithLabelValues(string(e.Type), e.Mode).Inc()
	if e.Type == events.SessionStarted {
		m.sessionWindow.Observe(e.ExpiresAt.Sub(e.OccurredAt).Minutes())
	}
	return nil
}

// ObserveStepUp is meant for stepup.WithObserver.
func (m *Metrics) ObserveStepUp(outcome string) {
	m.stepUp.WithLabelValues(outcome).Inc()
}

// ObserveAudit is meant for audit.WithRecordHook.
func (m *Metrics) ObserveAudit(e audit.Entry) {
	m.auditEntries.WithLabelValues(string(e.RiskLevel)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument records request counts and latencies labelled by the chi
// route pattern, so path parameters do not explode cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := strconv.Itoa(sw.code)
		m.httpDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
