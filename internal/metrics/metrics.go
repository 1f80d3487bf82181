// Package metrics exposes Prometheus instruments for the engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labgoat"

type Metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	assignments  *prometheus.CounterVec
	conversions  *prometheus.CounterVec
	analyses     prometheus.Counter
	running      prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	cycles       prometheus.Counter
	signals      *prometheus.CounterVec
	monitorErrs  prometheus.Counter
	dropped      prometheus.Counter
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiments",
			Name:      "transitions_total",
			Help:      "Experiment status transitions by target status",
		}, []string{"to"}),
		assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participants",
			Name:      "assignments_total",
			Help:      "Participant assignment requests by outcome (new, existing)",
		}, []string{"outcome"}),
		conversions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversions",
			Name:      "events_total",
			Help:      "Conversion events by outcome (recorded, duplicate, rejected)",
		}, []string{"outcome"}),
		analyses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "analyses_total",
			Help:      "Statistical analyses computed",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "experiments",
			Name:      "running",
			Help:      "Experiments seen running in the last monitoring cycle",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route"}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Monitoring cycles run while holding the lease",
		}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "signals_total",
			Help:      "Monitoring signals raised by type",
		}, []string{"type"}),
		monitorErrs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "errors_total",
			Help:      "Per-experiment monitoring failures",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events lost because an in-process subscriber was full",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Assignment(created bool) {
	if m == nil {
		return
	}
	outcome := "existing"
	if created {
		outcome = "new"
	}
	m.assignments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Conversion(outcome string) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Analysis() {
	if m == nil {
		return
	}
	m.analyses.Inc()
}

func (m *Metrics) HTTPRequest(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) MonitorCycle(running int) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.running.Set(float64(running))
}

func (m *Metrics) Signal(kind string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind).Inc()
}

func (m *Metrics) MonitorError() {
	if m == nil {
		return
	}
	m.monitorErrs.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
