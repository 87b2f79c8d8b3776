package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scamvax"

// Metrics holds the service collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	createsTotal      *prometheus.CounterVec
	accessesTotal     *prometheus.CounterVec
	destructionsTotal *prometheus.CounterVec
	sweepItemsTotal   *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	transformDuration *prometheus.HistogramVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.createsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "creates_total",
			Help:      "Share create attempts by outcome",
		},
		[]string{"outcome"},
	)
	m.accessesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "accesses_total",
			Help:      "Consuming share accesses by outcome",
		},
		[]string{"outcome"},
	)
	m.destructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "destructions_total",
			Help:      "Payload destruction attempts by outcome",
		},
		[]string{"outcome"},
	)
	m.sweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_items_total",
			Help:      "Shares handled by reconciliation sweeps, by step",
		},
		[]string{"step"},
	)
	m.sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.transformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "duration_seconds",
			Help:      "Voice conversion latency by outcome",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90},
		},
		[]string{"outcome"},
	)
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"route", "method", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	m.registry.MustRegister(
		m.createsTotal,
		m.accessesTotal,
		m.destructionsTotal,
		m.sweepItemsTotal,
		m.sweepDuration,
		m.transformDuration,
		m.httpRequestsTotal,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCreate(outcome string) {
	if m == nil {
		return
	}
	m.createsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAccess(outcome string) {
	if m == nil {
		return
	}
	m.accessesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDestroy(outcome string) {
	if m == nil {
		return
	}
	m.destructionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransform(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.transformDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveSweep records one sweep's per-step counts.
func (m *Metrics) ObserveSweep(counts map[string]int, d time.Duration) {
	if m == nil {
		return
	}
	for step, n := range counts {
		if n > 0 {
			m.sweepItemsTotal.WithLabelValues(step).Add(float64(n))
		}
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
