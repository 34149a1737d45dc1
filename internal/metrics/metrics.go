// Package metrics exposes engine and API counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"soulqueue/internal/domain"
)

const namespace = "soulqueue"

var modes = []string{"idle", "active", "bulk_pause"}

// Metrics owns its own registry so several engines can live in one process
// (tests do this).
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	transitions     *prometheus.CounterVec
	missingFailures *prometheus.CounterVec
	postProcess     *prometheus.CounterVec
	cleanup         *prometheus.CounterVec
	activeItems     prometheus.Gauge
	finishedItems   prometheus.Gauge
	pollMode        *prometheus.GaugeVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_cycles_total",
			Help:      "Reconciliation cycles by result",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_cycle_duration_seconds",
			Help:      "Wall time of reconciliation cycles",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_transitions_total",
			Help:      "Applied item status transitions by target status",
		}, []string{"status"}),
		missingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_failures_total",
			Help:      "Items failed locally because the daemon stopped reporting them",
		}, []string{"reason"}),
		postProcess: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_process_total",
			Help:      "Post-processing runs by result",
		}, []string{"result"}),
		cleanup: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_cleanup_total",
			Help:      "Remote cleanup calls by result",
		}, []string{"result"}),
		activeItems: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_items",
			Help:      "Items in the active collection",
		}),
		finishedItems: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finished_items",
			Help:      "Items in the finished collection",
		}),
		pollMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_mode",
			Help:      "1 for the current polling mode, 0 otherwise",
		}, []string{"mode"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests by method, route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request durations by method and route",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CycleFinished(result string, elapsed time.Duration) {
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Transitioned(to domain.ItemStatus) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) MissingFailure(reason string) {
	m.missingFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) PostProcessed(result string) {
	m.postProcess.WithLabelValues(result).Inc()
}

func (m *Metrics) CleanupFinished(result string) {
	m.cleanup.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueue(active, finished int) {
	m.activeItems.Set(float64(active))
	m.finishedItems.Set(float64(finished))
}

func (m *Metrics) SetMode(mode string) {
	for _, name := range modes {
		v := 0.0
		if name == mode {
			v = 1
		}
		m.pollMode.WithLabelValues(name).Set(v)
	}
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
