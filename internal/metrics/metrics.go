// Package metrics exports Prometheus metrics for run tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oeetrack"

// Metrics holds the service collectors
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted      prometheus.Counter
	RunsCompleted    prometheus.Counter
	DowntimesStarted *prometheus.CounterVec
	DowntimesClosed  *prometheus.CounterVec
	DowntimeMinutes  *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	RunOEE           prometheus.Histogram
}

// New registers all collectors on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Production runs started.",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Production runs completed.",
		}),
		DowntimesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downtimes_started_total",
			Help:      "Downtime events opened, by category type.",
		}, []string{"category_type"}),
		DowntimesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downtimes_closed_total",
			Help:      "Downtime events closed, by category type.",
		}, []string{"category_type"}),
		DowntimeMinutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downtime_minutes_total",
			Help:      "Closed downtime minutes, by category type.",
		}, []string{"category_type"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_operations_total",
			Help:      "Lifecycle operations rejected, by operation and error kind.",
		}, []string{"operation", "kind"}),
		RunOEE: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_oee_percent",
			Help:      "OEE of completed runs with a defined OEE.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 65, 70, 75, 80, 85, 90, 95, 100},
		}),
	}

	reg.MustRegister(
		m.RunsStarted, m.RunsCompleted,
		m.DowntimesStarted, m.DowntimesClosed, m.DowntimeMinutes,
		m.Rejections, m.RunOEE,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
