package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "updater"

// Admission results.
const (
	Admitted   = "admitted"
	InProgress = "in_progress"
	Invalid    = "invalid"
	Error      = "error"
)

// Metrics is safe to use through a nil pointer, which disables recording.
type Metrics struct {
	registry *prometheus.Registry

	admissions *prometheus.CounterVec
	finished   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	active     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Update trigger requests by admission result",
			},
			[]string{"result"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Update jobs that reached a terminal state",
			},
			[]string{"state"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall-clock time from admission to terminal state",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
			},
			[]string{"state"},
		),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_active",
			Help:      "1 while an update job holds the single-flight slot",
		}),
	}

	m.registry.MustRegister(
		m.admissions,
		m.finished,
		m.duration,
		m.active,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) JobFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(state).Inc()
	m.duration.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.active.Set(1)
	} else {
		m.active.Set(0)
	}
}
