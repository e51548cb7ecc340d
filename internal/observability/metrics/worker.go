package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	service  string
	registry *prometheus.Registry

	archiveTotal    *prometheus.CounterVec
	archiveDuration *prometheus.HistogramVec
	archiveInFlight prometheus.Gauge
	archiveBytes    prometheus.Counter
	eventLag        *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	archiveTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaf",
			Subsystem: "worker",
			Name:      "archive_total",
			Help:      "Archived prediction events by status.",
		},
		[]string{"service", "status"},
	)
	archiveDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leaf",
			Subsystem: "worker",
			Name:      "archive_duration_seconds",
			Help:      "Archive duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	archiveInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaf",
			Subsystem: "worker",
			Name:      "archive_in_flight",
			Help:      "Number of in-flight archive tasks.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	archiveBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leaf",
			Subsystem: "worker",
			Name:      "archive_bytes_total",
			Help:      "Bytes written to the export archive.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	eventLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leaf",
			Subsystem: "worker",
			Name:      "event_lag_seconds",
			Help:      "Delay between prediction completion and archiving start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(archiveTotal, archiveDuration, archiveInFlight, archiveBytes, eventLag)

	return &WorkerMetrics{
		service:         service,
		registry:        registry,
		archiveTotal:    archiveTotal,
		archiveDuration: archiveDuration,
		archiveInFlight: archiveInFlight,
		archiveBytes:    archiveBytes,
		eventLag:        eventLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartArchive() {
	m.archiveInFlight.Inc()
}

func (m *WorkerMetrics) FinishArchive(duration time.Duration, size int, err error) {
	m.archiveInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.archiveTotal.WithLabelValues(m.service, status).Inc()
	m.archiveDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
	if err == nil && size > 0 {
		m.archiveBytes.Add(float64(size))
	}
}

func (m *WorkerMetrics) ObserveEventLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.eventLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
