package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

type HTTPServerMetrics struct {
	service  string
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	rateLimited     *prometheus.CounterVec

	submissionsTotal   *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec
	gatedResultsTotal  *prometheus.CounterVec
	imageHydration     *prometheus.CounterVec
	historyDeletes     *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaf",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leaf",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaf",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rateLimited := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaf",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"service"},
	)
	submissionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaf",
			Subsystem: "prediction",
			Name:      "submissions_total",
			Help:      "Prediction submissions by workflow and outcome.",
		},
		[]string{"service", "kind", "status"},
	)
	submissionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leaf",
			Subsystem: "prediction",
			Name:      "submission_duration_seconds",
			Help:      "Round trip of a submission to the inference service.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "kind"},
	)
	gatedResultsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaf",
			Subsystem: "prediction",
			Name:      "gated_results_total",
			Help:      "Gated results by bucket.",
		},
		[]string{"service", "kind", "bucket"},
	)
	imageHydration := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaf",
			Subsystem: "history",
			Name:      "image_hydration_total",
			Help:      "Image payload lookups by outcome.",
		},
		[]string{"service", "outcome"},
	)
	historyDeletes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaf",
			Subsystem: "history",
			Name:      "deletes_total",
			Help:      "History record deletes by outcome.",
		},
		[]string{"service", "outcome"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "leaf",
			Subsystem: "upstream",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		rateLimited,
		submissionsTotal,
		submissionDuration,
		gatedResultsTotal,
		imageHydration,
		historyDeletes,
		breakerState,
	)

	return &HTTPServerMetrics{
		service:            service,
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		rateLimited:        rateLimited,
		submissionsTotal:   submissionsTotal,
		submissionDuration: submissionDuration,
		gatedResultsTotal:  gatedResultsTotal,
		imageHydration:     imageHydration,
		historyDeletes:     historyDeletes,
		breakerState:       breakerState,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			m.service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath folds record ids so label cardinality stays bounded.
func normalizePath(path string) string {
	const prefix = "/v1/history/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	id, tail, _ := strings.Cut(rest, "/")
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return path
	}
	if tail == "" {
		return prefix + "{id}"
	}
	return prefix + "{id}/" + tail
}

func (m *HTTPServerMetrics) RecordRateLimited() {
	m.rateLimited.WithLabelValues(m.service).Inc()
}

func (m *HTTPServerMetrics) ObserveSubmission(kind domain.WorkflowKind, status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	m.submissionsTotal.WithLabelValues(m.service, string(kind), status).Inc()
	m.submissionDuration.WithLabelValues(m.service, string(kind)).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) ObserveGated(kind domain.WorkflowKind, results []domain.GatedResult) {
	stats := domain.Aggregate(results)
	for _, slice := range stats.Distribution() {
		if slice.Count == 0 {
			continue
		}
		m.gatedResultsTotal.WithLabelValues(m.service, string(kind), slice.Key).Add(float64(slice.Count))
	}
}

func (m *HTTPServerMetrics) ObserveImageHydration(outcome string) {
	m.imageHydration.WithLabelValues(m.service, outcome).Inc()
}

func (m *HTTPServerMetrics) ObserveDelete(outcome string, count int) {
	if count <= 0 {
		return
	}
	m.historyDeletes.WithLabelValues(m.service, outcome).Add(float64(count))
}

// ObserveBreaker matches resilience.StateObserver.
func (m *HTTPServerMetrics) ObserveBreaker(operation string, _ gobreaker.State, to gobreaker.State) {
	var value float64
	switch to {
	case gobreaker.StateHalfOpen:
		value = 1
	case gobreaker.StateOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(value)
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
