// Package metrics exposes Prometheus counters and histograms for ingestion,
// reference fetches, calibration runs and the HTTP API. All methods are safe
// on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	readingsIngested    *prometheus.CounterVec
	referenceFetches    *prometheus.CounterVec
	calibrationRuns     *prometheus.CounterVec
	calibrationDuration prometheus.Histogram
	forecasts           *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqi_readings_ingested_total",
			Help: "Raw readings ingested by source and outcome.",
		}, []string{"source", "outcome"}),
		referenceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqi_reference_fetches_total",
			Help: "Reference network fetches by outcome.",
		}, []string{"outcome"}),
		calibrationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqi_calibration_runs_total",
			Help: "Calibration runs by outcome kind.",
		}, []string{"outcome"}),
		calibrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aqi_calibration_duration_seconds",
			Help:    "Histogram of calibration run durations.",
			Buckets: prometheus.DefBuckets,
		}),
		forecasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqi_forecasts_total",
			Help: "Forecast requests by outcome kind.",
		}, []string{"outcome"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readingsIngested,
		m.referenceFetches,
		m.calibrationRuns,
		m.calibrationDuration,
		m.forecasts,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(duration)
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ReadingIngested counts one reading by transport and outcome
func (m *Metrics) ReadingIngested(source, outcome string) {
	if m == nil {
		return
	}
	m.readingsIngested.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ReferenceFetch(outcome string) {
	if m == nil {
		return
	}
	m.referenceFetches.WithLabelValues(outcome).Inc()
}

// CalibrationRun records a run; outcome is "ok" or the failure kind
func (m *Metrics) CalibrationRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.calibrationRuns.WithLabelValues(outcome).Inc()
	m.calibrationDuration.Observe(duration.Seconds())
}

func (m *Metrics) Forecast(outcome string) {
	if m == nil {
		return
	}
	m.forecasts.WithLabelValues(outcome).Inc()
}
