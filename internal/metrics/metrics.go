package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider records service metrics
type Provider interface {
	IncUploads(mode, result string)
	IncUploadAttempts(mode string)
	AddUploadBytes(mode string, n int64)
	ObserveUploadDuration(mode string, d time.Duration)
	SetQueueDepth(n int)
	IncRecordings(result string)
	ObserveRecordingDuration(d time.Duration)
	SetActiveRecordings(n int)
	IncRequestsTotal(endpoint string, status int)
	ObserveRequestDuration(endpoint string, d time.Duration)
	Handler() http.Handler
}

// PrometheusProvider registers collectors on a prometheus registry
type PrometheusProvider struct {
	registry          *prometheus.Registry
	uploadsTotal      *prometheus.CounterVec
	uploadAttempts    *prometheus.CounterVec
	uploadBytes       *prometheus.CounterVec
	uploadDuration    *prometheus.HistogramVec
	queueDepth        prometheus.Gauge
	recordingsTotal   *prometheus.CounterVec
	recordingDuration prometheus.Histogram
	activeRecordings  prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// New returns a Prometheus provider, or a noop one when disabled. A nil
// registry gets a fresh one.
func New(enabled bool, registry *prometheus.Registry) Provider {
	if !enabled {
		return Noop{}
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &PrometheusProvider{
		registry: registry,
		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recording_uploads_total",
			Help: "Finished uploads by mode and result",
		}, []string{"mode", "result"}),

		uploadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recording_upload_attempts_total",
			Help: "Individual storage put attempts",
		}, []string{"mode"}),

		uploadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recording_upload_bytes_total",
			Help: "Bytes durably stored",
		}, []string{"mode"}),

		uploadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recording_upload_duration_seconds",
			Help:    "Duration of successful uploads including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recording_upload_queue_depth",
			Help: "Chunks waiting for an upload worker",
		}),

		recordingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recording_sessions_total",
			Help: "Finished recordings by result",
		}, []string{"result"}),

		recordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recording_duration_seconds",
			Help:    "Recorded media duration excluding pauses",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 900},
		}),

		activeRecordings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recording_active",
			Help: "Recordings currently capturing",
		}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recording_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recording_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

func (m *PrometheusProvider) IncUploads(mode, result string) {
	m.uploadsTotal.WithLabelValues(mode, result).Inc()
}

func (m *PrometheusProvider) IncUploadAttempts(mode string) {
	m.uploadAttempts.WithLabelValues(mode).Inc()
}

func (m *PrometheusProvider) AddUploadBytes(mode string, n int64) {
	m.uploadBytes.WithLabelValues(mode).Add(float64(n))
}

func (m *PrometheusProvider) ObserveUploadDuration(mode string, d time.Duration) {
	m.uploadDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *PrometheusProvider) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *PrometheusProvider) IncRecordings(result string) {
	m.recordingsTotal.WithLabelValues(result).Inc()
}

func (m *PrometheusProvider) ObserveRecordingDuration(d time.Duration) {
	m.recordingDuration.Observe(d.Seconds())
}

func (m *PrometheusProvider) SetActiveRecordings(n int) {
	m.activeRecordings.Set(float64(n))
}

func (m *PrometheusProvider) IncRequestsTotal(endpoint string, status int) {
	m.requestsTotal.WithLabelValues(endpoint, StatusBucket(status)).Inc()
}

func (m *PrometheusProvider) ObserveRequestDuration(endpoint string, d time.Duration) {
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (m *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *PrometheusProvider) Registry() *prometheus.Registry {
	return m.registry
}

// StatusBucket collapses an HTTP status into its class label
func StatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards every observation
type Noop struct{}

func (Noop) IncUploads(_, _ string)                           {}
func (Noop) IncUploadAttempts(_ string)                       {}
func (Noop) AddUploadBytes(_ string, _ int64)                 {}
func (Noop) ObserveUploadDuration(_ string, _ time.Duration)  {}
func (Noop) SetQueueDepth(_ int)                              {}
func (Noop) IncRecordings(_ string)                           {}
func (Noop) ObserveRecordingDuration(_ time.Duration)         {}
func (Noop) SetActiveRecordings(_ int)                        {}
func (Noop) IncRequestsTotal(_ string, _ int)                 {}
func (Noop) ObserveRequestDuration(_ string, _ time.Duration) {}

func (Noop) Handler() http.Handler {
	return http.NotFoundHandler()
}
