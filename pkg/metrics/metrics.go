// Package metrics wraps a Prometheus registry with the counters,
// histograms, and gauges the pipeline and scheduler report against. All
// recording methods are no-ops when the sink is disabled, so callers never
// need to branch on configuration themselves.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "llmgate"
	subsystem = "proxy"
)

// requestDurationBuckets is tuned for LLM completion latencies rather than
// typical web-request latencies (100ms - 30s).
var requestDurationBuckets = []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0}

// tokenCountBuckets spans small completions through large context windows.
var tokenCountBuckets = []float64{100, 500, 1000, 5000, 10000, 50000, 100000}

// Sink is the metrics surface exposed to the rest of the proxy. A nil or
// disabled Sink answers every recording call as a no-op.
type Sink struct {
	enabled  bool
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	tokensPerRequest *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec

	queueOverflowTotal *prometheus.CounterVec
	uploadRejectsTotal *prometheus.CounterVec

	schedulerQueued    *prometheus.GaugeVec
	schedulerRunning   *prometheus.GaugeVec
	schedulerReservoir *prometheus.GaugeVec
}

// New builds a Sink. When enabled is false, the Sink still exists (so
// callers can record unconditionally) but every method short-circuits.
func New(enabled bool) *Sink {
	registry := prometheus.NewRegistry()
	s := &Sink{
		enabled:  enabled,
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total proxied requests by endpoint, model and outcome status.",
			},
			[]string{"endpoint", "model", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end proxied request duration in seconds.",
				Buckets:   requestDurationBuckets,
			},
			[]string{"endpoint", "model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tokens_total",
				Help:      "Total tokens reported by upstream usage fields, by model and kind.",
			},
			[]string{"model", "kind"},
		),

		tokensPerRequest: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tokens_per_request",
				Help:      "Total tokens (prompt + completion) observed per completed request, by model.",
				Buckets:   tokenCountBuckets,
			},
			[]string{"model"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Total request errors by taxonomy code.",
			},
			[]string{"code"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upstream_retries_total",
				Help:      "Total upstream retry attempts by reason.",
			},
			[]string{"reason"},
		),

		queueOverflowTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_overflow_total",
				Help:      "Requests rejected because a scheduler queue was at high water, by limiter scope.",
			},
			[]string{"scope"},
		),

		uploadRejectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upload_quota_rejections_total",
				Help:      "Multipart uploads rejected for exceeding the per-principal concurrent upload quota.",
			},
			[]string{"principal"},
		),

		schedulerQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_queued",
				Help:      "Current queued request count per limiter scope.",
			},
			[]string{"scope"},
		),

		schedulerRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_running",
				Help:      "Current in-flight request count per limiter scope.",
			},
			[]string{"scope"},
		),

		schedulerReservoir: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_reservoir",
				Help:      "Remaining rate-limit reservoir per limiter scope.",
			},
			[]string{"scope"},
		),
	}

	registry.MustRegister(
		s.requestsTotal,
		s.requestDuration,
		s.tokensTotal,
		s.tokensPerRequest,
		s.errorsTotal,
		s.retriesTotal,
		s.queueOverflowTotal,
		s.uploadRejectsTotal,
		s.schedulerQueued,
		s.schedulerRunning,
		s.schedulerReservoir,
	)

	return s
}

// Enabled reports whether the sink is wired to an active registry.
func (s *Sink) Enabled() bool {
	return s != nil && s.enabled
}

// Handler returns the /metrics exposition handler. Callers should mount it
// only when Enabled() is true; it still works otherwise, just against an
// empty registry.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		Timeout:             0,
		MaxRequestsInFlight: 0,
		ErrorHandling:       promhttp.ContinueOnError,
	})
}

// RecordRequest records a single completed proxied request.
func (s *Sink) RecordRequest(endpoint, model, status string, d time.Duration) {
	if !s.Enabled() {
		return
	}
	s.requestsTotal.WithLabelValues(endpoint, model, status).Inc()
	s.requestDuration.WithLabelValues(endpoint, model).Observe(d.Seconds())
}

// RecordTokens records prompt/completion token usage parsed from an
// upstream response or SSE stream.
func (s *Sink) RecordTokens(model string, prompt, completion int) {
	if !s.Enabled() {
		return
	}
	if prompt > 0 {
		s.tokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		s.tokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	}
	if total := prompt + completion; total > 0 {
		s.tokensPerRequest.WithLabelValues(model).Observe(float64(total))
	}
}

// RecordError records an error by its taxonomy code (e.g. "InvalidKey",
// "QueueOverflow", "UpstreamStatusError").
func (s *Sink) RecordError(code string) {
	if !s.Enabled() {
		return
	}
	s.errorsTotal.WithLabelValues(code).Inc()
}

// RecordRetry records a single upstream retry attempt.
func (s *Sink) RecordRetry(reason string) {
	if !s.Enabled() {
		return
	}
	s.retriesTotal.WithLabelValues(reason).Inc()
}

// RecordQueueOverflow records a scheduler queue rejection for the given
// limiter scope ("global" or "per_user").
func (s *Sink) RecordQueueOverflow(scope string) {
	if !s.Enabled() {
		return
	}
	s.queueOverflowTotal.WithLabelValues(scope).Inc()
}

// RecordUploadRejected records an upload-quota rejection for a principal.
func (s *Sink) RecordUploadRejected(principal string) {
	if !s.Enabled() {
		return
	}
	s.uploadRejectsTotal.WithLabelValues(principal).Inc()
}

// SetSchedulerState publishes a limiter's current queue depth, in-flight
// count, and remaining reservoir under the given scope label.
func (s *Sink) SetSchedulerState(scope string, queued, running, reservoir int) {
	if !s.Enabled() {
		return
	}
	s.schedulerQueued.WithLabelValues(scope).Set(float64(queued))
	s.schedulerRunning.WithLabelValues(scope).Set(float64(running))
	s.schedulerReservoir.WithLabelValues(scope).Set(float64(reservoir))
}
