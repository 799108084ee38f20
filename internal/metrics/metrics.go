package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for newsmail
type Metrics struct {
	// Delivery counters
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesSkippedTotal *prometheus.CounterVec
	BatchesTotal         *prometheus.CounterVec
	RateLimitedTotal     *prometheus.CounterVec
	CapturedTotal        *prometheus.CounterVec

	// Mailing gauges
	MailingsScheduled prometheus.Gauge
	MailingsSending   prometheus.Gauge

	// Tracking
	JumpRequestsTotal          *prometheus.CounterVec
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	HTTPErrorsTotal            *prometheus.CounterVec

	// Bounces
	BouncesTotal               *prometheus.CounterVec
	RecipientsDeactivatedTotal prometheus.Counter

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_messages_sent_total",
				Help: "Total number of messages accepted by the relay",
			},
			[]string{"source"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_messages_failed_total",
				Help: "Total number of messages the relay refused",
			},
			[]string{"source", "error_type"},
		),
		MessagesSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_messages_skipped_total",
				Help: "Total number of recipients left without content or address",
			},
			[]string{"source"},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_batches_total",
				Help: "Total number of dispatch batches by outcome",
			},
			[]string{"result"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_rate_limited_total",
				Help: "Total number of sends postponed by a send limit",
			},
			[]string{"level"},
		),
		CapturedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_sandbox_captured_total",
				Help: "Total number of messages captured or redirected by the sandbox transport",
			},
			[]string{"mode"},
		),

		MailingsScheduled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsmail_mailings_scheduled",
				Help: "Number of mailings waiting for their first batch",
			},
		),
		MailingsSending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsmail_mailings_sending",
				Help: "Number of mailings currently being delivered",
			},
		),

		JumpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_jump_requests_total",
				Help: "Total number of tracked link and pixel hits by outcome",
			},
			[]string{"type"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_http_errors_total",
				Help: "Total number of HTTP error responses",
			},
			[]string{"error_type"},
		),

		BouncesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmail_bounces_total",
				Help: "Total number of bounce messages by reason code",
			},
			[]string{"reason"},
		),
		RecipientsDeactivatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "newsmail_recipients_deactivated_total",
				Help: "Total number of recipients deactivated after hard bounces",
			},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsmail_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsmail_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsmail_storage_used_bytes",
				Help: "Size of the SQLite database in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSkippedTotal,
		m.BatchesTotal,
		m.RateLimitedTotal,
		m.CapturedTotal,
		m.MailingsScheduled,
		m.MailingsSending,
		m.JumpRequestsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.HTTPErrorsTotal,
		m.BouncesTotal,
		m.RecipientsDeactivatedTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(source string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(source).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(source, errorType string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(source, errorType).Inc()
	}
}

func IncMessagesSkipped(source string) {
	if m := Global(); m != nil {
		m.MessagesSkippedTotal.WithLabelValues(source).Inc()
	}
}

// IncBatches counts a finished batch. result is done, locked or error.
func IncBatches(result string) {
	if m := Global(); m != nil {
		m.BatchesTotal.WithLabelValues(result).Inc()
	}
}

// IncJumpRequests counts a tracking hit by outcome
func IncJumpRequests(kind string) {
	if m := Global(); m != nil {
		m.JumpRequestsTotal.WithLabelValues(kind).Inc()
	}
}

// IncBounces counts a processed bounce by its reason code
func IncBounces(reason string) {
	if m := Global(); m != nil {
		m.BouncesTotal.WithLabelValues(reason).Inc()
	}
}

func IncRecipientsDeactivated() {
	if m := Global(); m != nil {
		m.RecipientsDeactivatedTotal.Inc()
	}
}

// IncRateLimited counts a send postponed at the given limit level
func IncRateLimited(level string) {
	if m := Global(); m != nil {
		m.RateLimitedTotal.WithLabelValues(level).Inc()
	}
}

func IncCaptured(mode string) {
	if m := Global(); m != nil {
		m.CapturedTotal.WithLabelValues(mode).Inc()
	}
}
