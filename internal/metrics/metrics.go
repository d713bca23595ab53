package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the campaign engine
type Metrics struct {
	// Delivery counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	CampaignsTotal      *prometheus.CounterVec
	SendDuration        *prometheus.HistogramVec

	// Campaign gauges
	CampaignsDue      prometheus.Gauge
	CampaignsSending  prometheus.Gauge
	CampaignsByStatus *prometheus.GaugeVec

	// Scheduler
	SchedulerPollsTotal *prometheus.CounterVec

	// OAuth
	TokenRefreshesTotal *prometheus.CounterVec

	// Tracking
	OpensTotal         *prometheus.CounterVec
	WebhookEventsTotal *prometheus.CounterVec

	// Sink SMTP server
	SMTPAuthSuccessTotal prometheus.Counter
	SMTPAuthFailedTotal  prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

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
				Name: "campaigner_messages_sent_total",
				Help: "Total number of messages accepted by a provider",
			},
			[]string{"provider"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_messages_failed_total",
				Help: "Total number of recipients marked failed",
			},
			[]string{"provider", "error_type"},
		),
		CampaignsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_campaigns_finished_total",
				Help: "Total number of campaigns finished, by final status",
			},
			[]string{"status"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaigner_send_duration_seconds",
				Help:    "Time spent handing one message to a provider",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),

		CampaignsDue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaigner_campaigns_due",
				Help: "Number of queued or scheduled campaigns that are due",
			},
		),
		CampaignsSending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaigner_campaigns_sending",
				Help: "Number of campaigns currently being delivered",
			},
		),
		CampaignsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "campaigner_campaigns",
				Help: "Number of stored campaigns by status",
			},
			[]string{"status"},
		),

		SchedulerPollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_scheduler_polls_total",
				Help: "Total number of scheduler polls by result",
			},
			[]string{"result"},
		),

		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_token_refreshes_total",
				Help: "Total number of OAuth token refreshes",
			},
			[]string{"provider", "result"},
		),

		OpensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_opens_total",
				Help: "Total number of tracking pixel hits by outcome",
			},
			[]string{"outcome"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_webhook_events_total",
				Help: "Total number of forwarded open events by result",
			},
			[]string{"sink", "result"},
		),

		SMTPAuthSuccessTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaigner_sink_auth_success_total",
				Help: "Total number of successful sink SMTP authentications",
			},
		),
		SMTPAuthFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaigner_sink_auth_failed_total",
				Help: "Total number of failed sink SMTP authentications",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaigner_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaigner_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaigner_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaigner_account_storage_bytes",
				Help: "Account store file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.CampaignsTotal,
		m.SendDuration,
		m.CampaignsDue,
		m.CampaignsSending,
		m.CampaignsByStatus,
		m.SchedulerPollsTotal,
		m.TokenRefreshesTotal,
		m.OpensTotal,
		m.WebhookEventsTotal,
		m.SMTPAuthSuccessTotal,
		m.SMTPAuthFailedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
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
func IncMessagesSent(provider string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(provider, errorType string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(provider, errorType).Inc()
	}
}

// ObserveSend records how long a provider call took
func ObserveSend(provider string, seconds float64) {
	if m := Global(); m != nil {
		m.SendDuration.WithLabelValues(provider).Observe(seconds)
	}
}

// IncCampaignsFinished counts a campaign reaching a final status
func IncCampaignsFinished(status string) {
	if m := Global(); m != nil {
		m.CampaignsTotal.WithLabelValues(status).Inc()
	}
}

// IncCampaignsSending marks a campaign as in delivery
func IncCampaignsSending() {
	if m := Global(); m != nil {
		m.CampaignsSending.Inc()
	}
}

// DecCampaignsSending marks a campaign delivery as done
func DecCampaignsSending() {
	if m := Global(); m != nil {
		m.CampaignsSending.Dec()
	}
}

// SetCampaignsDue records the number of due campaigns seen by the last poll
func SetCampaignsDue(n int) {
	if m := Global(); m != nil {
		m.CampaignsDue.Set(float64(n))
	}
}

// IncSchedulerPolls counts a poll by result (run, busy, store_error)
func IncSchedulerPolls(result string) {
	if m := Global(); m != nil {
		m.SchedulerPollsTotal.WithLabelValues(result).Inc()
	}
}

// IncTokenRefreshes counts an OAuth refresh attempt
func IncTokenRefreshes(provider, result string) {
	if m := Global(); m != nil {
		m.TokenRefreshesTotal.WithLabelValues(provider, result).Inc()
	}
}

// IncOpens counts a tracking pixel hit by outcome
func IncOpens(outcome string) {
	if m := Global(); m != nil {
		m.OpensTotal.WithLabelValues(outcome).Inc()
	}
}

// IncWebhookEvents counts a forwarded open event
func IncWebhookEvents(sink, result string) {
	if m := Global(); m != nil {
		m.WebhookEventsTotal.WithLabelValues(sink, result).Inc()
	}
}

// IncSMTPAuthSuccess increments successful auth counter
func IncSMTPAuthSuccess() {
	if m := Global(); m != nil {
		m.SMTPAuthSuccessTotal.Inc()
	}
}

// IncSMTPAuthFailed increments failed auth counter
func IncSMTPAuthFailed() {
	if m := Global(); m != nil {
		m.SMTPAuthFailedTotal.Inc()
	}
}
