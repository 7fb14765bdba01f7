package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the delivery engine
type Metrics struct {
	// Dispatch counters
	SendsTotal        *prometheus.CounterVec
	SendFailuresTotal *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	ThrottledTotal    prometheus.Counter

	// Engagement counters
	EventsTotal          *prometheus.CounterVec
	EventsDuplicateTotal prometheus.Counter
	EventsUnknownTotal   prometheus.Counter
	SuppressionsTotal    *prometheus.CounterVec

	// Dispatch gauges
	CampaignsActive   prometheus.Gauge
	RecipientsPending prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailward_sends_total",
				Help: "Total number of messages accepted by the provider",
			},
			[]string{"variant"},
		),
		SendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailward_send_failures_total",
				Help: "Total number of send failures",
			},
			[]string{"error_type"},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailward_retries_total",
				Help: "Total number of sends requeued for retry",
			},
		),
		ThrottledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailward_throttled_total",
				Help: "Total number of dispatch passes skipped by rate limiting",
			},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailward_events_total",
				Help: "Total number of engagement events applied",
			},
			[]string{"event_type", "provider"},
		),
		EventsDuplicateTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailward_events_duplicate_total",
				Help: "Total number of duplicate events dropped",
			},
		),
		EventsUnknownTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailward_events_unknown_total",
				Help: "Total number of events that matched no recipient",
			},
		),
		SuppressionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailward_suppressions_total",
				Help: "Total number of addresses added to the suppression registry",
			},
			[]string{"reason"},
		),
		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailward_campaigns_active",
				Help: "Number of campaigns currently being dispatched",
			},
		),
		RecipientsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailward_recipients_pending",
				Help: "Number of recipients awaiting dispatch across active campaigns",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailward_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailward_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendFailuresTotal,
		m.RetriesTotal,
		m.ThrottledTotal,
		m.EventsTotal,
		m.EventsDuplicateTotal,
		m.EventsUnknownTotal,
		m.SuppressionsTotal,
		m.CampaignsActive,
		m.RecipientsPending,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
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

// IncSends increments the accepted-send counter
func IncSends(variant string) {
	if m := Global(); m != nil {
		if variant == "" {
			variant = "none"
		}
		m.SendsTotal.WithLabelValues(variant).Inc()
	}
}

// IncSendFailures increments the send failure counter
func IncSendFailures(errorType string) {
	if m := Global(); m != nil {
		m.SendFailuresTotal.WithLabelValues(errorType).Inc()
	}
}

// IncRetries increments the retry counter
func IncRetries() {
	if m := Global(); m != nil {
		m.RetriesTotal.Inc()
	}
}

// IncThrottled increments the rate-limit skip counter
func IncThrottled() {
	if m := Global(); m != nil {
		m.ThrottledTotal.Inc()
	}
}

// IncEvents increments the applied-event counter
func IncEvents(eventType, provider string) {
	if m := Global(); m != nil {
		m.EventsTotal.WithLabelValues(eventType, provider).Inc()
	}
}

// IncEventsDuplicate increments the duplicate-event counter
func IncEventsDuplicate() {
	if m := Global(); m != nil {
		m.EventsDuplicateTotal.Inc()
	}
}

// IncEventsUnknown increments the unmatched-event counter
func IncEventsUnknown() {
	if m := Global(); m != nil {
		m.EventsUnknownTotal.Inc()
	}
}

// IncSuppressions increments the suppression counter
func IncSuppressions(reason string) {
	if m := Global(); m != nil {
		m.SuppressionsTotal.WithLabelValues(reason).Inc()
	}
}

// SetCampaignsActive sets the active campaign gauge
func SetCampaignsActive(n int) {
	if m := Global(); m != nil {
		m.CampaignsActive.Set(float64(n))
	}
}

// SetRecipientsPending sets the pending recipient gauge
func SetRecipientsPending(n int) {
	if m := Global(); m != nil {
		m.RecipientsPending.Set(float64(n))
	}
}
