// Package metric defines the prometheus instrumentation for the
// pipeline. All metrics live under the "langhook" namespace and are
// registered against a caller-supplied registry so tests can isolate.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all pipeline metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Map pipeline.
	EventsProcessed *prometheus.CounterVec
	EventsMapped    *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	MapDuration     *prometheus.HistogramVec

	// Ingest.
	IngestRequests   *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec

	// LLM broker.
	LLMInvocations *prometheus.CounterVec
	LLMCostToday   prometheus.Gauge
	BudgetAlerts   *prometheus.CounterVec

	// Gate and delivery.
	GateEvaluations *prometheus.CounterVec
	GateDuration    *prometheus.HistogramVec
	WebhookSends    *prometheus.CounterVec

	// Event logging.
	EventLogRows prometheus.Counter

	// Broker connection.
	BrokerConnected prometheus.Gauge
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a Metrics instance on the given registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "map",
				Name:      "events_processed_total",
				Help:      "Raw events consumed by the map worker",
			},
			[]string{"source"},
		),
		EventsMapped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "map",
				Name:      "events_mapped_total",
				Help:      "Raw events successfully canonicalized",
			},
			[]string{"source"},
		),
		EventsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "map",
				Name:      "events_failed_total",
				Help:      "Raw events dead-lettered by the map worker",
			},
			[]string{"source", "reason"},
		),
		MapDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "langhook",
				Subsystem: "map",
				Name:      "duration_seconds",
				Help:      "Time from raw-event receipt to canonical publish",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		IngestRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "ingest",
				Name:      "requests_total",
				Help:      "Ingest requests by source and HTTP status",
			},
			[]string{"source", "status"},
		),
		RateLimitRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "ingest",
				Name:      "rate_limited_total",
				Help:      "Ingest requests rejected by the rate limiter",
			},
			[]string{"source"},
		),

		LLMInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "llm",
				Name:      "invocations_total",
				Help:      "LLM calls by prompt kind and outcome",
			},
			[]string{"kind", "status"},
		),
		LLMCostToday: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "langhook",
				Subsystem: "llm",
				Name:      "cost_today_usd",
				Help:      "Estimated LLM spend since UTC midnight",
			},
		),
		BudgetAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "llm",
				Name:      "budget_alerts_total",
				Help:      "Budget alerts by type",
			},
			[]string{"alert_type"},
		),

		GateEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "gate",
				Name:      "evaluations_total",
				Help:      "Gate evaluations by decision and failover reason",
			},
			[]string{"decision", "failover_reason"},
		),
		GateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "langhook",
				Subsystem: "gate",
				Name:      "duration_seconds",
				Help:      "Gate evaluation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		WebhookSends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "deliver",
				Name:      "webhook_sends_total",
				Help:      "Webhook delivery attempts by final outcome",
			},
			[]string{"outcome"},
		),

		EventLogRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "langhook",
				Subsystem: "eventlog",
				Name:      "rows_total",
				Help:      "Canonical event log rows written",
			},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "langhook",
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),
	}

	reg.MustRegister(
		m.EventsProcessed, m.EventsMapped, m.EventsFailed, m.MapDuration,
		m.IngestRequests, m.RateLimitRejects,
		m.LLMInvocations, m.LLMCostToday, m.BudgetAlerts,
		m.GateEvaluations, m.GateDuration, m.WebhookSends,
		m.EventLogRows, m.BrokerConnected,
	)
	return m
}

// Registry returns the prometheus registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveMapDuration records map-pipeline latency for a source.
func (m *Metrics) ObserveMapDuration(source string, d time.Duration) {
	m.MapDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveGateDuration records gate latency for a decision.
func (m *Metrics) ObserveGateDuration(decision string, d time.Duration) {
	m.GateDuration.WithLabelValues(decision).Observe(d.Seconds())
}

// RecordBrokerStatus updates the broker connection gauge.
func (m *Metrics) RecordBrokerStatus(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.BrokerConnected.Set(v)
}
