package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Metrics implements paysync.Metrics using Prometheus.
type Metrics struct {
	eventsProcessedTotal       *prometheus.CounterVec
	processingDuration         *prometheus.HistogramVec
	entitlementTransitions     *prometheus.CounterVec
	staleEventsTotal           *prometheus.CounterVec
	sweepRowsFound             prometheus.Counter
	sweepRowsRecovered         prometheus.Counter
	sweepsTotal                prometheus.Counter
	queueDepth                 prometheus.Gauge
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ paysync.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of webhook event processing attempts by outcome.",
		}, []string{"source", "event_type", "outcome"}),

		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Latency of webhook event processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source", "event_type"}),

		entitlementTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_transitions_total",
			Help:      "Total number of entitlement status transitions.",
		}, []string{"from", "to"}),

		staleEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Total number of entitlement changes skipped because a newer event was already applied.",
		}, []string{"source", "event_type"}),

		sweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total number of reconciliation sweeps.",
		}),

		sweepRowsFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_found_total",
			Help:      "Total number of stale pending rows found by sweeps.",
		}),

		sweepRowsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_recovered_total",
			Help:      "Total number of pending rows finalized by sweeps.",
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Current number of events waiting in the dispatch queue.",
		}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of storage circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordEventProcessed(source, eventType, outcome string) {
	m.eventsProcessedTotal.WithLabelValues(source, eventType, outcome).Inc()
}

func (m *Metrics) RecordProcessingDuration(source, eventType string, duration time.Duration) {
	m.processingDuration.WithLabelValues(source, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordEntitlementTransition(from, to string) {
	m.entitlementTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordStaleEvent(source, eventType string) {
	m.staleEventsTotal.WithLabelValues(source, eventType).Inc()
}

func (m *Metrics) RecordSweep(found, recovered int) {
	m.sweepsTotal.Inc()
	m.sweepRowsFound.Add(float64(found))
	m.sweepRowsRecovered.Add(float64(recovered))
}

func (m *Metrics) RecordQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// RecordCircuitBreakerStateChange can be passed to paysync.NewDefaultCircuitBreaker.
func (m *Metrics) RecordCircuitBreakerStateChange(state paysync.CircuitBreakerState) {
	m.circuitBreakerStateChanges.WithLabelValues(string(state)).Inc()
}
