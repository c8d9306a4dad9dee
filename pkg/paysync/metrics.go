package paysync

import "time"

// Metrics defines the interface for tracking event processing.
// All methods are optional - a nil Metrics in a Config is replaced by NoopMetrics.
type Metrics interface {
	// RecordEventProcessed records the outcome of one processing attempt.
	// outcome: "succeeded", "failed", "retry" or "skipped"
	RecordEventProcessed(source, eventType, outcome string)

	// RecordProcessingDuration records how long processing one event took.
	RecordProcessingDuration(source, eventType string, duration time.Duration)

	// RecordEntitlementTransition records a status change of an entitlement.
	// from is "none" when the entitlement was created.
	RecordEntitlementTransition(from, to string)

	// RecordStaleEvent records an entitlement change skipped by the ordering guard.
	RecordStaleEvent(source, eventType string)

	// RecordSweep records one reconciliation sweep.
	RecordSweep(found, recovered int)

	// RecordQueueDepth records the current dispatch queue depth.
	RecordQueueDepth(depth int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEventProcessed(_, _, _ string)                   {}
func (n *NoopMetrics) RecordProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordEntitlementTransition(_, _ string)               {}
func (n *NoopMetrics) RecordStaleEvent(_, _ string)                          {}
func (n *NoopMetrics) RecordSweep(_, _ int)                                  {}
func (n *NoopMetrics) RecordQueueDepth(_ int)                                {}
