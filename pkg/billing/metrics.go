package billing

import "time"

// Metrics defines the interface for tracking webhook intake.
// All methods are optional - a nil Metrics is replaced by NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery received from a billing provider.
	// status: "accepted", "duplicate", "test" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long acknowledging a webhook took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a rejected or failed webhook.
	// errorType: e.g. "auth_failed", "invalid_payload", "payload_too_large",
	// "ledger_error", "dispatch_failed", "rate_limited"
	RecordWebhookError(provider, errorType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
