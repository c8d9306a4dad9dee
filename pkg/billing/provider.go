package billing

import (
	"net/http"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Provider is the interface every billing backend implements.
// A provider verifies and records its own webhooks and decodes the stored
// payloads into provider-neutral events for the processor.
type Provider interface {
	WebhookSource
	paysync.Decoder

	// Name returns the provider name (e.g., "revenuecat", "paddle")
	Name() string

	// WebhookHandler returns the HTTP handler that receives real-time events.
	WebhookHandler() http.Handler
}

// WebhookSource is the provider-specific part of webhook intake.
type WebhookSource interface {
	// Source identifies the provider in the ledger
	Source() paysync.Source

	// Verify authenticates the request using the raw, unmodified body.
	Verify(r *http.Request, body []byte) error

	// Envelope extracts the ledger key fields from a verified body.
	Envelope(body []byte) (Envelope, error)
}

// Envelope is the minimal information needed to record a delivery.
type Envelope struct {
	// ExternalID is the provider's unique event id
	ExternalID string

	// EventType is the provider-specific event type, stored for audit
	EventType string

	// Test marks connectivity checks that are acknowledged but not recorded
	Test bool
}

// Decoders builds the processor decoder table from a set of providers.
func Decoders(providers ...Provider) map[paysync.Source]paysync.Decoder {
	out := make(map[paysync.Source]paysync.Decoder, len(providers))
	for _, p := range providers {
		out[p.Source()] = p
	}
	return out
}
