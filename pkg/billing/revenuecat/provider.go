package revenuecat

import (
	_ "embed"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/billing/internal"
	"github.com/mihaimyh/paysync/pkg/billing/signature"
	"github.com/mihaimyh/paysync/pkg/paysync"
)

const providerName = "revenuecat"

//go:embed schema.json
var schemaDoc []byte

var payloadSchema = internal.MustCompileSchema("revenuecat.json", schemaDoc)

// Provider implements billing.Provider for RevenueCat.
// Webhooks authenticate with a static bearer token configured in the
// RevenueCat dashboard.
type Provider struct {
	receiver      *billing.Receiver
	rateLimiter   *internal.RateLimiter
	mapper        *billing.EntitlementMapper
	webhookSecret []byte
	metrics       billing.Metrics
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Receiver == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config = config.WithDefaults()

	// Allow the secret to be configured with its "Bearer " prefix. The prefix
	// is stripped before trimming so "Bearer " alone leaves nothing.
	secret := strings.TrimLeft(config.WebhookSecret, " \t")
	if strings.HasPrefix(strings.ToLower(secret), "bearer ") {
		secret = secret[len("bearer "):]
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: missing webhook secret", billing.ErrProviderNotConfigured)
	}

	p := &Provider{
		receiver:      config.Receiver,
		rateLimiter:   internal.NewRateLimiter(config.RateLimit.Requests, config.RateLimit.Window),
		mapper:        billing.NewEntitlementMapper(config.EntitlementMapping, config.DefaultEntitlement),
		webhookSecret: []byte(secret),
		metrics:       config.Metrics,
	}
	p.rateLimiter.OnLimited = func(string) {
		p.metrics.RecordWebhookError(providerName, "rate_limited")
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Source returns the ledger source of RevenueCat events
func (p *Provider) Source() paysync.Source {
	return paysync.SourceRevenueCat
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(p.receiver.Handler(p))
}

// Verify checks the Authorization bearer token
func (p *Provider) Verify(r *http.Request, _ []byte) error {
	if err := signature.VerifyBearer(r.Header.Get("Authorization"), p.webhookSecret); err != nil {
		return fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	}
	return nil
}

// Envelope extracts the event id and type. TEST events are flagged so they
// are acknowledged without being recorded.
func (p *Provider) Envelope(body []byte) (billing.Envelope, error) {
	payload, err := parseWebhookPayload(body)
	if err != nil {
		return billing.Envelope{}, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	return billing.Envelope{
		ExternalID: payload.Event.ID,
		EventType:  payload.Event.Type,
		Test:       payload.Event.Type == testEventType,
	}, nil
}

// Decode implements paysync.Decoder for stored RevenueCat payloads
func (p *Provider) Decode(raw []byte) (*paysync.Event, error) {
	payload, err := parseWebhookPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paysync.ErrInvalidPayload, err)
	}

	ev := &paysync.Event{
		Source:         paysync.SourceRevenueCat,
		ExternalID:     payload.Event.ID,
		Type:           payload.eventType(),
		RawType:        payload.Event.Type,
		CandidateIDs:   payload.candidateIDs(),
		EntitlementIDs: p.entitlementIDs(payload),
		ProductID:      payload.productID(),
		Platform:       strings.ToLower(strings.TrimSpace(payload.Event.Store)),
		PurchasedAt:    parseEventTimestamp(payload.purchaseTimestamp()),
		OccurredAt:     parseEventTimestamp(payload.eventTimestamp()),
	}
	if payload.Event.ExpirationAtMs > 0 {
		exp := parseEventTimestamp(payload.Event.ExpirationAtMs)
		ev.ExpiresAt = &exp
	}
	return ev, nil
}

// entitlementIDs prefers the entitlements named in the event, then the
// configured product mapping.
func (p *Provider) entitlementIDs(payload *webhookPayload) []string {
	ids := paysync.NormalizeCandidates(payload.Event.EntitlementIDs)
	if len(ids) > 0 {
		return ids
	}
	if id := strings.TrimSpace(payload.Event.EntitlementID); id != "" {
		return []string{id}
	}
	if id := p.mapper.Map(payload.Event.ProductID); id != "" {
		return []string{id}
	}
	return nil
}
