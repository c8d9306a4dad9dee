package paddle

import (
	_ "embed"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/billing/internal"
	"github.com/mihaimyh/paysync/pkg/billing/signature"
	"github.com/mihaimyh/paysync/pkg/paysync"
)

const (
	providerName = "paddle"

	// SignatureHeader carries "ts=<unix>;h1=<hex>"
	SignatureHeader = "Paddle-Signature"
)

//go:embed schema.json
var schemaDoc []byte

var payloadSchema = internal.MustCompileSchema("paddle.json", schemaDoc)

// Provider implements billing.Provider for Paddle Billing.
// Notifications are signed with HMAC-SHA256 over "<ts>:<body>" and rejected
// outside the replay window.
type Provider struct {
	receiver      *billing.Receiver
	rateLimiter   *internal.RateLimiter
	mapper        *billing.EntitlementMapper
	webhookSecret []byte
	replayWindow  time.Duration
	clock         paysync.Clock
	metrics       billing.Metrics
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Paddle billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Receiver == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config = config.WithDefaults()

	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: missing webhook secret", billing.ErrProviderNotConfigured)
	}

	p := &Provider{
		receiver:      config.Receiver,
		rateLimiter:   internal.NewRateLimiter(config.RateLimit.Requests, config.RateLimit.Window),
		mapper:        billing.NewEntitlementMapper(config.EntitlementMapping, config.DefaultEntitlement),
		webhookSecret: []byte(secret),
		replayWindow:  config.ReplayWindow,
		clock:         config.Clock,
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

// Source returns the ledger source of Paddle events
func (p *Provider) Source() paysync.Source {
	return paysync.SourcePaddle
}

// WebhookHandler returns the HTTP handler for Paddle notifications
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(p.receiver.Handler(p))
}

// Verify checks the Paddle-Signature header against the raw body
func (p *Provider) Verify(r *http.Request, body []byte) error {
	err := signature.VerifyTimestamped(r.Header.Get(SignatureHeader), body, p.webhookSecret,
		p.clock.Now(), p.replayWindow)
	if err != nil {
		return fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	}
	return nil
}

// Envelope extracts the notification's event id and type
func (p *Provider) Envelope(body []byte) (billing.Envelope, error) {
	n, err := parseNotification(body)
	if err != nil {
		return billing.Envelope{}, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	return billing.Envelope{ExternalID: n.EventID, EventType: n.EventType}, nil
}

// Decode implements paysync.Decoder for stored Paddle notifications
func (p *Provider) Decode(raw []byte) (*paysync.Event, error) {
	n, err := parseNotification(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paysync.ErrInvalidPayload, err)
	}

	typ := n.eventType()
	ev := &paysync.Event{
		Source:       paysync.SourcePaddle,
		ExternalID:   n.EventID,
		Type:         typ,
		RawType:      n.EventType,
		CandidateIDs: paysync.NormalizeCandidates([]string{n.Data.CustomData.UserID}),
		ProductID:    n.productID(),
		Platform:     platformWeb,
		OccurredAt:   n.OccurredAt.UTC(),
	}
	if typ != paysync.EventUnknown {
		ev.PurchasedAt = n.purchasedAt(typ)
		ev.ExpiresAt = n.expiresAt(typ)
	}
	if id := strings.TrimSpace(n.Data.CustomData.EntitlementID); id != "" {
		ev.EntitlementIDs = []string{id}
	} else if id := p.mapper.Map(ev.ProductID); id != "" {
		ev.EntitlementIDs = []string{id}
	}
	return ev, nil
}
