package revenuecat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// webhookPayload represents the RevenueCat webhook payload structure
type webhookPayload struct {
	APIVersion string `json:"api_version"`
	Event      struct {
		ID                string   `json:"id"`
		Type              string   `json:"type"`
		AppUserID         string   `json:"app_user_id"`
		OriginalAppUserID string   `json:"original_app_user_id"`
		Aliases           []string `json:"aliases"`
		EntitlementID     string   `json:"entitlement_id"`
		EntitlementIDs    []string `json:"entitlement_ids"`
		ProductID         string   `json:"product_id"`
		NewProductID      string   `json:"new_product_id"`
		Store             string   `json:"store"`
		Environment       string   `json:"environment"`
		PurchasedAtMs     int64    `json:"purchased_at_ms"`
		PurchaseDateMs    int64    `json:"purchase_date_ms"`
		ExpirationAtMs    int64    `json:"expiration_at_ms"`
		EventTimestampMs  int64    `json:"event_timestamp_ms"`
		TimestampMs       int64    `json:"timestamp_ms"`
	} `json:"event"`
}

// eventTypes maps RevenueCat event types to lifecycle events
var eventTypes = map[string]paysync.EventType{
	"INITIAL_PURCHASE": paysync.EventInitialPurchase,
	"RENEWAL":          paysync.EventRenewal,
	"UNCANCELLATION":   paysync.EventRenewal,
	"CANCELLATION":     paysync.EventCancellation,
	"EXPIRATION":       paysync.EventExpiration,
	"BILLING_ISSUE":    paysync.EventBillingIssue,
	"PRODUCT_CHANGE":   paysync.EventProductChange,
}

const testEventType = "TEST"

// parseWebhookPayload validates the raw body against the schema and decodes it
func parseWebhookPayload(body []byte) (*webhookPayload, error) {
	if err := payloadSchema.Validate(body); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	payload.Event.ID = strings.TrimSpace(payload.Event.ID)
	payload.Event.Type = strings.ToUpper(strings.TrimSpace(payload.Event.Type))
	return &payload, nil
}

func (p *webhookPayload) eventType() paysync.EventType {
	if t, ok := eventTypes[p.Event.Type]; ok {
		return t
	}
	return paysync.EventUnknown
}

// candidateIDs lists every identifier RevenueCat knows the user by.
// Order: current app user id, original id, then aliases.
func (p *webhookPayload) candidateIDs() []string {
	ids := []string{p.Event.AppUserID, p.Event.OriginalAppUserID}
	ids = append(ids, p.Event.Aliases...)
	return paysync.NormalizeCandidates(ids)
}

func (p *webhookPayload) productID() string {
	if p.eventType() == paysync.EventProductChange && strings.TrimSpace(p.Event.NewProductID) != "" {
		return strings.TrimSpace(p.Event.NewProductID)
	}
	return strings.TrimSpace(p.Event.ProductID)
}

func (p *webhookPayload) purchaseTimestamp() int64 {
	if p.Event.PurchasedAtMs > 0 {
		return p.Event.PurchasedAtMs
	}
	return p.Event.PurchaseDateMs
}

func (p *webhookPayload) eventTimestamp() int64 {
	if p.Event.EventTimestampMs > 0 {
		return p.Event.EventTimestampMs
	}
	return p.Event.TimestampMs
}

// parseEventTimestamp converts a millisecond timestamp to time.Time
func parseEventTimestamp(timestampMs int64) time.Time {
	if timestampMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(timestampMs).UTC()
}
