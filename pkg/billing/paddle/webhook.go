package paddle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// notification is a Paddle Billing webhook notification
type notification struct {
	EventID    string           `json:"event_id"`
	EventType  string           `json:"event_type"`
	OccurredAt time.Time        `json:"occurred_at"`
	Data       notificationData `json:"data"`
}

type notificationData struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Origin         string `json:"origin"`
	SubscriptionID string `json:"subscription_id"`
	CustomData     struct {
		UserID        string `json:"user_id"`
		EntitlementID string `json:"entitlement_id"`
	} `json:"custom_data"`
	Items []struct {
		Price struct {
			ID        string `json:"id"`
			ProductID string `json:"product_id"`
		} `json:"price"`
	} `json:"items"`
	StartedAt            *time.Time `json:"started_at"`
	CanceledAt           *time.Time `json:"canceled_at"`
	PausedAt             *time.Time `json:"paused_at"`
	CurrentBillingPeriod *period    `json:"current_billing_period"`
	BillingPeriod        *period    `json:"billing_period"`
	ScheduledChange      *struct {
		Action      string     `json:"action"`
		EffectiveAt *time.Time `json:"effective_at"`
	} `json:"scheduled_change"`
}

type period struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

const (
	originRecurring      = "subscription_recurring"
	scheduledCancel      = "cancel"
	platformWeb          = "web"
	eventSubscriptionUpd = "subscription.updated"
	statusActive         = "active"
	statusPaused         = "paused"
)

// parseNotification validates the raw body against the schema and decodes it
func parseNotification(body []byte) (*notification, error) {
	if err := payloadSchema.Validate(body); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("failed to parse notification: %w", err)
	}
	n.EventID = strings.TrimSpace(n.EventID)
	n.EventType = strings.ToLower(strings.TrimSpace(n.EventType))
	return &n, nil
}

func (n *notification) eventType() paysync.EventType {
	switch n.EventType {
	case "subscription.created", "subscription.activated":
		return paysync.EventInitialPurchase
	case "subscription.resumed":
		return paysync.EventRenewal
	case "transaction.completed":
		if n.Data.Origin == originRecurring {
			return paysync.EventRenewal
		}
	case eventSubscriptionUpd:
		switch {
		case n.cancelScheduled():
			return paysync.EventCancellation
		case n.status() == statusPaused:
			return paysync.EventExpiration
		case n.status() == statusActive && n.Data.CurrentBillingPeriod != nil:
			// Covers a removed scheduled cancel, which must restore auto-renew.
			return paysync.EventRenewal
		}
		return paysync.EventProductChange
	case "subscription.canceled", "subscription.paused":
		return paysync.EventExpiration
	case "subscription.past_due", "transaction.payment_failed":
		return paysync.EventBillingIssue
	}
	return paysync.EventUnknown
}

func (n *notification) status() string {
	return strings.ToLower(strings.TrimSpace(n.Data.Status))
}

func (n *notification) cancelScheduled() bool {
	sc := n.Data.ScheduledChange
	return sc != nil && strings.EqualFold(sc.Action, scheduledCancel)
}

func (n *notification) productID() string {
	for _, item := range n.Data.Items {
		if id := strings.TrimSpace(item.Price.ProductID); id != "" {
			return id
		}
	}
	return ""
}

// billingPeriod is the subscription's current period, or the billed period
// for transactions.
func (n *notification) billingPeriod() *period {
	if n.Data.CurrentBillingPeriod != nil {
		return n.Data.CurrentBillingPeriod
	}
	return n.Data.BillingPeriod
}

func (n *notification) purchasedAt(typ paysync.EventType) time.Time {
	if typ == paysync.EventRenewal {
		if bp := n.billingPeriod(); bp != nil && !bp.StartsAt.IsZero() {
			return bp.StartsAt.UTC()
		}
	}
	if n.Data.StartedAt != nil {
		return n.Data.StartedAt.UTC()
	}
	return time.Time{}
}

func (n *notification) expiresAt(typ paysync.EventType) *time.Time {
	var t time.Time
	switch {
	case typ == paysync.EventCancellation && n.Data.ScheduledChange.EffectiveAt != nil:
		t = *n.Data.ScheduledChange.EffectiveAt
	case typ == paysync.EventExpiration && n.Data.CanceledAt != nil:
		t = *n.Data.CanceledAt
	case typ == paysync.EventExpiration && n.Data.PausedAt != nil:
		t = *n.Data.PausedAt
	default:
		bp := n.billingPeriod()
		if bp == nil || bp.EndsAt.IsZero() {
			return nil
		}
		t = bp.EndsAt
	}
	t = t.UTC()
	return &t
}
