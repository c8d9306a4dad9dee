package paysync

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the billing provider that delivered a webhook.
type Source string

const (
	// SourceRevenueCat is the bearer-token authenticated mobile subscription provider
	SourceRevenueCat Source = "revenuecat"
	// SourcePaddle is the HMAC-signed web checkout provider
	SourcePaddle Source = "paddle"
)

// ParseSource converts a string to a known Source.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceRevenueCat:
		return SourceRevenueCat, nil
	case SourcePaddle:
		return SourcePaddle, nil
	default:
		return "", fmt.Errorf("unknown source %q", s)
	}
}

// EventType is the provider-neutral lifecycle event kind
type EventType string

const (
	EventInitialPurchase EventType = "initial_purchase"
	EventRenewal         EventType = "renewal"
	EventCancellation    EventType = "cancellation"
	EventExpiration      EventType = "expiration"
	EventBillingIssue    EventType = "billing_issue"
	EventProductChange   EventType = "product_change"
	EventUnknown         EventType = "unknown"
)

// Known reports whether the event type has a defined transition.
func (t EventType) Known() bool {
	switch t {
	case EventInitialPurchase, EventRenewal, EventCancellation,
		EventExpiration, EventBillingIssue, EventProductChange:
		return true
	}
	return false
}

// EventStatus is the processing status of a ledger row
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusSucceeded EventStatus = "succeeded"
	StatusFailed    EventStatus = "failed"
)

// EntitlementStatus is the current state of a user's entitlement
type EntitlementStatus string

const (
	EntitlementActive       EntitlementStatus = "active"
	EntitlementCancelled    EntitlementStatus = "cancelled"
	EntitlementExpired      EntitlementStatus = "expired"
	EntitlementBillingIssue EntitlementStatus = "billing_issue"
)

// EventKey identifies a webhook delivery in the ledger.
type EventKey struct {
	Source     Source
	ExternalID string
}

func (k EventKey) String() string {
	return string(k.Source) + ":" + k.ExternalID
}

// WebhookEvent is a ledger row. RawPayload is stored verbatim so the event
// can be decoded again by the sweeper or inspected later.
type WebhookEvent struct {
	Source       Source
	ExternalID   string
	EventType    string
	RawPayload   []byte
	Status       EventStatus
	Attempts     int
	ReceivedAt   time.Time
	ProcessedAt  *time.Time
	ErrorMessage string
}

// Key returns the ledger key of the row
func (e *WebhookEvent) Key() EventKey {
	return EventKey{Source: e.Source, ExternalID: e.ExternalID}
}

// Entitlement is the per-user, per-entitlement subscription state.
type Entitlement struct {
	UserID         string
	EntitlementID  string
	ProductID      string
	Status         EntitlementStatus
	Platform       string
	PurchaseDate   time.Time
	ExpirationDate *time.Time
	AutoRenew      bool

	// LastEventAt is the provider timestamp of the newest event applied to
	// this row. Events at or before it are not applied.
	LastEventAt time.Time
	UpdatedAt   time.Time
}

// Grants reports whether the entitlement currently unlocks the feature.
// A cancelled subscription keeps access until it expires.
func (e *Entitlement) Grants(now time.Time) bool {
	if e == nil {
		return false
	}
	if e.Status != EntitlementActive && e.Status != EntitlementCancelled {
		return false
	}
	return e.ExpirationDate == nil || e.ExpirationDate.After(now)
}

// Clone returns a deep copy.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.ExpirationDate != nil {
		exp := *e.ExpirationDate
		c.ExpirationDate = &exp
	}
	return &c
}

// Event is a decoded provider event in provider-neutral form.
type Event struct {
	Source     Source
	ExternalID string
	Type       EventType
	RawType    string

	// CandidateIDs are tried in order against the local user table.
	CandidateIDs   []string
	EntitlementIDs []string

	ProductID   string
	Platform    string
	PurchasedAt time.Time
	ExpiresAt   *time.Time
	OccurredAt  time.Time
}

// Key returns the ledger key the event was recorded under.
func (e *Event) Key() EventKey {
	return EventKey{Source: e.Source, ExternalID: e.ExternalID}
}

// Validate checks the fields the processor relies on.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.ExternalID) == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.RawType)
	}
	if len(e.CandidateIDs) == 0 {
		return fmt.Errorf("%w: no user identifiers", ErrInvalidPayload)
	}
	if len(e.EntitlementIDs) == 0 {
		return fmt.Errorf("%w: no entitlement identifiers", ErrInvalidPayload)
	}
	return nil
}

// PremiumChange describes what an event does to the user's premium flag
type PremiumChange int

const (
	PremiumUnchanged PremiumChange = iota
	PremiumGrant
	PremiumRevoke
)

// Commit is one event's complete set of writes, applied atomically by the storage.
type Commit struct {
	Key        EventKey
	UserID     string
	OccurredAt time.Time
	Changes    []EntitlementChange
	Premium    PremiumChange
}

// EntitlementChange computes the next state of one entitlement from its
// current state (nil when absent). Returning nil leaves the row untouched.
// Apply must be pure: some backends retry transactions.
type EntitlementChange struct {
	EntitlementID string
	Apply         func(current *Entitlement) *Entitlement
}

// CommitResult reports what a Commit actually changed.
type CommitResult struct {
	// Applied holds the new state of every entitlement that was written
	Applied []*Entitlement
	// Previous holds the prior state for each Applied entry (nil when created)
	Previous []*Entitlement
	// Stale lists entitlement ids skipped because a newer event was already applied
	Stale []string
	// PremiumChanged is true when the user's premium flag was written
	PremiumChanged bool
}
