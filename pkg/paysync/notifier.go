package paysync

import (
	"context"
	"time"
)

// NotificationKind classifies downstream notifications
type NotificationKind string

const (
	NotifyEntitlementChanged NotificationKind = "entitlement_changed"
	NotifyBillingIssue       NotificationKind = "billing_issue"
	NotifyEventFailed        NotificationKind = "event_failed"
)

// Notification is emitted after an event has been processed.
type Notification struct {
	Kind          NotificationKind
	Key           EventKey
	UserID        string
	EntitlementID string
	EventType     EventType
	OccurredAt    time.Time

	// Entitlement is the new state for entitlement_changed, nil otherwise
	Entitlement *Entitlement
	// Previous is the state before the change (nil when the row was created)
	Previous *Entitlement
	// Reason carries the error message for event_failed
	Reason string
}

// Notifier receives notifications for alerting and downstream sync.
// Errors are logged and never affect the ledger.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) error { return nil }
