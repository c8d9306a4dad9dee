package paysync

import (
	"fmt"
	"time"
)

// BillingIssuePolicy decides what a billing_issue event does to access.
type BillingIssuePolicy string

const (
	// BillingIssueNotify leaves the entitlement untouched and only emits a notification.
	// Providers keep retrying the charge during their grace period.
	BillingIssueNotify BillingIssuePolicy = "notify"

	// BillingIssueSuspend sets the entitlement status to billing_issue and revokes premium
	BillingIssueSuspend BillingIssuePolicy = "suspend"
)

// BuildCommit computes the writes for a resolved event. It performs no I/O;
// the returned Apply functions run inside the storage transaction.
func BuildCommit(ev *Event, userID string, policy BillingIssuePolicy) (*Commit, error) {
	c := &Commit{
		Key:        ev.Key(),
		UserID:     userID,
		OccurredAt: ev.OccurredAt,
	}

	var apply func(entitlementID string) func(*Entitlement) *Entitlement

	switch ev.Type {
	case EventInitialPurchase, EventRenewal:
		apply = func(id string) func(*Entitlement) *Entitlement {
			return func(cur *Entitlement) *Entitlement {
				next := baseEntitlement(cur, userID, id, ev)
				next.Status = EntitlementActive
				next.PurchaseDate = ev.PurchasedAt
				if next.PurchaseDate.IsZero() {
					next.PurchaseDate = ev.OccurredAt
				}
				next.ExpirationDate = copyTime(ev.ExpiresAt)
				next.AutoRenew = true
				return next
			}
		}
		c.Premium = PremiumGrant

	case EventCancellation:
		apply = func(id string) func(*Entitlement) *Entitlement {
			return func(cur *Entitlement) *Entitlement {
				next := baseEntitlement(cur, userID, id, ev)
				next.Status = EntitlementCancelled
				next.AutoRenew = false
				if ev.ExpiresAt != nil {
					next.ExpirationDate = copyTime(ev.ExpiresAt)
				}
				return next
			}
		}

	case EventExpiration:
		apply = func(id string) func(*Entitlement) *Entitlement {
			return func(cur *Entitlement) *Entitlement {
				next := baseEntitlement(cur, userID, id, ev)
				next.Status = EntitlementExpired
				next.AutoRenew = false
				if ev.ExpiresAt != nil {
					next.ExpirationDate = copyTime(ev.ExpiresAt)
				}
				return next
			}
		}
		c.Premium = PremiumRevoke

	case EventBillingIssue:
		if policy != BillingIssueSuspend {
			// notification only, the ledger row is still finalized by Commit
			return c, nil
		}
		apply = func(id string) func(*Entitlement) *Entitlement {
			return func(cur *Entitlement) *Entitlement {
				if cur == nil {
					return nil
				}
				next := cur.Clone()
				next.Status = EntitlementBillingIssue
				return next
			}
		}
		c.Premium = PremiumRevoke

	case EventProductChange:
		apply = func(id string) func(*Entitlement) *Entitlement {
			return func(cur *Entitlement) *Entitlement {
				if cur == nil {
					return nil
				}
				next := cur.Clone()
				if ev.ProductID != "" {
					next.ProductID = ev.ProductID
				}
				if !ev.PurchasedAt.IsZero() {
					next.PurchaseDate = ev.PurchasedAt
				}
				if ev.ExpiresAt != nil {
					next.ExpirationDate = copyTime(ev.ExpiresAt)
				}
				return next
			}
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.RawType)
	}

	for _, id := range ev.EntitlementIDs {
		c.Changes = append(c.Changes, EntitlementChange{EntitlementID: id, Apply: apply(id)})
	}
	return c, nil
}

// baseEntitlement starts from a copy of the current row, or a new row when
// the entitlement does not exist yet.
func baseEntitlement(cur *Entitlement, userID, entitlementID string, ev *Event) *Entitlement {
	next := cur.Clone()
	if next == nil {
		next = &Entitlement{UserID: userID, EntitlementID: entitlementID}
	}
	if ev.ProductID != "" {
		next.ProductID = ev.ProductID
	}
	if ev.Platform != "" {
		next.Platform = ev.Platform
	}
	return next
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
