package paysync

import (
	"context"
	"time"
)

// Ledger is the idempotency ledger for inbound webhook events.
// Rows are never deleted; they form the audit trail.
type Ledger interface {
	// InsertPending records a new delivery with status pending.
	// Returns false without error when a row for the same key already exists.
	// Uniqueness must be enforced by the backend so concurrent inserts race
	// to a single winner.
	InsertPending(ctx context.Context, ev *WebhookEvent) (bool, error)

	// GetEvent returns the ledger row for key or ErrEventNotFound
	GetEvent(ctx context.Context, key EventKey) (*WebhookEvent, error)

	// MarkStatus finalizes a pending row outside of Commit (terminal failures).
	// Returns ErrEventNotPending when the row is no longer pending.
	MarkStatus(ctx context.Context, key EventKey, status EventStatus, errMsg string) error

	// RecordAttempt increments the attempt counter and stores the last error
	// while leaving the row pending. Returns the new attempt count, or
	// ErrEventNotPending when the row is no longer pending.
	RecordAttempt(ctx context.Context, key EventKey, errMsg string) (int, error)

	// ListPending returns pending rows received before olderThan, oldest first
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*WebhookEvent, error)

	// Requeue moves a failed row back to pending and resets its attempts.
	// Returns ErrEventNotFailed for rows in any other status.
	Requeue(ctx context.Context, key EventKey) error
}

// EntitlementReader is the read-only query side of the entitlement store.
type EntitlementReader interface {
	// GetEntitlement returns the entitlement or ErrEntitlementNotFound
	GetEntitlement(ctx context.Context, userID, entitlementID string) (*Entitlement, error)

	// ListEntitlements returns all entitlements of a user (empty when none)
	ListEntitlements(ctx context.Context, userID string) ([]*Entitlement, error)
}

// UserDirectory looks up users owned by the surrounding application.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	IsPremium(ctx context.Context, userID string) (bool, error)
}

// Committer applies one event's writes as a single atomic unit.
type Committer interface {
	// Commit must, atomically:
	//   - lock the ledger row for c.Key and fail with ErrEventNotPending unless it is pending
	//   - for each change, read the current entitlement under lock; skip it as stale when
	//     c.OccurredAt is not after its LastEventAt; otherwise store Apply(current) with
	//     LastEventAt = c.OccurredAt
	//   - when at least one change was stored, apply c.Premium to the user
	//   - mark the ledger row succeeded
	Commit(ctx context.Context, c *Commit) (*CommitResult, error)
}

// Storage is everything the engine needs from a persistence backend.
type Storage interface {
	Ledger
	EntitlementReader
	UserDirectory
	Committer
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }
