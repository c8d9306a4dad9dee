package paysync

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

var _ Storage = (*CircuitBreakerStorage)(nil)

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) InsertPending(ctx context.Context, ev *WebhookEvent) (bool, error) {
	var inserted bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		inserted, e = s.storage.InsertPending(ctx, ev)
		return e
	})
	return inserted, err
}

func (s *CircuitBreakerStorage) GetEvent(ctx context.Context, key EventKey) (*WebhookEvent, error) {
	var ev *WebhookEvent
	err := s.cb.Execute(ctx, func() error {
		var e error
		ev, e = s.storage.GetEvent(ctx, key)
		return e
	})
	return ev, err
}

func (s *CircuitBreakerStorage) MarkStatus(ctx context.Context, key EventKey, status EventStatus, errMsg string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.MarkStatus(ctx, key, status, errMsg)
	})
}

func (s *CircuitBreakerStorage) RecordAttempt(ctx context.Context, key EventKey, errMsg string) (int, error) {
	var attempts int
	err := s.cb.Execute(ctx, func() error {
		var e error
		attempts, e = s.storage.RecordAttempt(ctx, key, errMsg)
		return e
	})
	return attempts, err
}

func (s *CircuitBreakerStorage) ListPending(ctx context.Context, olderThan time.Time,
	limit int) ([]*WebhookEvent, error) {
	var rows []*WebhookEvent
	err := s.cb.Execute(ctx, func() error {
		var e error
		rows, e = s.storage.ListPending(ctx, olderThan, limit)
		return e
	})
	return rows, err
}

func (s *CircuitBreakerStorage) Requeue(ctx context.Context, key EventKey) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.Requeue(ctx, key)
	})
}

func (s *CircuitBreakerStorage) GetEntitlement(ctx context.Context, userID, entitlementID string) (*Entitlement, error) {
	var ent *Entitlement
	err := s.cb.Execute(ctx, func() error {
		var e error
		ent, e = s.storage.GetEntitlement(ctx, userID, entitlementID)
		return e
	})
	return ent, err
}

func (s *CircuitBreakerStorage) ListEntitlements(ctx context.Context, userID string) ([]*Entitlement, error) {
	var ents []*Entitlement
	err := s.cb.Execute(ctx, func() error {
		var e error
		ents, e = s.storage.ListEntitlements(ctx, userID)
		return e
	})
	return ents, err
}

func (s *CircuitBreakerStorage) UserExists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		ok, e = s.storage.UserExists(ctx, userID)
		return e
	})
	return ok, err
}

func (s *CircuitBreakerStorage) IsPremium(ctx context.Context, userID string) (bool, error) {
	var premium bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		premium, e = s.storage.IsPremium(ctx, userID)
		return e
	})
	return premium, err
}

func (s *CircuitBreakerStorage) Commit(ctx context.Context, c *Commit) (*CommitResult, error) {
	var res *CommitResult
	err := s.cb.Execute(ctx, func() error {
		var e error
		res, e = s.storage.Commit(ctx, c)
		return e
	})
	return res, err
}
