// Package memory provides an in-memory implementation of the paysync.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Storage implements paysync.Storage using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	events       map[paysync.EventKey]*paysync.WebhookEvent
	entitlements map[string]*paysync.Entitlement
	users        map[string]bool // user id -> premium
	clock        paysync.Clock
}

var _ paysync.Storage = (*Storage)(nil)

// Option configures the in-memory storage
type Option func(*Storage)

// WithClock sets the clock used for ProcessedAt and UpdatedAt timestamps
func WithClock(c paysync.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// New creates a new in-memory storage adapter
func New(opts ...Option) *Storage {
	s := &Storage{
		events:       make(map[paysync.EventKey]*paysync.WebhookEvent),
		entitlements: make(map[string]*paysync.Entitlement),
		users:        make(map[string]bool),
		clock:        paysync.SystemClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser registers a local user. The user table is owned by the application;
// this helper stands in for it in tests and development.
func (s *Storage) AddUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = false
	}
}

// EventCount returns the number of ledger rows
func (s *Storage) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// InsertPending implements paysync.Ledger
func (s *Storage) InsertPending(_ context.Context, ev *paysync.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.Key()
	if _, exists := s.events[key]; exists {
		return false, nil
	}

	row := copyEvent(ev)
	row.Status = paysync.StatusPending
	row.Attempts = 0
	row.ProcessedAt = nil
	row.ErrorMessage = ""
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = s.clock.Now()
	}
	s.events[key] = row
	return true, nil
}

// GetEvent implements paysync.Ledger
func (s *Storage) GetEvent(_ context.Context, key paysync.EventKey) (*paysync.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.events[key]
	if !ok {
		return nil, paysync.ErrEventNotFound
	}
	return copyEvent(row), nil
}

// MarkStatus implements paysync.Ledger
func (s *Storage) MarkStatus(_ context.Context, key paysync.EventKey, status paysync.EventStatus,
	errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.pendingRow(key)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	row.Status = status
	row.ErrorMessage = errMsg
	row.ProcessedAt = &now
	return nil
}

// RecordAttempt implements paysync.Ledger
func (s *Storage) RecordAttempt(_ context.Context, key paysync.EventKey, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.pendingRow(key)
	if err != nil {
		return 0, err
	}
	row.Attempts++
	row.ErrorMessage = errMsg
	return row.Attempts, nil
}

// ListPending implements paysync.Ledger
func (s *Storage) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*paysync.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*paysync.WebhookEvent
	for _, row := range s.events {
		if row.Status == paysync.StatusPending && row.ReceivedAt.Before(olderThan) {
			rows = append(rows, copyEvent(row))
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ReceivedAt.Equal(rows[j].ReceivedAt) {
			return rows[i].Key().String() < rows[j].Key().String()
		}
		return rows[i].ReceivedAt.Before(rows[j].ReceivedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Requeue implements paysync.Ledger
func (s *Storage) Requeue(_ context.Context, key paysync.EventKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.events[key]
	if !ok {
		return paysync.ErrEventNotFound
	}
	if row.Status != paysync.StatusFailed {
		return paysync.ErrEventNotFailed
	}
	row.Status = paysync.StatusPending
	row.Attempts = 0
	row.ProcessedAt = nil
	return nil
}

// GetEntitlement implements paysync.EntitlementReader
func (s *Storage) GetEntitlement(_ context.Context, userID, entitlementID string) (*paysync.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[entitlementKey(userID, entitlementID)]
	if !ok {
		return nil, paysync.ErrEntitlementNotFound
	}
	return ent.Clone(), nil
}

// ListEntitlements implements paysync.EntitlementReader
func (s *Storage) ListEntitlements(_ context.Context, userID string) ([]*paysync.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ents := make([]*paysync.Entitlement, 0)
	for _, ent := range s.entitlements {
		if ent.UserID == userID {
			ents = append(ents, ent.Clone())
		}
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].EntitlementID < ents[j].EntitlementID })
	return ents, nil
}

// UserExists implements paysync.UserDirectory
func (s *Storage) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok, nil
}

// IsPremium implements paysync.UserDirectory
func (s *Storage) IsPremium(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	premium, ok := s.users[userID]
	if !ok {
		return false, paysync.ErrUserNotFound
	}
	return premium, nil
}

// Commit implements paysync.Committer. The storage-wide lock makes the
// whole commit atomic.
func (s *Storage) Commit(_ context.Context, c *paysync.Commit) (*paysync.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.pendingRow(c.Key)
	if err != nil {
		return nil, err
	}
	if _, ok := s.users[c.UserID]; !ok {
		return nil, paysync.ErrUserNotFound
	}

	now := s.clock.Now()
	res := &paysync.CommitResult{}
	for _, ch := range c.Changes {
		key := entitlementKey(c.UserID, ch.EntitlementID)
		cur := s.entitlements[key]
		if cur != nil && !c.OccurredAt.After(cur.LastEventAt) {
			res.Stale = append(res.Stale, ch.EntitlementID)
			continue
		}
		next := ch.Apply(cur.Clone())
		if next == nil {
			continue
		}
		next.UserID = c.UserID
		next.EntitlementID = ch.EntitlementID
		next.LastEventAt = c.OccurredAt
		next.UpdatedAt = now
		s.entitlements[key] = next.Clone()
		res.Applied = append(res.Applied, next)
		res.Previous = append(res.Previous, cur.Clone())
	}

	if len(res.Applied) > 0 && c.Premium != paysync.PremiumUnchanged {
		s.users[c.UserID] = c.Premium == paysync.PremiumGrant
		res.PremiumChanged = true
	}

	row.Status = paysync.StatusSucceeded
	row.ErrorMessage = ""
	row.ProcessedAt = &now
	return res, nil
}

func (s *Storage) pendingRow(key paysync.EventKey) (*paysync.WebhookEvent, error) {
	row, ok := s.events[key]
	if !ok {
		return nil, paysync.ErrEventNotFound
	}
	if row.Status != paysync.StatusPending {
		return nil, paysync.ErrEventNotPending
	}
	return row, nil
}

func entitlementKey(userID, entitlementID string) string {
	return userID + "\x00" + entitlementID
}

func copyEvent(ev *paysync.WebhookEvent) *paysync.WebhookEvent {
	c := *ev
	c.RawPayload = append([]byte(nil), ev.RawPayload...)
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
