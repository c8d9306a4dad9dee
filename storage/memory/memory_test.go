package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingEvent(id string, receivedAt time.Time) *paysync.WebhookEvent {
	return &paysync.WebhookEvent{
		Source:     paysync.SourcePaddle,
		ExternalID: id,
		EventType:  "subscription.created",
		RawPayload: []byte(`{"event_id":"` + id + `"}`),
		ReceivedAt: receivedAt,
	}
}

func activate(expires time.Time) func(*paysync.Entitlement) *paysync.Entitlement {
	return func(cur *paysync.Entitlement) *paysync.Entitlement {
		next := cur
		if next == nil {
			next = &paysync.Entitlement{}
		}
		next.Status = paysync.EntitlementActive
		next.ExpirationDate = &expires
		return next
	}
}

func TestStorage_InsertPending_Dedup(t *testing.T) {
	storage := New(WithClock(fixedClock{t0}))
	ctx := context.Background()

	inserted, err := storage.InsertPending(ctx, pendingEvent("evt_1", t0))
	if err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	if !inserted {
		t.Fatal("Expected first insert to create the row")
	}

	dup := pendingEvent("evt_1", t0.Add(time.Minute))
	dup.RawPayload = []byte(`{"changed":true}`)
	inserted, err = storage.InsertPending(ctx, dup)
	if err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	if inserted {
		t.Error("Expected duplicate insert to be ignored")
	}

	row, err := storage.GetEvent(ctx, paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"})
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if string(row.RawPayload) != `{"event_id":"evt_1"}` {
		t.Errorf("Payload was overwritten: %s", row.RawPayload)
	}
	if row.Status != paysync.StatusPending {
		t.Errorf("Expected pending, got %s", row.Status)
	}
}

func TestStorage_InsertPending_ConcurrentSingleWinner(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := storage.InsertPending(ctx, pendingEvent("evt_race", t0))
			if err != nil {
				t.Errorf("InsertPending failed: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", wins)
	}
	if storage.EventCount() != 1 {
		t.Errorf("Expected 1 row, got %d", storage.EventCount())
	}
}

func TestStorage_SameIDDifferentSource(t *testing.T) {
	storage := New()
	ctx := context.Background()

	a := pendingEvent("evt_1", t0)
	b := pendingEvent("evt_1", t0)
	b.Source = paysync.SourceRevenueCat

	for _, ev := range []*paysync.WebhookEvent{a, b} {
		ok, err := storage.InsertPending(ctx, ev)
		if err != nil || !ok {
			t.Fatalf("Expected insert for %s, got ok=%v err=%v", ev.Source, ok, err)
		}
	}
	if storage.EventCount() != 2 {
		t.Errorf("Expected 2 rows, got %d", storage.EventCount())
	}
}

func TestStorage_MarkStatusAndRequeue(t *testing.T) {
	storage := New(WithClock(fixedClock{t0}))
	ctx := context.Background()
	key := paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"}

	if err := storage.MarkStatus(ctx, key, paysync.StatusFailed, "x"); !errors.Is(err, paysync.ErrEventNotFound) {
		t.Errorf("Expected ErrEventNotFound, got %v", err)
	}

	if _, err := storage.InsertPending(ctx, pendingEvent("evt_1", t0)); err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	if err := storage.Requeue(ctx, key); !errors.Is(err, paysync.ErrEventNotFailed) {
		t.Errorf("Expected ErrEventNotFailed for pending row, got %v", err)
	}

	attempts, err := storage.RecordAttempt(ctx, key, "db down")
	if err != nil || attempts != 1 {
		t.Fatalf("RecordAttempt: attempts=%d err=%v", attempts, err)
	}

	if err := storage.MarkStatus(ctx, key, paysync.StatusFailed, "no user"); err != nil {
		t.Fatalf("MarkStatus failed: %v", err)
	}
	row, _ := storage.GetEvent(ctx, key)
	if row.Status != paysync.StatusFailed || row.ErrorMessage != "no user" || row.ProcessedAt == nil {
		t.Errorf("Unexpected failed row: %+v", row)
	}

	if err := storage.MarkStatus(ctx, key, paysync.StatusFailed, "again"); !errors.Is(err, paysync.ErrEventNotPending) {
		t.Errorf("Expected ErrEventNotPending, got %v", err)
	}
	if _, err := storage.RecordAttempt(ctx, key, "again"); !errors.Is(err, paysync.ErrEventNotPending) {
		t.Errorf("Expected ErrEventNotPending, got %v", err)
	}

	if err := storage.Requeue(ctx, key); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	row, _ = storage.GetEvent(ctx, key)
	if row.Status != paysync.StatusPending || row.Attempts != 0 || row.ProcessedAt != nil {
		t.Errorf("Unexpected requeued row: %+v", row)
	}
}

func TestStorage_ListPending(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for i, id := range []string{"evt_c", "evt_a", "evt_b"} {
		if _, err := storage.InsertPending(ctx, pendingEvent(id, t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("InsertPending failed: %v", err)
		}
	}
	_ = storage.MarkStatus(ctx, paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_a"},
		paysync.StatusFailed, "x")

	rows, err := storage.ListPending(ctx, t0.Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(rows) != 2 || rows[0].ExternalID != "evt_c" || rows[1].ExternalID != "evt_b" {
		t.Errorf("Unexpected pending rows: %v", rows)
	}

	rows, _ = storage.ListPending(ctx, t0.Add(30*time.Second), 10)
	if len(rows) != 1 {
		t.Errorf("Expected 1 row older than cutoff, got %d", len(rows))
	}

	rows, _ = storage.ListPending(ctx, t0.Add(10*time.Minute), 1)
	if len(rows) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(rows))
	}
}

func TestStorage_Commit(t *testing.T) {
	storage := New(WithClock(fixedClock{t0}))
	ctx := context.Background()
	storage.AddUser("user1")

	if _, err := storage.InsertPending(ctx, pendingEvent("evt_1", t0)); err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}

	expires := t0.Add(30 * 24 * time.Hour)
	res, err := storage.Commit(ctx, &paysync.Commit{
		Key:        paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"},
		UserID:     "user1",
		OccurredAt: t0,
		Changes:    []paysync.EntitlementChange{{EntitlementID: "premium", Apply: activate(expires)}},
		Premium:    paysync.PremiumGrant,
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(res.Applied) != 1 || res.Previous[0] != nil || !res.PremiumChanged {
		t.Errorf("Unexpected commit result: %+v", res)
	}

	ent, err := storage.GetEntitlement(ctx, "user1", "premium")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent.Status != paysync.EntitlementActive || !ent.LastEventAt.Equal(t0) || ent.UserID != "user1" {
		t.Errorf("Unexpected entitlement: %+v", ent)
	}
	premium, _ := storage.IsPremium(ctx, "user1")
	if !premium {
		t.Error("Expected premium to be granted")
	}

	row, _ := storage.GetEvent(ctx, paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"})
	if row.Status != paysync.StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", row.Status)
	}

	// finalized rows cannot be committed twice
	_, err = storage.Commit(ctx, &paysync.Commit{
		Key:    paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"},
		UserID: "user1",
	})
	if !errors.Is(err, paysync.ErrEventNotPending) {
		t.Errorf("Expected ErrEventNotPending, got %v", err)
	}
}

func TestStorage_Commit_StaleGuard(t *testing.T) {
	storage := New(WithClock(fixedClock{t0}))
	ctx := context.Background()
	storage.AddUser("user1")

	commit := func(id string, occurred time.Time, premium paysync.PremiumChange) *paysync.CommitResult {
		t.Helper()
		if _, err := storage.InsertPending(ctx, pendingEvent(id, t0)); err != nil {
			t.Fatalf("InsertPending failed: %v", err)
		}
		res, err := storage.Commit(ctx, &paysync.Commit{
			Key:        paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: id},
			UserID:     "user1",
			OccurredAt: occurred,
			Changes:    []paysync.EntitlementChange{{EntitlementID: "premium", Apply: activate(occurred.Add(time.Hour))}},
			Premium:    premium,
		})
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		return res
	}

	commit("evt_new", t0.Add(time.Hour), paysync.PremiumGrant)

	res := commit("evt_old", t0, paysync.PremiumRevoke)
	if len(res.Applied) != 0 || len(res.Stale) != 1 || res.PremiumChanged {
		t.Errorf("Expected older event to be stale, got %+v", res)
	}
	res = commit("evt_same", t0.Add(time.Hour), paysync.PremiumRevoke)
	if len(res.Stale) != 1 {
		t.Errorf("Expected equal timestamp to be stale, got %+v", res)
	}

	premium, _ := storage.IsPremium(ctx, "user1")
	if !premium {
		t.Error("Stale events must not change premium")
	}
	row, _ := storage.GetEvent(ctx, paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_old"})
	if row.Status != paysync.StatusSucceeded {
		t.Errorf("Stale event row should be finalized, got %s", row.Status)
	}
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.AddUser("user1")
	if _, err := storage.InsertPending(ctx, pendingEvent("evt_1", t0)); err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	res, err := storage.Commit(ctx, &paysync.Commit{
		Key:        paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"},
		UserID:     "user1",
		OccurredAt: t0,
		Changes:    []paysync.EntitlementChange{{EntitlementID: "premium", Apply: activate(t0)}},
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	res.Applied[0].Status = paysync.EntitlementExpired

	ent, _ := storage.GetEntitlement(ctx, "user1", "premium")
	if ent.Status != paysync.EntitlementActive {
		t.Error("Mutating a commit result must not change stored state")
	}

	ents, err := storage.ListEntitlements(ctx, "nobody")
	if err != nil || len(ents) != 0 {
		t.Errorf("Expected empty list, got %v, %v", ents, err)
	}
}
