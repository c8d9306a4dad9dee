package paysync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paysync/pkg/paysync"
	"github.com/mihaimyh/paysync/storage/memory"
)

var t0 = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// testPayload is a minimal provider-neutral wire format for exercising the processor.
type testPayload struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Users        []string   `json:"users"`
	Entitlements []string   `json:"entitlements"`
	OccurredAt   time.Time  `json:"occurred_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

var testDecoder = paysync.DecoderFunc(func(raw []byte) (*paysync.Event, error) {
	var p testPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	typ := paysync.EventType(p.Type)
	if !typ.Known() {
		typ = paysync.EventUnknown
	}
	return &paysync.Event{
		ExternalID:     p.ID,
		Type:           typ,
		RawType:        p.Type,
		CandidateIDs:   p.Users,
		EntitlementIDs: p.Entitlements,
		ExpiresAt:      p.ExpiresAt,
		OccurredAt:     p.OccurredAt,
	}, nil
})

type recordingNotifier struct {
	mu    sync.Mutex
	items []paysync.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note paysync.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, note)
	return nil
}

func (n *recordingNotifier) kinds() []paysync.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]paysync.NotificationKind, 0, len(n.items))
	for _, it := range n.items {
		out = append(out, it.Kind)
	}
	return out
}

type harness struct {
	t         *testing.T
	store     *memory.Storage
	processor *paysync.Processor
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, cfg paysync.ProcessorConfig) *harness {
	t.Helper()
	store := memory.New(memory.WithClock(fixedClock{t0}))
	notifier := &recordingNotifier{}
	if cfg.Storage == nil {
		cfg.Storage = store
	}
	if cfg.Decoders == nil {
		cfg.Decoders = map[paysync.Source]paysync.Decoder{paysync.SourcePaddle: testDecoder}
	}
	cfg.Notifier = notifier
	p, err := paysync.NewProcessor(cfg)
	require.NoError(t, err)
	return &harness{t: t, store: store, processor: p, notifier: notifier}
}

func (h *harness) ingest(p testPayload) *paysync.WebhookEvent {
	h.t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(h.t, err)
	row := &paysync.WebhookEvent{
		Source:     paysync.SourcePaddle,
		ExternalID: p.ID,
		EventType:  p.Type,
		RawPayload: raw,
		ReceivedAt: t0,
	}
	inserted, err := h.store.InsertPending(context.Background(), row)
	require.NoError(h.t, err)
	require.True(h.t, inserted)
	stored, err := h.store.GetEvent(context.Background(), row.Key())
	require.NoError(h.t, err)
	return stored
}

func (h *harness) process(p testPayload) paysync.Outcome {
	h.t.Helper()
	outcome, err := h.processor.Process(context.Background(), h.ingest(p))
	require.NoError(h.t, err)
	return outcome
}

func (h *harness) status(id string) *paysync.WebhookEvent {
	h.t.Helper()
	row, err := h.store.GetEvent(context.Background(),
		paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: id})
	require.NoError(h.t, err)
	return row
}

func (h *harness) entitlement(userID string) *paysync.Entitlement {
	h.t.Helper()
	ent, err := h.store.GetEntitlement(context.Background(), userID, "premium")
	require.NoError(h.t, err)
	return ent
}

func (h *harness) premium(userID string) bool {
	h.t.Helper()
	premium, err := h.store.IsPremium(context.Background(), userID)
	require.NoError(h.t, err)
	return premium
}

func timePtr(t time.Time) *time.Time { return &t }

func TestProcessor_Lifecycle(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")
	month := 30 * 24 * time.Hour

	assert.Equal(t, paysync.OutcomeSucceeded, h.process(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"}, Entitlements: []string{"premium"},
		OccurredAt: t0, ExpiresAt: timePtr(t0.Add(month)),
	}))
	ent := h.entitlement("user1")
	assert.Equal(t, paysync.EntitlementActive, ent.Status)
	assert.True(t, ent.AutoRenew)
	assert.True(t, h.premium("user1"))
	assert.Equal(t, paysync.StatusSucceeded, h.status("evt_1").Status)

	h.process(testPayload{
		ID: "evt_2", Type: "renewal", Users: []string{"user1"}, Entitlements: []string{"premium"},
		OccurredAt: t0.Add(month), ExpiresAt: timePtr(t0.Add(2 * month)),
	})
	ent = h.entitlement("user1")
	assert.Equal(t, paysync.EntitlementActive, ent.Status)
	assert.True(t, ent.ExpirationDate.Equal(t0.Add(2*month)))

	h.process(testPayload{
		ID: "evt_3", Type: "cancellation", Users: []string{"user1"}, Entitlements: []string{"premium"},
		OccurredAt: t0.Add(month + time.Hour),
	})
	ent = h.entitlement("user1")
	assert.Equal(t, paysync.EntitlementCancelled, ent.Status)
	assert.False(t, ent.AutoRenew)
	assert.True(t, ent.ExpirationDate.Equal(t0.Add(2*month)))
	assert.True(t, h.premium("user1"), "cancellation keeps premium until expiry")

	h.process(testPayload{
		ID: "evt_4", Type: "expiration", Users: []string{"user1"}, Entitlements: []string{"premium"},
		OccurredAt: t0.Add(2 * month),
	})
	assert.Equal(t, paysync.EntitlementExpired, h.entitlement("user1").Status)
	assert.False(t, h.premium("user1"))

	changed := 0
	for _, k := range h.notifier.kinds() {
		if k == paysync.NotifyEntitlementChanged {
			changed++
		}
	}
	assert.Equal(t, 4, changed)
}

func TestProcessor_AliasResolution(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("uid_42")

	h.process(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"$RCAnonymousID:abc", "uid_42"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})

	assert.Equal(t, paysync.EntitlementActive, h.entitlement("uid_42").Status)
	_, err := h.store.GetEntitlement(context.Background(), "$RCAnonymousID:abc", "premium")
	assert.ErrorIs(t, err, paysync.ErrEntitlementNotFound)
}

func TestProcessor_UnresolvableIdentity(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})

	outcome := h.process(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"ghost"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})
	assert.Equal(t, paysync.OutcomeFailed, outcome)

	row := h.status("evt_1")
	assert.Equal(t, paysync.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, paysync.ErrUserNotFound.Error())
	assert.Equal(t, []paysync.NotificationKind{paysync.NotifyEventFailed}, h.notifier.kinds())

	ents, err := h.store.ListEntitlements(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestProcessor_OutOfOrderEvents(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")

	// expiration (t2) arrives before the renewal (t1 < t2)
	h.process(testPayload{
		ID: "evt_exp", Type: "expiration", Users: []string{"user1"}, Entitlements: []string{"premium"},
		OccurredAt: t0.Add(2 * time.Hour),
	})
	assert.Equal(t, paysync.OutcomeSucceeded, h.process(testPayload{
		ID: "evt_renew", Type: "renewal", Users: []string{"user1"}, Entitlements: []string{"premium"},
		OccurredAt: t0.Add(time.Hour), ExpiresAt: timePtr(t0.Add(24 * time.Hour)),
	}))

	ent := h.entitlement("user1")
	assert.Equal(t, paysync.EntitlementExpired, ent.Status)
	assert.True(t, ent.LastEventAt.Equal(t0.Add(2*time.Hour)))
	assert.False(t, h.premium("user1"))
	assert.Equal(t, paysync.StatusSucceeded, h.status("evt_renew").Status)
}

func TestProcessor_UnknownEventType(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")

	outcome := h.process(testPayload{
		ID: "evt_1", Type: "subscriber_alias", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})
	assert.Equal(t, paysync.OutcomeFailed, outcome)
	row := h.status("evt_1")
	assert.Equal(t, paysync.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "subscriber_alias")
}

func TestProcessor_MalformedPayloadAndMissingDecoder(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})

	row := &paysync.WebhookEvent{Source: paysync.SourcePaddle, ExternalID: "evt_bad", RawPayload: []byte("{"), ReceivedAt: t0}
	_, err := h.store.InsertPending(context.Background(), row)
	require.NoError(t, err)
	stored, _ := h.store.GetEvent(context.Background(), row.Key())
	outcome, err := h.processor.Process(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeFailed, outcome)

	rc := &paysync.WebhookEvent{Source: paysync.SourceRevenueCat, ExternalID: "evt_rc", RawPayload: []byte("{}"), ReceivedAt: t0}
	_, err = h.store.InsertPending(context.Background(), rc)
	require.NoError(t, err)
	stored, _ = h.store.GetEvent(context.Background(), rc.Key())
	outcome, err = h.processor.Process(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeFailed, outcome)

	stored, _ = h.store.GetEvent(context.Background(), rc.Key())
	assert.Contains(t, stored.ErrorMessage, paysync.ErrNoDecoder.Error())
}

func TestProcessor_OccurredAtFallsBackToReceivedAt(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")

	h.process(testPayload{ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"}, Entitlements: []string{"premium"}})
	assert.True(t, h.entitlement("user1").LastEventAt.Equal(t0))
}

func TestProcessor_SkipsFinalizedRows(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")

	row := h.ingest(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})
	outcome, err := h.processor.Process(context.Background(), row)
	require.NoError(t, err)
	require.Equal(t, paysync.OutcomeSucceeded, outcome)

	// stale copy of the row still says pending; the ledger lock rejects it
	outcome, err = h.processor.Process(context.Background(), row)
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeSkipped, outcome)

	require.NoError(t, h.processor.HandleKey(context.Background(), row.Key()))
	require.NoError(t, h.processor.HandleKey(context.Background(),
		paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "missing"}))
}

func TestProcessor_BillingIssuePolicies(t *testing.T) {
	issue := testPayload{
		ID: "evt_issue", Type: "billing_issue", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0.Add(time.Hour),
	}
	purchase := testPayload{
		ID: "evt_buy", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	}

	t.Run("notify", func(t *testing.T) {
		h := newHarness(t, paysync.ProcessorConfig{})
		h.store.AddUser("user1")
		h.process(purchase)

		assert.Equal(t, paysync.OutcomeSucceeded, h.process(issue))
		assert.Equal(t, paysync.EntitlementActive, h.entitlement("user1").Status)
		assert.True(t, h.premium("user1"))
		assert.Equal(t, paysync.StatusSucceeded, h.status("evt_issue").Status)
		assert.Contains(t, h.notifier.kinds(), paysync.NotifyBillingIssue)
	})

	t.Run("suspend", func(t *testing.T) {
		h := newHarness(t, paysync.ProcessorConfig{BillingIssuePolicy: paysync.BillingIssueSuspend})
		h.store.AddUser("user1")
		h.process(purchase)

		h.process(issue)
		assert.Equal(t, paysync.EntitlementBillingIssue, h.entitlement("user1").Status)
		assert.False(t, h.premium("user1"))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := paysync.NewProcessor(paysync.ProcessorConfig{
			Storage:            memory.New(),
			BillingIssuePolicy: "ignore",
		})
		assert.Error(t, err)
	})
}

// flakyStorage fails user lookups a fixed number of times.
type flakyStorage struct {
	*memory.Storage
	mu       sync.Mutex
	failures int
}

func (s *flakyStorage) UserExists(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return false, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Storage.UserExists(ctx, userID)
}

func TestProcessor_TransientFailureRetries(t *testing.T) {
	flaky := &flakyStorage{Storage: memory.New(memory.WithClock(fixedClock{t0})), failures: 1}
	flaky.AddUser("user1")
	h := newHarness(t, paysync.ProcessorConfig{Storage: flaky})
	h.store = flaky.Storage

	row := h.ingest(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})

	outcome, err := h.processor.Process(context.Background(), row)
	assert.Error(t, err)
	assert.Equal(t, paysync.OutcomeRetry, outcome)
	stored := h.status("evt_1")
	assert.Equal(t, paysync.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.ErrorMessage, "connection reset")

	outcome, err = h.processor.Process(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeSucceeded, outcome)
	assert.Equal(t, paysync.StatusSucceeded, h.status("evt_1").Status)
}

func TestProcessor_DeadLettersAfterMaxAttempts(t *testing.T) {
	flaky := &flakyStorage{Storage: memory.New(memory.WithClock(fixedClock{t0})), failures: 100}
	flaky.AddUser("user1")
	h := newHarness(t, paysync.ProcessorConfig{Storage: flaky, MaxAttempts: 2})
	h.store = flaky.Storage

	h.ingest(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})

	_, err := h.processor.Process(context.Background(), h.status("evt_1"))
	assert.Error(t, err)

	outcome, err := h.processor.Process(context.Background(), h.status("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeFailed, outcome)

	row := h.status("evt_1")
	assert.Equal(t, paysync.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "giving up after 2 attempts")

	// manual requeue returns it to pending
	require.NoError(t, h.store.Requeue(context.Background(), row.Key()))
	assert.Equal(t, paysync.StatusPending, h.status("evt_1").Status)
}

// vanishingUserStorage resolves users but loses them before the commit lands.
type vanishingUserStorage struct {
	*memory.Storage
}

func (s *vanishingUserStorage) Commit(context.Context, *paysync.Commit) (*paysync.CommitResult, error) {
	return nil, fmt.Errorf("commit: %w", paysync.ErrUserNotFound)
}

func TestProcessor_UserDeletedBeforeCommit(t *testing.T) {
	store := &vanishingUserStorage{Storage: memory.New(memory.WithClock(fixedClock{t0}))}
	store.AddUser("user1")
	h := newHarness(t, paysync.ProcessorConfig{Storage: store})
	h.store = store.Storage

	outcome := h.process(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})
	assert.Equal(t, paysync.OutcomeFailed, outcome)

	row := h.status("evt_1")
	assert.Equal(t, paysync.StatusFailed, row.Status)
	assert.Equal(t, 0, row.Attempts)
	assert.Contains(t, row.ErrorMessage, paysync.ErrUserNotFound.Error())
	assert.Equal(t, []paysync.NotificationKind{paysync.NotifyEventFailed}, h.notifier.kinds())
}

func TestProcessor_ConcurrentEventsForSameUser(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")

	var rows []*paysync.WebhookEvent
	for i := 0; i < 20; i++ {
		typ := "renewal"
		if i%2 == 1 {
			typ = "cancellation"
		}
		rows = append(rows, h.ingest(testPayload{
			ID:           "evt_" + string(rune('a'+i)),
			Type:         typ,
			Users:        []string{"user1"},
			Entitlements: []string{"premium"},
			OccurredAt:   t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	var wg sync.WaitGroup
	for _, row := range rows {
		wg.Add(1)
		go func(row *paysync.WebhookEvent) {
			defer wg.Done()
			if _, err := h.processor.Process(context.Background(), row); err != nil {
				t.Errorf("Process failed: %v", err)
			}
		}(row)
	}
	wg.Wait()

	ent := h.entitlement("user1")
	// newest event (i=19) is a cancellation and always wins
	assert.Equal(t, paysync.EntitlementCancelled, ent.Status)
	assert.True(t, ent.LastEventAt.Equal(t0.Add(19*time.Minute)))
}

func TestNewProcessor_RequiresStorage(t *testing.T) {
	_, err := paysync.NewProcessor(paysync.ProcessorConfig{})
	assert.ErrorIs(t, err, paysync.ErrStorageUnavailable)
}

func TestHasAccess(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")
	ctx := context.Background()

	ok, ent, err := paysync.HasAccess(ctx, h.store, "user1", "premium", t0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, ent)

	h.process(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"}, Entitlements: []string{"premium"},
		OccurredAt: t0, ExpiresAt: timePtr(t0.Add(time.Hour)),
	})

	ok, ent, err = paysync.HasAccess(ctx, h.store, "user1", "premium", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, ent)

	ok, _, err = paysync.HasAccess(ctx, h.store, "user1", "premium", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "access ends at expiration even before the expiration event arrives")
}
