package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/paysync"
	"github.com/mihaimyh/paysync/storage/memory"
)

// stubSource accepts any request carrying the X-Test-Auth header and reads
// "<id>|<type>" bodies.
type stubSource struct{}

func (stubSource) Source() paysync.Source { return paysync.SourcePaddle }

func (stubSource) Verify(r *http.Request, _ []byte) error {
	if r.Header.Get("X-Test-Auth") != "ok" {
		return billing.ErrInvalidWebhookSignature
	}
	return nil
}

func (stubSource) Envelope(body []byte) (billing.Envelope, error) {
	id, typ, ok := strings.Cut(string(body), "|")
	if !ok || id == "" {
		return billing.Envelope{}, billing.ErrMissingEventID
	}
	return billing.Envelope{ExternalID: id, EventType: typ, Test: typ == "test"}, nil
}

type failingLedger struct {
	*memory.Storage
}

func (failingLedger) InsertPending(context.Context, *paysync.WebhookEvent) (bool, error) {
	return false, errors.New("connection refused")
}

type countingMetrics struct {
	mu     sync.Mutex
	events map[string]int
	errors map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{events: map[string]int{}, errors: map[string]int{}}
}

func (m *countingMetrics) RecordWebhookEvent(_, _, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[status]++
}

func (m *countingMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}

func (m *countingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[errorType]++
}

func (m *countingMetrics) errorCount(errorType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[errorType]
}

func serve(t *testing.T, rc *billing.Receiver, method, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/webhooks/test", strings.NewReader(body))
	if auth {
		req.Header.Set("X-Test-Auth", "ok")
	}
	rec := httptest.NewRecorder()
	rc.Handler(stubSource{}).ServeHTTP(rec, req)
	rc.Wait()
	return rec
}

func TestNewReceiver_RequiresLedger(t *testing.T) {
	_, err := billing.NewReceiver(billing.ReceiverConfig{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestReceiver_MethodNotAllowed(t *testing.T) {
	rc, err := billing.NewReceiver(billing.ReceiverConfig{Ledger: memory.New()})
	require.NoError(t, err)

	rec := serve(t, rc, http.MethodGet, "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestReceiver_BodyTooLarge(t *testing.T) {
	store := memory.New()
	metrics := newCountingMetrics()
	rc, err := billing.NewReceiver(billing.ReceiverConfig{Ledger: store, BodyLimit: 16, Metrics: metrics})
	require.NoError(t, err)

	rec := serve(t, rc, http.MethodPost, "evt_1|renewal|"+strings.Repeat("x", 64), true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, store.EventCount())
	assert.Equal(t, 1, metrics.errorCount("payload_too_large"))
}

func TestReceiver_EmptyBody(t *testing.T) {
	rc, err := billing.NewReceiver(billing.ReceiverConfig{Ledger: memory.New()})
	require.NoError(t, err)

	rec := serve(t, rc, http.MethodPost, "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiver_Unauthorized(t *testing.T) {
	store := memory.New()
	metrics := newCountingMetrics()
	rc, err := billing.NewReceiver(billing.ReceiverConfig{Ledger: store, Metrics: metrics})
	require.NoError(t, err)

	rec := serve(t, rc, http.MethodPost, "evt_1|renewal", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, store.EventCount())
	assert.Equal(t, 1, metrics.errorCount("auth_failed"))
}

func TestReceiver_BadEnvelope(t *testing.T) {
	store := memory.New()
	rc, err := billing.NewReceiver(billing.ReceiverConfig{Ledger: store})
	require.NoError(t, err)

	rec := serve(t, rc, http.MethodPost, "no-separator", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, store.EventCount())
}

func TestReceiver_LedgerFailure(t *testing.T) {
	dispatched := false
	metrics := newCountingMetrics()
	rc, err := billing.NewReceiver(billing.ReceiverConfig{
		Ledger: failingLedger{memory.New()},
		Dispatcher: paysync.DispatcherFunc(func(context.Context, paysync.EventKey) error {
			dispatched = true
			return nil
		}),
		Metrics: metrics,
	})
	require.NoError(t, err)

	rec := serve(t, rc, http.MethodPost, "evt_1|renewal", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "provider must redeliver")
	assert.False(t, dispatched)
	assert.Equal(t, 1, metrics.errorCount("ledger_error"))
}

func TestReceiver_AcceptThenDispatch(t *testing.T) {
	store := memory.New()
	released := make(chan struct{})
	var got []paysync.EventKey
	var mu sync.Mutex

	rc, err := billing.NewReceiver(billing.ReceiverConfig{
		Ledger: store,
		Dispatcher: paysync.DispatcherFunc(func(_ context.Context, key paysync.EventKey) error {
			<-released
			mu.Lock()
			got = append(got, key)
			mu.Unlock()
			return nil
		}),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/test", strings.NewReader("evt_1|renewal"))
	req.Header.Set("X-Test-Auth", "ok")
	rec := httptest.NewRecorder()
	rc.Handler(stubSource{}).ServeHTTP(rec, req)

	// the handler returned while the dispatcher is still blocked
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])

	close(released)
	rc.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"}, got[0])

	row, err := store.GetEvent(context.Background(), got[0])
	require.NoError(t, err)
	assert.Equal(t, paysync.StatusPending, row.Status)
	assert.Equal(t, "renewal", row.EventType)
	assert.Equal(t, []byte("evt_1|renewal"), row.RawPayload)
}

func TestReceiver_DispatchFailureLeavesRowPending(t *testing.T) {
	store := memory.New()
	metrics := newCountingMetrics()
	rc, err := billing.NewReceiver(billing.ReceiverConfig{
		Ledger: store,
		Dispatcher: paysync.DispatcherFunc(func(context.Context, paysync.EventKey) error {
			return paysync.ErrQueueFull
		}),
		Metrics: metrics,
	})
	require.NoError(t, err)

	rec := serve(t, rc, http.MethodPost, "evt_1|renewal", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, metrics.errorCount("dispatch_failed"))

	row, err := store.GetEvent(context.Background(),
		paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"})
	require.NoError(t, err)
	assert.Equal(t, paysync.StatusPending, row.Status)
}

func TestReceiver_DuplicateAndTest(t *testing.T) {
	store := memory.New()
	metrics := newCountingMetrics()
	rc, err := billing.NewReceiver(billing.ReceiverConfig{Ledger: store, Metrics: metrics})
	require.NoError(t, err)

	statusOf := func(rec *httptest.ResponseRecorder) string {
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp["status"]
	}

	assert.Equal(t, "accepted", statusOf(serve(t, rc, http.MethodPost, "evt_1|renewal", true)))
	assert.Equal(t, "already_processed", statusOf(serve(t, rc, http.MethodPost, "evt_1|renewal", true)))
	assert.Equal(t, "ok", statusOf(serve(t, rc, http.MethodPost, "evt_2|test", true)))
	assert.Equal(t, 1, store.EventCount())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.events["accepted"])
	assert.Equal(t, 1, metrics.events["duplicate"])
	assert.Equal(t, 1, metrics.events["test"])
}
