package paysync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

type blockingHandler struct {
	mu      sync.Mutex
	handled []paysync.EventKey
	release chan struct{}
}

func (h *blockingHandler) HandleKey(_ context.Context, key paysync.EventKey) error {
	if h.release != nil {
		<-h.release
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, key)
	return nil
}

func (h *blockingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func TestWorkerPool_ProcessesDispatchedKeys(t *testing.T) {
	h := &blockingHandler{}
	pool := paysync.NewWorkerPool(h, paysync.WorkerPoolConfig{Workers: 3, QueueSize: 16})
	pool.Start(context.Background())

	for i := 0; i < 10; i++ {
		key := paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: string(rune('a' + i))}
		require.NoError(t, pool.Dispatch(context.Background(), key))
	}
	pool.Stop()

	assert.Equal(t, 10, h.count())
	assert.ErrorIs(t, pool.Dispatch(context.Background(), paysync.EventKey{}), paysync.ErrDispatcherClosed)
}

func TestWorkerPool_QueueFullDoesNotBlock(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	pool := paysync.NewWorkerPool(h, paysync.WorkerPoolConfig{Workers: 1, QueueSize: 1})
	pool.Start(context.Background())

	key := paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt"}
	require.NoError(t, pool.Dispatch(context.Background(), key))

	// wait until the worker has taken the first key and is blocked on it
	require.Eventually(t, func() bool { return pool.Depth() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Dispatch(context.Background(), key))

	done := make(chan error, 1)
	go func() { done <- pool.Dispatch(context.Background(), key) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, paysync.ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}

	close(h.release)
	pool.Stop()
	assert.Equal(t, 2, h.count())
}

func TestWorkerPool_EndToEnd(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")

	pool := paysync.NewWorkerPool(h.processor, paysync.WorkerPoolConfig{Workers: 2})
	pool.Start(context.Background())

	row := h.ingest(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})
	require.NoError(t, pool.Dispatch(context.Background(), row.Key()))
	pool.Stop()

	assert.Equal(t, paysync.StatusSucceeded, h.status("evt_1").Status)
}
