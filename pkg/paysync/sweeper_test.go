package paysync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

func TestSweeper_RecoversStalePendingRows(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")

	// acknowledged but never processed, e.g. the process died after responding
	h.ingest(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})
	h.ingest(testPayload{
		ID: "evt_2", Type: "initial_purchase", Users: []string{"ghost"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})

	sweeper := paysync.NewSweeper(h.store, h.processor, paysync.SweeperConfig{
		Threshold: time.Minute,
		Clock:     fixedClock{t0.Add(5 * time.Minute)},
	})

	res, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, paysync.StatusSucceeded, h.status("evt_1").Status)
	assert.Equal(t, paysync.StatusFailed, h.status("evt_2").Status)

	res, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Found)
}

func TestSweeper_LeavesFreshRows(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")
	h.ingest(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})

	sweeper := paysync.NewSweeper(h.store, h.processor, paysync.SweeperConfig{
		Threshold: 10 * time.Minute,
		Clock:     fixedClock{t0.Add(time.Minute)},
	})
	res, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Found)
	assert.Equal(t, paysync.StatusPending, h.status("evt_1").Status)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, paysync.ProcessorConfig{})
	h.store.AddUser("user1")
	h.ingest(testPayload{
		ID: "evt_1", Type: "initial_purchase", Users: []string{"user1"},
		Entitlements: []string{"premium"}, OccurredAt: t0,
	})

	sweeper := paysync.NewSweeper(h.store, h.processor, paysync.SweeperConfig{
		Interval:  5 * time.Millisecond,
		Threshold: time.Minute,
		Clock:     fixedClock{t0.Add(time.Hour)},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		row, err := h.store.GetEvent(context.Background(),
			paysync.EventKey{Source: paysync.SourcePaddle, ExternalID: "evt_1"})
		return err == nil && row.Status == paysync.StatusSucceeded
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
