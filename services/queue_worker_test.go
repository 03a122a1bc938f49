package services

import (
	"context"
	"testing"
	"time"

	"deepchat/config"
	"deepchat/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerTrigger(t *testing.T) {
	f := newFixture(t, config.ModeQueue)
	w := NewQueueWorker(f.svc, time.Millisecond, nil)
	ctx := context.Background()

	started, err := w.Trigger(ctx)
	require.NoError(t, err)
	assert.False(t, started)

	_, msg, err := f.svc.SendMessage(ctx, "u1", "", "hi")
	require.NoError(t, err)
	_, assistantID, err := f.svc.Enqueue(ctx, "u1", msg.ID)
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	started, err = w.Trigger(reqCtx)
	cancel()
	require.NoError(t, err)
	assert.True(t, started)

	require.NoError(t, w.Wait(ctx))
	answer := f.message(t, assistantID)
	assert.Equal(t, models.StatusCompleted, answer.Status)
	assert.Equal(t, "Hello", answer.Content)
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	f := newFixture(t, config.ModeQueue)
	w := NewQueueWorker(f.svc, 5*time.Millisecond, nil)
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"one", "two"} {
		_, msg, err := f.svc.SendMessage(ctx, "u1", "", text)
		require.NoError(t, err)
		_, assistantID, err := f.svc.Enqueue(ctx, "u1", msg.ID)
		require.NoError(t, err)
		ids = append(ids, assistantID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			msg, err := f.store.GetMessage(ctx, id)
			if err != nil || msg.Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, 2, f.up.callCount())
}
