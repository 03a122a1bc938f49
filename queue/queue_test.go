package queue

import (
	"context"
	"testing"
	"time"

	"deepchat/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) (map[string]Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"redis":  NewRedisQueue(rdb, "test:", time.Hour),
	}, mr
}

var convo = []models.ChatMessage{
	{Role: models.RoleSystem, Content: "be brief"},
	{Role: models.RoleUser, Content: "hello"},
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	qs, _ := backends(t)
	for name, q := range qs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, "msg-1", convo)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, id, item.ID)
			assert.Equal(t, "msg-1", item.MessageID)
			assert.Equal(t, convo, item.Messages)
			assert.Equal(t, models.StatusPending, item.Status)

			empty, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, empty)
		})
	}
}

func TestFIFO(t *testing.T) {
	qs, _ := backends(t)
	for name, q := range qs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for _, m := range []string{"a", "b", "c"} {
				id, err := q.Enqueue(ctx, m, convo)
				require.NoError(t, err)
				ids = append(ids, id)
			}
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			for i, want := range []string{"a", "b", "c"} {
				item, err := q.Dequeue(ctx)
				require.NoError(t, err)
				require.NotNil(t, item)
				assert.Equal(t, ids[i], item.ID)
				assert.Equal(t, want, item.MessageID)
			}
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	qs, _ := backends(t)
	for name, q := range qs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, "msg-1", convo)
			require.NoError(t, err)

			require.NoError(t, q.UpdateStatus(ctx, id, models.QueueItemPatch{Status: models.StatusPtr(models.StatusProcessing)}))
			require.NoError(t, q.UpdateStatus(ctx, id, models.QueueItemPatch{
				Status: models.StatusPtr(models.StatusCompleted),
				Result: models.StringPtr("Hi"),
			}))

			item, err := q.GetStatus(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, item.Status)
			assert.Equal(t, "Hi", item.Result)
			assert.Equal(t, convo, item.Messages)

			err = q.UpdateStatus(ctx, id, models.QueueItemPatch{Status: models.StatusPtr(models.StatusError)})
			assert.ErrorIs(t, err, ErrTerminal)

			assert.NoError(t, q.UpdateStatus(ctx, "missing", models.QueueItemPatch{Status: models.StatusPtr(models.StatusError)}))

			_, err = q.GetStatus(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestClear(t *testing.T) {
	qs, _ := backends(t)
	for name, q := range qs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, "msg-1", convo)
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, "msg-2", convo)
			require.NoError(t, err)

			require.NoError(t, q.Clear(ctx))
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			_, err = q.GetStatus(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)

			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, item)
		})
	}
}

// A worker that pops an item and dies leaves it in pending/processing with
// nothing left on the list to redeliver it.
func TestDequeuedItemIsNotRedelivered(t *testing.T) {
	qs, _ := backends(t)
	for name, q := range qs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, "msg-1", convo)
			require.NoError(t, err)

			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			require.NoError(t, q.UpdateStatus(ctx, id, models.QueueItemPatch{Status: models.StatusPtr(models.StatusProcessing)}))
			// worker crashes here

			again, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, again)

			stuck, err := q.GetStatus(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusProcessing, stuck.Status)
		})
	}
}

func TestRedisDequeueSkipsExpiredRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	q := NewRedisQueue(rdb, "", time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "msg-1", convo)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.False(t, mr.Exists("message-queue"))
}
