package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deepchat/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	itemPrefix = "queue:"
	listKey    = "message-queue"

	maxWatchRetries = 10
)

// RedisQueue stores each item as JSON under queue:<id> and keeps pending ids
// in the message-queue list. LPUSH on enqueue and RPOP on dequeue give FIFO.
type RedisQueue struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  models.Clock
}

// NewRedisQueue returns a queue on client. A zero ttl keeps item records forever.
func NewRedisQueue(client *redis.Client, prefix string, ttl time.Duration) *RedisQueue {
	return &RedisQueue{client: client, prefix: prefix, ttl: ttl}
}

func (q *RedisQueue) itemKey(id string) string { return q.prefix + itemPrefix + id }
func (q *RedisQueue) listKey() string          { return q.prefix + listKey }

func (q *RedisQueue) Enqueue(ctx context.Context, messageID string, messages []models.ChatMessage) (string, error) {
	item := newItem(uuid.NewString(), messageID, messages, q.clock.Now())
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode queue item: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.itemKey(item.ID), data, q.ttl)
		pipe.LPush(ctx, q.listKey(), item.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", item.ID, err)
	}
	return item.ID, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*models.QueueItem, error) {
	id, err := q.client.RPop(ctx, q.listKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	item, err := q.GetStatus(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return item, err
}

func (q *RedisQueue) GetStatus(ctx context.Context, id string) (*models.QueueItem, error) {
	return q.get(ctx, q.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (q *RedisQueue) get(ctx context.Context, c getter, id string) (*models.QueueItem, error) {
	data, err := c.Get(ctx, q.itemKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item %s: %w", id, err)
	}
	var item models.QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode queue item %s: %w", id, err)
	}
	return &item, nil
}

func (q *RedisQueue) UpdateStatus(ctx context.Context, id string, patch models.QueueItemPatch) error {
	key := q.itemKey(id)
	txf := func(tx *redis.Tx) error {
		item, err := q.get(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.Status.IsTerminal() {
			return fmt.Errorf("queue item %s: %w", id, ErrTerminal)
		}
		patch.Apply(item, q.clock.Now())
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode queue item %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := q.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update queue item %s: too much contention", id)
}

func (q *RedisQueue) Clear(ctx context.Context) error {
	ids, err := q.client.LRange(ctx, q.listKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, q.itemKey(id))
	}
	keys = append(keys, q.listKey())
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
