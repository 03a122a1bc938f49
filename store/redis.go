package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"deepchat/config"
	"deepchat/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	prefixConversation      = "conversation:"
	prefixMessage           = "message:"
	prefixUserConversations = "user-conversations:"
	prefixConvMessages      = "conversation-messages:"

	maxWatchRetries = 10
)

// NewRedisClient dials redis and pings it once so misconfiguration fails at startup.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps each record as a JSON blob and indexes them with lists,
// the same layout as a plain key-value store.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  models.Clock
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (r *RedisStore) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	now := r.clock.Now()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(prefixConversation, conv.ID), data, 0)
		pipe.RPush(ctx, r.key(prefixUserConversations, userID), conv.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return &conv, nil
}

func (r *RedisStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	data, err := r.client.Get(ctx, r.key(prefixConversation, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (r *RedisStore) GetUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	ids, err := r.client.LRange(ctx, r.key(prefixUserConversations, userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}
	blobs, err := r.mget(ctx, prefixConversation, ids)
	if err != nil {
		return nil, err
	}

	convs := make([]models.Conversation, 0, len(blobs))
	for _, blob := range blobs {
		var conv models.Conversation
		if err := json.Unmarshal([]byte(blob), &conv); err != nil {
			continue // skip corrupt records
		}
		convs = append(convs, conv)
	}
	sortConversations(convs)
	return convs, nil
}

func (r *RedisStore) CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	created := newMessage(msg, uuid.NewString(), r.clock.Now())
	data, err := json.Marshal(created)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(prefixMessage, created.ID), data, 0)
		pipe.RPush(ctx, r.key(prefixConvMessages, created.ConversationID), created.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save message %s: %w", created.ID, err)
	}
	return &created, nil
}

func (r *RedisStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return r.getMessage(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) getMessage(ctx context.Context, c getter, id string) (*models.Message, error) {
	data, err := c.Get(ctx, r.key(prefixMessage, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &msg, nil
}

// UpdateMessage is an optimistic WATCH/MULTI read-modify-write on the message key.
func (r *RedisStore) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error) {
	key := r.key(prefixMessage, id)
	var updated *models.Message

	txf := func(tx *redis.Tx) error {
		msg, err := r.getMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if msg.Status.IsTerminal() {
			updated = msg
			return fmt.Errorf("message %s: %w", id, ErrTerminal)
		}
		patch.Apply(msg, r.clock.Now())
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = msg
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("update message %s: too much contention", id)
}

func (r *RedisStore) GetConversationMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	ids, err := r.client.LRange(ctx, r.key(prefixConvMessages, conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	blobs, err := r.mget(ctx, prefixMessage, ids)
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(blobs))
	for _, blob := range blobs {
		var msg models.Message
		if err := json.Unmarshal([]byte(blob), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	sortMessages(msgs)
	return msgs, nil
}

// mget fetches the blobs for ids in order, dropping ids whose record is gone.
func (r *RedisStore) mget(ctx context.Context, prefix string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(prefix, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %s*: %w", prefix, err)
	}
	blobs := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			blobs = append(blobs, s)
		}
	}
	return blobs, nil
}

// Close is a no-op: the client is shared with the queue and owned by the caller.
func (r *RedisStore) Close() error { return nil }
