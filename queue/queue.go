// Package queue is the FIFO job queue between request ingestion and the
// completion worker.
//
// Delivery is at most once: an item popped by a worker that dies before
// finishing is not redelivered. Callers detect that case from the item's
// status and age.
package queue

import (
	"context"
	"errors"

	"deepchat/models"
)

var (
	ErrNotFound = errors.New("queue: item not found")
	ErrTerminal = errors.New("queue: item is in a terminal status")
)

type Queue interface {
	// Enqueue stores a pending item for messageID and appends it to the list.
	Enqueue(ctx context.Context, messageID string, messages []models.ChatMessage) (string, error)
	// Dequeue pops the oldest pending item. It returns nil, nil when the
	// queue is empty or the popped item's record has expired.
	Dequeue(ctx context.Context) (*models.QueueItem, error)
	// UpdateStatus merges patch into the item. Missing items are ignored.
	UpdateStatus(ctx context.Context, id string, patch models.QueueItemPatch) error
	GetStatus(ctx context.Context, id string) (*models.QueueItem, error)
	// Clear drops every pending id together with its record.
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
}

func newItem(id, messageID string, messages []models.ChatMessage, now int64) models.QueueItem {
	return models.QueueItem{
		ID:        id,
		MessageID: messageID,
		Messages:  messages,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
