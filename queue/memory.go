package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"deepchat/models"

	"github.com/google/uuid"
)

type MemoryQueue struct {
	mu      sync.Mutex
	clock   models.Clock
	pending *list.List
	items   map[string]models.QueueItem
}

func NewMemoryQueue() *MemoryQueue {
	return NewMemoryQueueWithClock(nil)
}

func NewMemoryQueueWithClock(clock models.Clock) *MemoryQueue {
	return &MemoryQueue{
		clock:   clock,
		pending: list.New(),
		items:   make(map[string]models.QueueItem),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, messageID string, messages []models.ChatMessage) (string, error) {
	item := newItem(uuid.NewString(), messageID, append([]models.ChatMessage(nil), messages...), q.clock.Now())

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.ID] = item
	q.pending.PushBack(item.ID)
	return item.ID, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.pending.Front()
	if front == nil {
		return nil, nil
	}
	id := q.pending.Remove(front).(string)
	item, ok := q.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (q *MemoryQueue) UpdateStatus(_ context.Context, id string, patch models.QueueItemPatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil
	}
	if item.Status.IsTerminal() {
		return fmt.Errorf("queue item %s: %w", id, ErrTerminal)
	}
	patch.Apply(&item, q.clock.Now())
	q.items[id] = item
	return nil
}

func (q *MemoryQueue) GetStatus(_ context.Context, id string) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return &item, nil
}

func (q *MemoryQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.pending.Front(); e != nil; e = e.Next() {
		delete(q.items, e.Value.(string))
	}
	q.pending.Init()
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.pending.Len()), nil
}
