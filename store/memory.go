package store

import (
	"context"
	"fmt"
	"sync"

	"deepchat/models"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. Used for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	clock         models.Clock
	conversations map[string]models.Conversation
	messages      map[string]models.Message
	convMessages  map[string][]string
	userConvs     map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(nil)
}

func NewMemoryStoreWithClock(clock models.Clock) *MemoryStore {
	return &MemoryStore{
		clock:         clock,
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]models.Message),
		convMessages:  make(map[string][]string),
		userConvs:     make(map[string][]string),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID, title string) (*models.Conversation, error) {
	now := s.clock.Now()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	s.userConvs[userID] = append(s.userConvs[userID], conv.ID)
	return &conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return &conv, nil
}

func (s *MemoryStore) GetUserConversations(_ context.Context, userID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := make([]models.Conversation, 0, len(s.userConvs[userID]))
	for _, id := range s.userConvs[userID] {
		convs = append(convs, s.conversations[id])
	}
	sortConversations(convs)
	return convs, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg models.Message) (*models.Message, error) {
	created := newMessage(msg, uuid.NewString(), s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[created.ID] = created
	s.convMessages[created.ConversationID] = append(s.convMessages[created.ConversationID], created.ID)
	return &created, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return &msg, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id string, patch models.MessagePatch) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if msg.Status.IsTerminal() {
		return &msg, fmt.Errorf("message %s: %w", id, ErrTerminal)
	}
	patch.Apply(&msg, s.clock.Now())
	s.messages[id] = msg
	return &msg, nil
}

func (s *MemoryStore) GetConversationMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.convMessages[conversationID]
	msgs := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, s.messages[id])
	}
	sortMessages(msgs)
	return msgs, nil
}

func (s *MemoryStore) Close() error { return nil }
