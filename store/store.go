// Package store persists conversations and messages.
//
// Every backend gives per-record atomicity for UpdateMessage and enforces the
// terminal-status rule: once a message is completed or error, further updates
// are rejected with ErrTerminal and the stored record is left unchanged.
package store

import (
	"context"
	"errors"
	"sort"

	"deepchat/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrTerminal = errors.New("store: message is in a terminal status")
)

type Store interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// GetUserConversations returns the user's conversations, newest first.
	GetUserConversations(ctx context.Context, userID string) ([]models.Conversation, error)

	// CreateMessage assigns ID and timestamps; Status defaults to pending.
	CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error)
	// GetConversationMessages returns messages ordered by creation time.
	GetConversationMessages(ctx context.Context, conversationID string) ([]models.Message, error)

	Close() error
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
}

func sortConversations(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].CreatedAt > convs[j].CreatedAt })
}

func newMessage(msg models.Message, id string, now int64) models.Message {
	msg.ID = id
	if msg.Status == "" {
		msg.Status = models.StatusPending
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return msg
}
