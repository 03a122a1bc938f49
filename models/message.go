package models

import "fmt"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r may appear in an upstream request.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Stored reports whether r may be persisted as a conversation turn.
func (r Role) Stored() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further mutation is allowed after s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

type Message struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversationId"`
	Role             Role   `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Status           Status `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt"`
}

// MessagePatch is a partial update. Nil fields are left untouched.
type MessagePatch struct {
	Content          *string `json:"content,omitempty"`
	ReasoningContent *string `json:"reasoning_content,omitempty"`
	Status           *Status `json:"status,omitempty"`
}

func (p MessagePatch) Empty() bool {
	return p.Content == nil && p.ReasoningContent == nil && p.Status == nil
}

func (p MessagePatch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", *p.Status)
	}
	return nil
}

// Apply merges the patch into m and stamps UpdatedAt.
func (p MessagePatch) Apply(m *Message, now int64) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.ReasoningContent != nil {
		m.ReasoningContent = *p.ReasoningContent
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	m.UpdatedAt = now
}

// ChatMessage is a single turn as sent to the upstream provider.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func StatusPtr(s Status) *Status { return &s }

func StringPtr(s string) *string { return &s }
