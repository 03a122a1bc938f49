package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPollTimeout  = errors.New("services: gave up waiting for queued message")
	ErrEmptyHistory = errors.New("services: conversation has no usable history")
)

// AuthError means the caller may not touch the resource. NotFound is set when
// the resource does not exist at all, so handlers can answer 404 instead of 401.
type AuthError struct {
	Resource string
	ID       string
	NotFound bool
}

func (e *AuthError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("not authorized for %s %s", e.Resource, e.ID)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QueueLossError is a dequeued item whose worker never finished it.
type QueueLossError struct {
	QueueID   string
	MessageID string
	Idle      time.Duration
}

func (e *QueueLossError) Error() string {
	return fmt.Sprintf("queue item %s for message %s lost: no progress for %s", e.QueueID, e.MessageID, e.Idle.Round(time.Second))
}
