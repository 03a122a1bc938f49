package models

type EventType string

const (
	EventUpdate   EventType = "update"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamEvent is the normalized event sent to the browser regardless of which
// upstream produced the tokens.
type StreamEvent struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Error   string    `json:"error,omitempty"`
	Status  Status    `json:"status"`
}

func UpdateEvent(content string) StreamEvent {
	return StreamEvent{Type: EventUpdate, Content: content, Status: StatusProcessing}
}

func CompleteEvent(content string) StreamEvent {
	return StreamEvent{Type: EventComplete, Content: content, Status: StatusCompleted}
}

func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Error: msg, Status: StatusError}
}
