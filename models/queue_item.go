package models

type QueueItem struct {
	ID        string        `json:"id"`
	MessageID string        `json:"messageId"`
	Messages  []ChatMessage `json:"messages"`
	Status    Status        `json:"status"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
}

type QueueItemPatch struct {
	Status *Status
	Result *string
	Error  *string
}

func (p QueueItemPatch) Apply(item *QueueItem, now int64) {
	if p.Status != nil {
		item.Status = *p.Status
	}
	if p.Result != nil {
		item.Result = *p.Result
	}
	if p.Error != nil {
		item.Error = *p.Error
	}
	item.UpdatedAt = now
}
