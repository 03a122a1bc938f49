package models

type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// OwnedBy reports whether userID is the owner of the conversation.
func (c *Conversation) OwnedBy(userID string) bool {
	return c != nil && userID != "" && c.UserID == userID
}

const maxTitleRunes = 100

// TitleFrom derives a conversation title from the first user message.
func TitleFrom(content string) string {
	runes := []rune(content)
	if len(runes) > maxTitleRunes {
		runes = runes[:maxTitleRunes]
	}
	return string(runes)
}
