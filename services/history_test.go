package services

import (
	"testing"

	"deepchat/models"

	"github.com/stretchr/testify/assert"
)

func turn(role models.Role, content string, status models.Status) models.Message {
	return models.Message{Role: role, Content: content, Status: status}
}

func TestHistorySkipsUnusableTurns(t *testing.T) {
	h := NewHistoryBuilder("", 0, nil)
	got := h.Build([]models.Message{
		turn(models.RoleUser, "q1", models.StatusCompleted),
		turn(models.RoleAssistant, "a1", models.StatusCompleted),
		turn(models.RoleUser, "q2", models.StatusError),
		turn(models.RoleAssistant, "half", models.StatusProcessing),
		turn(models.RoleAssistant, "", models.StatusCompleted),
		turn(models.RoleSystem, "injected", models.StatusCompleted),
		turn(models.RoleUser, "q3", models.StatusPending),
	})
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleUser, Content: "q3"},
	}, got)

	assert.Nil(t, h.Build([]models.Message{turn(models.RoleUser, "  ", models.StatusPending)}))
}

func TestHistorySystemPrompt(t *testing.T) {
	h := NewHistoryBuilder("be brief", 0, nil)
	got := h.Build([]models.Message{turn(models.RoleUser, "hi", models.StatusPending)})
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hi"},
	}, got)
}

func TestHistoryTrimsOldestTurns(t *testing.T) {
	msgs := []models.Message{
		turn(models.RoleUser, "aaaaaaaaaa", models.StatusCompleted),
		turn(models.RoleAssistant, "bbbbbbbbbb", models.StatusCompleted),
		turn(models.RoleUser, "cccccccccc", models.StatusPending),
	}
	tests := []struct {
		name   string
		budget int
		want   int
	}{
		{"fits", 100, 3},
		{"drops oldest", 28, 2},
		{"keeps newest over budget", 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistoryBuilder("", tt.budget, nil)
			h.Count = func(s string) int { return len(s) }
			got := h.Build(msgs)
			assert.Len(t, got, tt.want)
			assert.Equal(t, "cccccccccc", got[len(got)-1].Content)
		})
	}
}

func TestHistoryBudgetCountsSystemPrompt(t *testing.T) {
	h := NewHistoryBuilder("ssssssssss", 30, nil)
	h.Count = func(s string) int { return len(s) }
	got := h.Build([]models.Message{
		turn(models.RoleUser, "aaaaaaaaaa", models.StatusCompleted),
		turn(models.RoleUser, "cccccccccc", models.StatusPending),
	})
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleSystem, Content: "ssssssssss"},
		{Role: models.RoleUser, Content: "cccccccccc"},
	}, got)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abcd"))
	assert.Equal(t, 2, estimateTokens("你好世界呀"))
}
