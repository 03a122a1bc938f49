package services

import (
	"strings"
	"sync"
	"unicode/utf8"

	"deepchat/models"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// per-message overhead for role and separators
const messageOverhead = 4

type TokenCounter func(text string) int

// HistoryBuilder turns stored conversation turns into the upstream prompt.
type HistoryBuilder struct {
	SystemPrompt string
	// Budget caps the prompt size in tokens. Zero disables trimming.
	Budget int
	// Count is resolved lazily to the cl100k_base tokenizer when nil.
	Count TokenCounter

	logger *zap.Logger
	once   sync.Once
}

func NewHistoryBuilder(systemPrompt string, budget int, logger *zap.Logger) *HistoryBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryBuilder{SystemPrompt: systemPrompt, Budget: budget, logger: logger}
}

// Build skips failed, empty and unfinished assistant turns, then drops the
// oldest turns until the prompt fits the budget. The newest turn is always kept.
func (h *HistoryBuilder) Build(msgs []models.Message) []models.ChatMessage {
	turns := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Stored() || m.Status == models.StatusError || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == models.RoleAssistant && m.Status != models.StatusCompleted {
			continue
		}
		turns = append(turns, models.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if len(turns) == 0 {
		return nil
	}

	if h.Budget > 0 {
		turns = h.trim(turns)
	}
	if h.SystemPrompt == "" {
		return turns
	}
	return append([]models.ChatMessage{{Role: models.RoleSystem, Content: h.SystemPrompt}}, turns...)
}

func (h *HistoryBuilder) trim(turns []models.ChatMessage) []models.ChatMessage {
	count := h.counter()
	used := 0
	if h.SystemPrompt != "" {
		used = count(h.SystemPrompt) + messageOverhead
	}

	start := len(turns) - 1
	used += count(turns[start].Content) + messageOverhead
	for start > 0 {
		cost := count(turns[start-1].Content) + messageOverhead
		if used+cost > h.Budget {
			break
		}
		used += cost
		start--
	}
	if start > 0 {
		h.logger.Debug("history trimmed", zap.Int("dropped", start), zap.Int("tokens", used))
	}
	return turns[start:]
}

func (h *HistoryBuilder) counter() TokenCounter {
	h.once.Do(func() {
		if h.Count != nil {
			return
		}
		tke, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			h.logger.Warn("tokenizer unavailable, estimating from rune count", zap.Error(err))
			h.Count = estimateTokens
			return
		}
		h.Count = func(text string) int { return len(tke.Encode(text, nil, nil)) }
	})
	return h.Count
}

func estimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
