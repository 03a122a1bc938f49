// Command chatcli talks to the primary upstream endpoint from a terminal,
// using the same reassembly and persistence path as the server with an
// in-memory store.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"deepchat/config"
	"deepchat/logging"
	"deepchat/models"
	"deepchat/services"
	"deepchat/store"
	"deepchat/stream"
	"deepchat/upstream"

	"github.com/charmbracelet/lipgloss"
)

var (
	reasoningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

func main() {
	path := os.Getenv("DEEPCHAT_CONFIG")
	if path == "" {
		path = "config/config.yml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New("warn", "console")
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if !cfg.Upstream.Primary.Enabled() {
		log.Fatal("upstream.primary needs base_url and api_key (UPSTREAM_PRIMARY_API_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st := store.NewMemoryStore()
	sess := &session{
		store:   st,
		client:  upstream.New(cfg.Upstream.Primary, logger),
		history: services.NewHistoryBuilder(cfg.Chat.SystemPrompt, cfg.Chat.HistoryTokenBudget, logger),
		reassembler: &stream.Reassembler{
			Store:          st,
			Logger:         logger,
			BusyMessage:    cfg.Chat.BusyMessage,
			FailureMessage: cfg.Chat.FailureMessage,
		},
		timeout: cfg.Chat.StreamTimeout,
	}

	conv, err := st.CreateConversation(ctx, "cli", "terminal session")
	if err != nil {
		log.Fatal(err)
	}
	sess.conversationID = conv.ID

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptStyle.Render("> "))
		if !in.Scan() || ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(in.Text())
		if text == "" {
			continue
		}
		if err := sess.turn(ctx, text); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		}
	}
}

type session struct {
	store          *store.MemoryStore
	client         *upstream.Client
	history        *services.HistoryBuilder
	reassembler    *stream.Reassembler
	timeout        time.Duration
	conversationID string
}

// turn sends text with the session history and prints the answer as it
// arrives, followed by the reasoning.
func (s *session) turn(ctx context.Context, text string) error {
	if _, err := s.store.CreateMessage(ctx, models.Message{
		ConversationID: s.conversationID,
		Role:           models.RoleUser,
		Content:        text,
		Status:         models.StatusCompleted,
	}); err != nil {
		return err
	}
	msgs, err := s.store.GetConversationMessages(ctx, s.conversationID)
	if err != nil {
		return err
	}
	answer, err := s.store.CreateMessage(ctx, models.Message{
		ConversationID: s.conversationID,
		Role:           models.RoleAssistant,
		Status:         models.StatusProcessing,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := s.client.Chat(runCtx, s.history.Build(msgs))
	if err != nil {
		res, ferr := s.reassembler.Fail(runCtx, answer.ID, err)
		fmt.Println(res.Content)
		return ferr
	}

	printed := 0
	res, err := s.reassembler.Process(runCtx, answer.ID, body, func(full string) {
		fmt.Print(full[printed:])
		printed = len(full)
	})
	if err != nil && res.Content != "" {
		fmt.Print(res.Content[min(printed, len(res.Content)):])
	}
	fmt.Println()
	if res.ReasoningContent != "" {
		fmt.Println(reasoningStyle.Render(strings.TrimSpace(res.ReasoningContent)))
	}
	return err
}
