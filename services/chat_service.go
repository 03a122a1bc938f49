package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deepchat/config"
	"deepchat/models"
	"deepchat/queue"
	"deepchat/store"
	"deepchat/stream"
	"deepchat/upstream"

	"go.uber.org/zap"
)

const detachedWriteTimeout = 5 * time.Second

// Queued is returned by Submit when the message went to the job queue.
type Queued struct {
	QueueID   string `json:"queueId"`
	MessageID string `json:"messageId"`
}

// ChatService drives a user message through history loading, the upstream
// call and persistence, either streaming directly or through the job queue.
// Every entry point authorizes the caller against the owning conversation
// before reading or writing anything else.
type ChatService struct {
	store       store.Store
	queue       queue.Queue
	upstream    upstream.Chatter
	reassembler *stream.Reassembler
	history     *HistoryBuilder
	cfg         config.ChatConfig
	workerLimit time.Duration
	logger      *zap.Logger

	// heartbeat is how often a worker touches its queue item while the
	// upstream call runs. Zero disables it.
	heartbeat time.Duration

	clock models.Clock
	sleep func(ctx context.Context, d time.Duration) error
}

func NewChatService(cfg *config.AppConfig, st store.Store, q queue.Queue, up upstream.Chatter, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		store:    st,
		queue:    q,
		upstream: up,
		reassembler: &stream.Reassembler{
			Store:           st,
			Logger:          logger.Named("stream"),
			PersistInterval: cfg.Stream.PersistInterval,
			BusyMessage:     cfg.Chat.BusyMessage,
			FailureMessage:  cfg.Chat.FailureMessage,
		},
		history:     NewHistoryBuilder(cfg.Chat.SystemPrompt, cfg.Chat.HistoryTokenBudget, logger),
		cfg:         cfg.Chat,
		workerLimit: cfg.Worker.Timeout,
		heartbeat:   cfg.Chat.StaleAfter / 3,
		logger:      logger,
		sleep:       sleepContext,
	}
}

func (s *ChatService) Mode() string { return s.cfg.Mode }

// SendMessage stores a new user message, creating the conversation when
// conversationID is empty.
func (s *ChatService) SendMessage(ctx context.Context, userID, conversationID, content string) (*models.Conversation, *models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	var conv *models.Conversation
	var err error
	if conversationID != "" {
		conv, err = s.authorizeConversation(ctx, userID, conversationID)
	} else {
		conv, err = s.store.CreateConversation(ctx, userID, models.TitleFrom(content))
	}
	if err != nil {
		return nil, nil, err
	}

	msg, err := s.store.CreateMessage(ctx, models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        content,
		Status:         models.StatusPending,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create user message: %w", err)
	}
	s.logger.Info("message received",
		zap.String("user_id", userID),
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", msg.ID))
	return conv, msg, nil
}

// Submit answers messageID the way chat.mode says: streamed through emit,
// or queued, in which case the returned Queued is non-nil and emit unused.
func (s *ChatService) Submit(ctx context.Context, userID, messageID string, emit func(models.StreamEvent) error) (*Queued, error) {
	if s.cfg.Mode == config.ModeQueue {
		queueID, assistantID, err := s.Enqueue(ctx, userID, messageID)
		if err != nil {
			return nil, err
		}
		return &Queued{QueueID: queueID, MessageID: assistantID}, nil
	}
	return nil, s.Process(ctx, userID, messageID, emit)
}

// Process streams the answer to messageID through emit. Authorization
// failures are returned before anything is emitted. The upstream call runs
// under chat.stream_timeout and is not cut short when the client goes away,
// so the assistant message still reaches a terminal status.
func (s *ChatService) Process(ctx context.Context, userID, messageID string, emit func(models.StreamEvent) error) error {
	userMsg, history, err := s.prepare(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		s.failEmpty(ctx, userMsg)
		emit(models.ErrorEvent("no conversation history to answer"))
		return ErrEmptyHistory
	}

	assistant, err := s.startAnswer(ctx, userMsg, models.StatusProcessing)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StreamTimeout)
	defer cancel()

	var emitErr error
	res, err := s.complete(runCtx, assistant.ID, history, func(answer string) {
		if emitErr == nil {
			emitErr = emit(models.UpdateEvent(answer))
		}
	})
	if emitErr != nil {
		s.logger.Info("client went away while streaming", zap.String("message_id", assistant.ID), zap.Error(emitErr))
	}
	if err != nil {
		emit(models.ErrorEvent(res.Content))
		return err
	}
	emit(models.CompleteEvent(res.Content))
	return nil
}

// Enqueue creates the pending assistant message and puts the prompt on the
// job queue. It returns the queue item id and the assistant message id.
func (s *ChatService) Enqueue(ctx context.Context, userID, messageID string) (string, string, error) {
	userMsg, history, err := s.prepare(ctx, userID, messageID)
	if err != nil {
		return "", "", err
	}
	if len(history) == 0 {
		s.failEmpty(ctx, userMsg)
		return "", "", ErrEmptyHistory
	}

	assistant, err := s.startAnswer(ctx, userMsg, models.StatusPending)
	if err != nil {
		return "", "", err
	}
	queueID, err := s.queue.Enqueue(ctx, assistant.ID, history)
	if err != nil {
		s.markError(ctx, assistant.ID, s.cfg.FailureMessage)
		return "", "", fmt.Errorf("enqueue message %s: %w", assistant.ID, err)
	}
	s.logger.Info("message queued", zap.String("message_id", assistant.ID), zap.String("queue_id", queueID))
	return queueID, assistant.ID, nil
}

// ProcessNext takes one item off the queue and answers it. It reports
// whether there was anything to do.
func (s *ChatService) ProcessNext(ctx context.Context) (bool, error) {
	item, err := s.Claim(ctx)
	if err != nil || item == nil {
		return false, err
	}
	return true, s.ProcessItem(ctx, item)
}

// Claim dequeues the next item. Once claimed, an item is only ever finished
// by whoever holds it.
func (s *ChatService) Claim(ctx context.Context) (*models.QueueItem, error) {
	item, err := s.queue.Dequeue(ctx)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return item, nil
}

func (s *ChatService) ProcessItem(ctx context.Context, item *models.QueueItem) error {
	logger := s.logger.With(zap.String("queue_id", item.ID), zap.String("message_id", item.MessageID))

	err := s.queue.UpdateStatus(ctx, item.ID, models.QueueItemPatch{Status: models.StatusPtr(models.StatusProcessing)})
	if errors.Is(err, queue.ErrTerminal) {
		logger.Warn("queue item finalized before processing, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark queue item %s processing: %w", item.ID, err)
	}
	_, err = s.store.UpdateMessage(ctx, item.MessageID, models.MessagePatch{Status: models.StatusPtr(models.StatusProcessing)})
	if errors.Is(err, store.ErrTerminal) {
		// the poller already gave up on this message
		logger.Warn("message finalized before processing, skipping")
		s.finishItem(ctx, item.ID, nil, &stream.Error{Reason: "message already finalized"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark message %s processing: %w", item.MessageID, err)
	}

	runCtx := ctx
	if s.workerLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.workerLimit)
		defer cancel()
	}
	stop := s.keepAlive(runCtx, item.ID, logger)
	res, err := s.complete(runCtx, item.MessageID, item.Messages, nil)
	stop()
	s.finishItem(ctx, item.ID, &res, err)
	if err != nil {
		return err
	}
	logger.Info("queue item completed")
	return nil
}

// keepAlive refreshes the queue item's updatedAt every heartbeat until the
// returned func is called, so Status does not flag an item whose worker is
// still waiting on the upstream. It stops on its own once the item is terminal.
func (s *ChatService) keepAlive(ctx context.Context, queueID string, logger *zap.Logger) func() {
	if s.heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := s.queue.UpdateStatus(ctx, queueID, models.QueueItemPatch{Status: models.StatusPtr(models.StatusProcessing)})
			if errors.Is(err, queue.ErrTerminal) {
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("queue item heartbeat failed", zap.Error(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *ChatService) finishItem(ctx context.Context, queueID string, res *stream.Result, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	defer cancel()

	patch := models.QueueItemPatch{Status: models.StatusPtr(models.StatusCompleted)}
	if cause != nil {
		patch.Status = models.StatusPtr(models.StatusError)
		patch.Error = models.StringPtr(s.notice(cause))
	}
	if res != nil {
		patch.Result = models.StringPtr(res.Content)
	}
	if err := s.queue.UpdateStatus(ctx, queueID, patch); err != nil {
		s.logger.Error("record queue item outcome", zap.String("queue_id", queueID), zap.Error(err))
	}
}

// Status returns the queue item after reconciling it with its message. A
// processing item where neither record has moved for chat.stale_after is
// declared lost: both records are set to error and a *QueueLossError is
// returned along with the item. Live workers keep the item fresh through
// keepAlive.
func (s *ChatService) Status(ctx context.Context, userID, queueID string) (*models.QueueItem, error) {
	if queueID == "" {
		return nil, &ValidationError{Field: "queueId", Reason: "is required"}
	}
	item, err := s.queue.GetStatus(ctx, queueID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, &AuthError{Resource: "queue item", ID: queueID, NotFound: true}
	}
	if err != nil {
		return nil, fmt.Errorf("queue status %s: %w", queueID, err)
	}
	msg, _, err := s.authorizeMessage(ctx, userID, item.MessageID)
	if err != nil {
		return nil, err
	}

	switch {
	case item.Status.IsTerminal() && !msg.Status.IsTerminal():
		content := item.Result
		if item.Status == models.StatusError {
			content = item.Error
		}
		if _, err := s.store.UpdateMessage(ctx, msg.ID, models.MessagePatch{
			Content: models.StringPtr(content),
			Status:  models.StatusPtr(item.Status),
		}); err != nil && !errors.Is(err, store.ErrTerminal) {
			return nil, fmt.Errorf("reconcile message %s: %w", msg.ID, err)
		}

	case !item.Status.IsTerminal() && msg.Status.IsTerminal():
		patch := models.QueueItemPatch{Status: models.StatusPtr(msg.Status)}
		if msg.Status == models.StatusCompleted {
			patch.Result = models.StringPtr(msg.Content)
		} else {
			patch.Error = models.StringPtr(msg.Content)
		}
		if err := s.queue.UpdateStatus(ctx, item.ID, patch); err != nil && !errors.Is(err, queue.ErrTerminal) {
			return nil, fmt.Errorf("reconcile queue item %s: %w", item.ID, err)
		}

	case item.Status == models.StatusProcessing && s.cfg.StaleAfter > 0:
		last := msg.UpdatedAt
		if item.UpdatedAt > last {
			last = item.UpdatedAt
		}
		idle := time.Duration(s.clock.Now()-last) * time.Millisecond
		if idle < s.cfg.StaleAfter {
			return item, nil
		}
		loss := &QueueLossError{QueueID: item.ID, MessageID: msg.ID, Idle: idle}
		s.logger.Error("queue item lost", zap.String("queue_id", item.ID), zap.String("message_id", msg.ID), zap.Duration("idle", idle))
		s.reassembler.Fail(ctx, msg.ID, loss)
		if err := s.queue.UpdateStatus(ctx, item.ID, models.QueueItemPatch{
			Status: models.StatusPtr(models.StatusError),
			Error:  models.StringPtr(s.cfg.FailureMessage),
		}); err != nil && !errors.Is(err, queue.ErrTerminal) {
			return nil, fmt.Errorf("mark queue item %s lost: %w", item.ID, err)
		}
		updated, err := s.queue.GetStatus(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("queue status %s: %w", item.ID, err)
		}
		return updated, loss

	default:
		return item, nil
	}

	return s.queue.GetStatus(ctx, item.ID)
}

// Await polls Status every chat.poll_interval until the item is terminal,
// at most chat.poll_max_attempts times. When it gives up, the message is
// marked error and ErrPollTimeout is returned with it.
func (s *ChatService) Await(ctx context.Context, userID, queueID string) (*models.Message, error) {
	var item *models.QueueItem
	for attempt := 0; attempt < s.cfg.PollMaxAttempts; attempt++ {
		var err error
		item, err = s.Status(ctx, userID, queueID)
		var loss *QueueLossError
		if errors.As(err, &loss) {
			msg, getErr := s.store.GetMessage(ctx, loss.MessageID)
			if getErr != nil {
				return nil, getErr
			}
			return msg, err
		}
		if err != nil {
			return nil, err
		}
		if item.Status.IsTerminal() {
			return s.store.GetMessage(ctx, item.MessageID)
		}
		if attempt < s.cfg.PollMaxAttempts-1 {
			if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
				return nil, err
			}
		}
	}
	if item == nil {
		return nil, ErrPollTimeout
	}

	s.logger.Warn("polling gave up", zap.String("queue_id", queueID), zap.String("message_id", item.MessageID),
		zap.Int("attempts", s.cfg.PollMaxAttempts))
	msg := s.markError(ctx, item.MessageID, s.cfg.FailureMessage)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	defer cancel()
	if err := s.queue.UpdateStatus(wctx, item.ID, models.QueueItemPatch{
		Status: models.StatusPtr(models.StatusError),
		Error:  models.StringPtr(s.cfg.FailureMessage),
	}); err != nil && !errors.Is(err, queue.ErrTerminal) {
		s.logger.Error("mark queue item timed out", zap.String("queue_id", queueID), zap.Error(err))
	}
	return msg, ErrPollTimeout
}

func (s *ChatService) GetMessage(ctx context.Context, userID, messageID string) (*models.Message, error) {
	msg, _, err := s.authorizeMessage(ctx, userID, messageID)
	return msg, err
}

// UpdateMessage applies a caller-supplied patch. Terminal messages answer
// with store.ErrTerminal.
func (s *ChatService) UpdateMessage(ctx context.Context, userID, messageID string, patch models.MessagePatch) (*models.Message, error) {
	if patch.Empty() {
		return nil, &ValidationError{Field: "body", Reason: "nothing to update"}
	}
	if err := patch.Validate(); err != nil {
		return nil, &ValidationError{Field: "status", Reason: err.Error()}
	}
	if _, _, err := s.authorizeMessage(ctx, userID, messageID); err != nil {
		return nil, err
	}
	return s.store.UpdateMessage(ctx, messageID, patch)
}

func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	return s.store.GetUserConversations(ctx, userID)
}

func (s *ChatService) ConversationMessages(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	if _, err := s.authorizeConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.GetConversationMessages(ctx, conversationID)
}

// complete is the upstream call plus reassembly shared by both modes.
func (s *ChatService) complete(ctx context.Context, messageID string, history []models.ChatMessage, onDelta func(string)) (stream.Result, error) {
	body, err := s.upstream.Chat(ctx, history)
	if err != nil {
		return s.reassembler.Fail(ctx, messageID, err)
	}
	return s.reassembler.Process(ctx, messageID, body, onDelta)
}

// prepare authorizes the caller and builds the prompt from the conversation
// up to and including messageID.
func (s *ChatService) prepare(ctx context.Context, userID, messageID string) (*models.Message, []models.ChatMessage, error) {
	if messageID == "" {
		return nil, nil, &ValidationError{Field: "messageId", Reason: "is required"}
	}
	msg, conv, err := s.authorizeMessage(ctx, userID, messageID)
	if err != nil {
		return nil, nil, err
	}
	all, err := s.store.GetConversationMessages(ctx, conv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load history of %s: %w", conv.ID, err)
	}
	for i, m := range all {
		if m.ID == msg.ID {
			all = all[:i+1]
			break
		}
	}
	return msg, s.history.Build(all), nil
}

func (s *ChatService) startAnswer(ctx context.Context, userMsg *models.Message, status models.Status) (*models.Message, error) {
	assistant, err := s.store.CreateMessage(ctx, models.Message{
		ConversationID: userMsg.ConversationID,
		Role:           models.RoleAssistant,
		Status:         status,
	})
	if err != nil {
		return nil, fmt.Errorf("create assistant message: %w", err)
	}
	_, err = s.store.UpdateMessage(ctx, userMsg.ID, models.MessagePatch{Status: models.StatusPtr(models.StatusCompleted)})
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		s.logger.Warn("mark user message completed", zap.String("message_id", userMsg.ID), zap.Error(err))
	}
	return assistant, nil
}

func (s *ChatService) failEmpty(ctx context.Context, msg *models.Message) {
	s.logger.Warn("empty history, not calling upstream", zap.String("message_id", msg.ID))
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	defer cancel()
	if _, err := s.store.UpdateMessage(wctx, msg.ID, models.MessagePatch{Status: models.StatusPtr(models.StatusError)}); err != nil &&
		!errors.Is(err, store.ErrTerminal) {
		s.logger.Error("mark message error", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// markError finalizes messageID as error unless it is already terminal and
// returns the message as stored afterwards.
func (s *ChatService) markError(ctx context.Context, messageID, content string) *models.Message {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	defer cancel()
	msg, err := s.store.UpdateMessage(wctx, messageID, models.MessagePatch{
		Content: models.StringPtr(content),
		Status:  models.StatusPtr(models.StatusError),
	})
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		s.logger.Error("mark message error", zap.String("message_id", messageID), zap.Error(err))
	}
	return msg
}

// notice is the user-facing text for a failed completion.
func (s *ChatService) notice(err error) string {
	var serr *stream.Error
	if errors.As(err, &serr) && serr.Busy {
		return s.cfg.BusyMessage
	}
	return s.cfg.FailureMessage
}

func (s *ChatService) authorizeConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &AuthError{Resource: "conversation", ID: conversationID, NotFound: true}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	if !conv.OwnedBy(userID) {
		return nil, &AuthError{Resource: "conversation", ID: conversationID}
	}
	return conv, nil
}

func (s *ChatService) authorizeMessage(ctx context.Context, userID, messageID string) (*models.Message, *models.Conversation, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, &AuthError{Resource: "message", ID: messageID, NotFound: true}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	conv, err := s.authorizeConversation(ctx, userID, msg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
