package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"deepchat/middlewares"
	"deepchat/models"
	"deepchat/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ChatController struct {
	chat   *services.ChatService
	worker *services.QueueWorker
	logger *zap.Logger
}

func NewChatController(chat *services.ChatService, worker *services.QueueWorker, logger *zap.Logger) *ChatController {
	return &ChatController{chat: chat, worker: worker, logger: logger}
}

// HandleChat stores the user's message and returns it with its conversation.
func (ctl *ChatController) HandleChat(c *gin.Context) {
	var request struct {
		Content        string `json:"content"`
		ConversationID string `json:"conversationId"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	conv, msg, err := ctl.chat.SendMessage(c.Request.Context(), middlewares.UserID(c), request.ConversationID, request.Content)
	if err != nil {
		respondError(c, ctl.logger, "send message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "conversation": conv})
}

// HandleProcess answers a stored message, either as an SSE stream or, in
// queue mode, with the queue ticket to poll.
func (ctl *ChatController) HandleProcess(c *gin.Context) {
	var request struct {
		MessageID string `json:"messageId"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || request.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message ID is required"})
		return
	}

	w := &sseWriter{c: c}
	queued, err := ctl.chat.Submit(c.Request.Context(), middlewares.UserID(c), request.MessageID, w.emit)
	if err != nil {
		if w.started {
			ctl.logger.Warn("stream ended with error", zap.String("message_id", request.MessageID), zap.Error(err))
			return
		}
		respondError(c, ctl.logger, "process message", err)
		return
	}
	if queued != nil {
		c.JSON(http.StatusOK, queued)
	}
}

// HandleStatus reports a queue item. A lost item is still answered with the
// item, now in error status.
func (ctl *ChatController) HandleStatus(c *gin.Context) {
	item, err := ctl.chat.Status(c.Request.Context(), middlewares.UserID(c), c.Query("queueId"))
	var loss *services.QueueLossError
	if errors.As(err, &loss) {
		c.JSON(http.StatusOK, item)
		return
	}
	if err != nil {
		respondError(c, ctl.logger, "queue status", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// HandleWait blocks until the queued answer is final.
func (ctl *ChatController) HandleWait(c *gin.Context) {
	msg, err := ctl.chat.Await(c.Request.Context(), middlewares.UserID(c), c.Query("queueId"))
	var loss *services.QueueLossError
	switch {
	case errors.Is(err, services.ErrPollTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Timed out waiting for the answer", "message": msg})
	case errors.As(err, &loss):
		c.JSON(http.StatusOK, msg)
	case err != nil:
		respondError(c, ctl.logger, "await answer", err)
	default:
		c.JSON(http.StatusOK, msg)
	}
}

// HandleWorker processes one queued item in the background.
func (ctl *ChatController) HandleWorker(c *gin.Context) {
	started, err := ctl.worker.Trigger(c.Request.Context())
	if err != nil {
		respondError(c, ctl.logger, "trigger worker", err)
		return
	}
	if !started {
		c.JSON(http.StatusOK, gin.H{"message": "No messages in queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Processing started"})
}

// sseWriter sends the response headers on the first event, so errors raised
// before streaming starts can still be answered as JSON.
type sseWriter struct {
	c       *gin.Context
	started bool
}

func (w *sseWriter) emit(ev models.StreamEvent) error {
	if !w.started {
		h := w.c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.c.Status(http.StatusOK)
		w.c.Writer.WriteHeaderNow()
		w.started = true
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return w.c.Request.Context().Err()
}
