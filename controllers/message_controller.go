package controllers

import (
	"net/http"

	"deepchat/middlewares"
	"deepchat/models"
	"deepchat/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type MessageController struct {
	chat   *services.ChatService
	logger *zap.Logger
}

func NewMessageController(chat *services.ChatService, logger *zap.Logger) *MessageController {
	return &MessageController{chat: chat, logger: logger}
}

func (ctl *MessageController) GetMessage(c *gin.Context) {
	msg, err := ctl.chat.GetMessage(c.Request.Context(), middlewares.UserID(c), c.Param("messageId"))
	if err != nil {
		respondError(c, ctl.logger, "get message", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// UpdateMessage applies {content?, reasoning_content?, status?}. Finalized
// messages answer 409.
func (ctl *MessageController) UpdateMessage(c *gin.Context) {
	var patch models.MessagePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	msg, err := ctl.chat.UpdateMessage(c.Request.Context(), middlewares.UserID(c), c.Param("messageId"), patch)
	if err != nil {
		respondError(c, ctl.logger, "update message", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (ctl *MessageController) GetConversations(c *gin.Context) {
	convs, err := ctl.chat.ListConversations(c.Request.Context(), middlewares.UserID(c))
	if err != nil {
		respondError(c, ctl.logger, "list conversations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (ctl *MessageController) GetConversationMessages(c *gin.Context) {
	msgs, err := ctl.chat.ConversationMessages(c.Request.Context(), middlewares.UserID(c), c.Param("conversationId"))
	if err != nil {
		respondError(c, ctl.logger, "conversation messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
