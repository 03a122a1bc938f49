package controllers

import (
	"errors"
	"net/http"

	"deepchat/queue"
	"deepchat/services"
	"deepchat/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps service errors to user-safe JSON. Anything unexpected is
// logged and answered with a generic 500.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var authErr *services.AuthError
	var validationErr *services.ValidationError
	switch {
	case errors.As(err, &authErr):
		if authErr.NotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": authErr.Error()})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.Is(err, store.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "Message is already finalized"})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, services.ErrEmptyHistory):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Conversation has nothing to answer"})
	default:
		logger.Error(op, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Error"})
	}
}
