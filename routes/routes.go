package routes

import (
	"net/http"

	"deepchat/config"
	"deepchat/controllers"
	"deepchat/middlewares"
	"deepchat/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Deps struct {
	Config *config.AppConfig
	Chat   *services.ChatService
	Worker *services.QueueWorker
	Probe  *services.ProbeService
	Logger *zap.Logger
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CORS(d.Config.Server.AllowOrigin))
	r.Use(middlewares.Logger(d.Logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	chat := controllers.NewChatController(d.Chat, d.Worker, d.Logger)
	messages := controllers.NewMessageController(d.Chat, d.Logger)
	probe := controllers.NewProbeController(d.Probe, d.Logger)

	api := r.Group("/api", middlewares.Auth(d.Config.Auth, d.Logger))

	// チャット
	api.POST("/chat", chat.HandleChat)
	api.POST("/chat/process", chat.HandleProcess)
	api.GET("/chat/status", chat.HandleStatus)
	api.GET("/chat/wait", chat.HandleWait)
	api.GET("/chat/worker", chat.HandleWorker)

	// メッセージ
	api.GET("/messages/:messageId", messages.GetMessage)
	api.PATCH("/messages/:messageId", messages.UpdateMessage)

	// 会話履歴
	api.GET("/conversations", messages.GetConversations)
	api.GET("/conversations/:conversationId/messages", messages.GetConversationMessages)

	api.GET("/test", probe.HandleTest)

	return r
}
