package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/threadline/threadline-backend/internal/handlers"
	"github.com/threadline/threadline-backend/internal/middleware"
)

type RouterConfig struct {
	AuthMiddleware *middleware.AuthMiddleware
	ChatHandler    *handlers.ChatHandler
	SSEHandler     *handlers.SSEHandler
	AllowOrigins   []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5173",
		}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// Public
	router.GET("/healthcheck", handlers.HealthCheck)

	// Protected
	protected := router.Group("/api")
	protected.Use(cfg.AuthMiddleware.RequireAuth())

	// SSE
	protected.GET("/sse/stream", cfg.SSEHandler.SSEStream)

	// Conversations
	protected.POST("/conversations", cfg.ChatHandler.EnsureConversation)
	protected.GET("/conversations", cfg.ChatHandler.ListConversations)
	protected.GET("/conversations/:id", cfg.ChatHandler.GetConversation)
	protected.DELETE("/conversations/:id", cfg.ChatHandler.DeleteConversation)

	// Messages
	protected.POST("/conversations/:id/messages", cfg.ChatHandler.SendMessage)
	protected.GET("/conversations/:id/messages", cfg.ChatHandler.LoadOlder)
	protected.POST("/conversations/:id/sync", cfg.ChatHandler.Sync)
	protected.POST("/conversations/:id/abort", cfg.ChatHandler.Abort)

	return router
}
