package router

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"marginalia.app/insight/internal/http/handler"
	"marginalia.app/insight/internal/service"
)

type RouterConfig struct {
	// EventStream is the Redis stream the SSE bridge reads. A nil Redis
	// client disables the bridge with a 503.
	EventStream string
	Redis       *redis.Client
}

func SetupRoutes(router *gin.Engine, svc service.AnalysisService, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		analysisHandler := handler.NewAnalysisHandler(svc)
		AnalysisRouter(v1, analysisHandler)

		sessionHandler := handler.NewSessionHandler(svc)
		SessionRouter(v1.Group("/session"), sessionHandler)

		streamHandler := handler.NewEventStreamHandler(cfg.Redis, cfg.EventStream)
		EventStreamRouter(v1.Group("/events"), streamHandler)
	}
}
