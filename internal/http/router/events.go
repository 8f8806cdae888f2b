package router

import (
	"github.com/gin-gonic/gin"

	"marginalia.app/insight/internal/http/handler"
)

func EventStreamRouter(rg *gin.RouterGroup, h *handler.EventStreamHandler) {
	rg.GET("/stream", h.Stream)
}
