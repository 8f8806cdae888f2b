package router

import (
	"github.com/gin-gonic/gin"

	"marginalia.app/insight/internal/http/handler"
)

func SessionRouter(rg *gin.RouterGroup, h *handler.SessionHandler) {
	rg.POST("", h.Update)
}
