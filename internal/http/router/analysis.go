package router

import (
	"github.com/gin-gonic/gin"

	"marginalia.app/insight/internal/http/handler"
)

func AnalysisRouter(v1 *gin.RouterGroup, h *handler.AnalysisHandler) {
	v1.POST("/analyses", h.Submit)
	v1.GET("/analyses/:id/thread", h.Thread)
	v1.DELETE("/analyses/:id", h.DeleteAnalysis)

	v1.GET("/jobs/:id", h.Get)
	v1.DELETE("/jobs/:id", h.Release)
	v1.POST("/jobs/:id/dismiss", h.Dismiss)
	v1.POST("/jobs/:id/save", h.Save)

	v1.POST("/highlights/:id/deactivate", h.Deactivate)
	v1.GET("/highlights/:id/analyses", h.History)
}
