package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"marginalia.app/insight/internal/http/dto"
	"marginalia.app/insight/internal/service"
)

type SessionHandler struct {
	svc service.AnalysisService
}

func NewSessionHandler(svc service.AnalysisService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Update opens or closes the exclusive selection session. Closing flushes
// any marker updates deferred while it was open.
func (h *SessionHandler) Update(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: open is required"})
		return
	}

	if *req.Open {
		if req.HighlightID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "highlight_id is required to open a session"})
			return
		}
		h.svc.OpenSession(req.HighlightID)
		slog.DebugContext(ctx, "selection session opened", "highlight_id", req.HighlightID)
	} else {
		h.svc.CloseSession()
		slog.DebugContext(ctx, "selection session closed")
	}

	c.Status(http.StatusNoContent)
}
