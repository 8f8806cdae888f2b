package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marginalia.app/insight/internal/http/dto"
	"marginalia.app/insight/internal/jobs"
	"marginalia.app/insight/internal/model"
	"marginalia.app/insight/internal/service"
	"marginalia.app/insight/internal/store"
)

type AnalysisHandler struct {
	svc service.AnalysisService
}

func NewAnalysisHandler(svc service.AnalysisService) *AnalysisHandler {
	return &AnalysisHandler{svc: svc}
}

// Submit enqueues an analysis job and returns its ID. The job streams in the
// background; clients follow it via GET /jobs/:id or the SSE feed.
func (h *AnalysisHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SubmitAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid analysis submission", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.svc.Submit(ctx, model.AnalysisRequest{
		HighlightID:        req.HighlightID,
		Kind:               model.AnalysisKind(req.Kind),
		SelectedText:       req.SelectedText,
		SurroundingContext: req.SurroundingContext,
		ExtendedContext:    req.ExtendedContext,
		Question:           req.Question,
		History:            toHistory(req.History),
		PriorAnalysisID:    req.PriorAnalysisID,
		PriorKind:          model.AnalysisKind(req.PriorKind),
		PriorResult:        req.PriorResult,
	})
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrInvalidKind),
			errors.Is(err, jobs.ErrMissingSelection),
			errors.Is(err, jobs.ErrMissingQuestion):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			slog.ErrorContext(ctx, "failed to submit analysis", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit analysis"})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitAnalysisResponse{JobID: jobID})
}

// Get returns a snapshot of the job. Released jobs are gone for good, so
// they answer 404.
func (h *AnalysisHandler) Get(c *gin.Context) {
	jobID, ok := paramID(c, "invalid job id")
	if !ok {
		return
	}

	job, found := h.svc.Get(jobID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, h.toJobResponse(job))
}

// Release destroys the job record. Idempotent: releasing an unknown or
// already released job still answers 204.
func (h *AnalysisHandler) Release(c *gin.Context) {
	jobID, ok := paramID(c, "invalid job id")
	if !ok {
		return
	}

	h.svc.Release(jobID)
	c.Status(http.StatusNoContent)
}

// Dismiss records that the user navigated away. The job keeps running and
// still persists its result; only the display intent changes.
func (h *AnalysisHandler) Dismiss(c *gin.Context) {
	jobID, ok := paramID(c, "invalid job id")
	if !ok {
		return
	}

	h.svc.Dismiss(jobID)
	c.Status(http.StatusNoContent)
}

// Save re-runs persistence for a completed job whose automatic save failed.
func (h *AnalysisHandler) Save(c *gin.Context) {
	ctx := c.Request.Context()

	jobID, ok := paramID(c, "invalid job id")
	if !ok {
		return
	}

	if err := h.svc.RetrySave(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, service.ErrJobNotCompleted):
			c.JSON(http.StatusConflict, gin.H{"error": "job has no completed result to save"})
		default:
			slog.ErrorContext(ctx, "failed to save analysis result", "error", err, "job_id", jobID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save analysis result"})
		}
		return
	}

	job, found := h.svc.Get(jobID)
	if !found {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, h.toJobResponse(job))
}

// Deactivate clears the active display job for a highlight.
func (h *AnalysisHandler) Deactivate(c *gin.Context) {
	highlightID, ok := paramID(c, "invalid highlight id")
	if !ok {
		return
	}

	h.svc.Deactivate(highlightID)
	c.Status(http.StatusNoContent)
}

// History lists the saved analyses for a highlight, oldest first.
func (h *AnalysisHandler) History(c *gin.Context) {
	ctx := c.Request.Context()

	highlightID, ok := paramID(c, "invalid highlight id")
	if !ok {
		return
	}

	records, err := h.svc.History(ctx, highlightID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list analyses", "error", err, "highlight_id", highlightID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list analyses"})
		return
	}

	resp := dto.ListAnalysesResponse{Analyses: make([]dto.AnalysisResponse, len(records))}
	for i, rec := range records {
		resp.Analyses[i] = toAnalysisResponse(rec)
	}
	c.JSON(http.StatusOK, resp)
}

// Thread lists the follow-up turns of a saved analysis.
func (h *AnalysisHandler) Thread(c *gin.Context) {
	ctx := c.Request.Context()

	analysisID, ok := paramID(c, "invalid analysis id")
	if !ok {
		return
	}

	turns, err := h.svc.Thread(ctx, analysisID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list analysis thread", "error", err, "analysis_id", analysisID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list analysis thread"})
		return
	}

	resp := dto.ThreadResponse{AnalysisID: analysisID, Turns: make([]dto.TurnResponse, len(turns))}
	for i, turn := range turns {
		resp.Turns[i] = dto.TurnResponse{
			ID:        turn.ID,
			TurnIndex: turn.TurnIndex,
			Question:  turn.Question,
			Answer:    turn.Answer,
			CreatedAt: turn.CreatedAt.Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteAnalysis removes a saved record and refreshes the owning highlight's
// marker.
func (h *AnalysisHandler) DeleteAnalysis(c *gin.Context) {
	ctx := c.Request.Context()

	analysisID, ok := paramID(c, "invalid analysis id")
	if !ok {
		return
	}

	if err := h.svc.DeleteAnalysis(ctx, analysisID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to delete analysis", "error", err, "analysis_id", analysisID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete analysis"})
		return
	}

	c.Status(http.StatusNoContent)
}

func paramID(c *gin.Context, msg string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return 0, false
	}
	return id, true
}

func toHistory(history []dto.QA) []model.QA {
	if len(history) == 0 {
		return nil
	}
	out := make([]model.QA, len(history))
	for i, qa := range history {
		out[i] = model.QA{Question: qa.Question, Answer: qa.Answer}
	}
	return out
}

func (h *AnalysisHandler) toJobResponse(job model.Job) dto.JobResponse {
	resp := dto.JobResponse{
		ID:            job.ID,
		HighlightID:   job.HighlightID,
		Kind:          string(job.Kind),
		Status:        string(job.Status),
		Active:        h.svc.IsActive(job.HighlightID, job.ID),
		StreamingText: job.StreamingText,
		FinalResult:   job.FinalResult,
		ErrKind:       job.ErrKind,
		ErrMessage:    job.ErrMessage,
		Model:         job.Model,
		UsedFallback:  job.UsedFallback,
		Persisted:     job.Persisted,
		PersistErr:    job.PersistErr,
		Suggestions:   job.Suggestions,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
	}
	if !job.StartedAt.IsZero() {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if !job.CompletedAt.IsZero() {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func toAnalysisResponse(rec model.Analysis) dto.AnalysisResponse {
	return dto.AnalysisResponse{
		ID:           rec.ID,
		HighlightID:  rec.HighlightID,
		Kind:         string(rec.Kind),
		Prompt:       rec.Prompt,
		ResponseText: rec.ResponseText,
		Model:        rec.Model,
		UsedFallback: rec.UsedFallback,
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
	}
}
