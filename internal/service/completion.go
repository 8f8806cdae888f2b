package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marginalia.app/insight/internal/events"
	"marginalia.app/insight/internal/model"
)

// markerColors maps each analysis kind to the accent its highlight marker
// takes once a result of that kind is saved.
var markerColors = map[model.AnalysisKind]string{
	model.AnalysisKindFactCheck:      "amber",
	model.AnalysisKindDiscussion:     "violet",
	model.AnalysisKindKeyPoints:      "teal",
	model.AnalysisKindArgumentMap:    "indigo",
	model.AnalysisKindCounterpoints:  "rose",
	model.AnalysisKindCustomQuestion: "sky",
	model.AnalysisKindComment:        "slate",
}

const suggestTimeout = 30 * time.Second

// handleTerminal runs once per job, off the orchestrator's worker goroutine.
// Only completed jobs persist; failed jobs keep their partial text in memory
// until the consumer releases them. A persistence error is returned to the
// orchestrator, which records it on the job for an explicit retry.
func (s *analysisService) handleTerminal(ctx context.Context, job model.Job) error {
	if job.Status != model.JobStatusCompleted {
		return nil
	}
	if err := s.persist(ctx, job); err != nil {
		return err
	}
	s.afterSave(ctx, job)
	return nil
}

// persist writes the completed result. A follow-up on an already saved
// analysis extends that record's turn thread; anything else becomes a new
// record. Both paths deduplicate in the store, so repeated saves of the same
// result write nothing.
func (s *analysisService) persist(ctx context.Context, job model.Job) error {
	text := job.StreamingText
	if job.FinalResult != nil {
		text = *job.FinalResult
	}

	if prior := job.Request.PriorAnalysisID; prior != 0 {
		if _, err := s.threads.AppendTurn(ctx, prior, job.Request.Question, text); err != nil {
			return fmt.Errorf("appending turn to analysis %d: %w", prior, err)
		}
		return nil
	}

	if _, err := s.analyses.Insert(ctx, &model.Analysis{
		HighlightID:  job.HighlightID,
		Kind:         job.Kind,
		Prompt:       job.Request.Question,
		ResponseText: text,
		Model:        job.Model,
		UsedFallback: job.UsedFallback,
	}); err != nil {
		return fmt.Errorf("inserting analysis: %w", err)
	}
	return nil
}

func (s *analysisService) afterSave(ctx context.Context, job model.Job) {
	s.updateMarker(ctx, job.HighlightID, markerKindFor(job))
	s.kickSuggester(ctx, job)
}

func (s *analysisService) updateMarker(ctx context.Context, highlightID int64, kind model.AnalysisKind) {
	count, err := s.analyses.CountByHighlight(ctx, highlightID)
	if err != nil {
		slog.WarnContext(ctx, "marker refresh skipped, count failed",
			"highlight_id", highlightID,
			"error", err)
		return
	}
	s.dispatchMarker(ctx, model.MarkerUpdate{
		HighlightID: highlightID,
		Color:       markerColors[kind],
		MarkerCount: count,
	})
}

// dispatchMarker applies the update now, or parks it in the deferred queue
// while an exclusive selection session is open. The queue keeps only the
// latest update per highlight.
func (s *analysisService) dispatchMarker(ctx context.Context, mut model.MarkerUpdate) {
	if s.gate.HasExclusiveSession() {
		s.deferred.Enqueue(mut)
		slog.DebugContext(ctx, "marker update deferred until session close",
			"highlight_id", mut.HighlightID)
		return
	}
	s.applyMarker(ctx, mut)
}

func (s *analysisService) applyMarker(ctx context.Context, mut model.MarkerUpdate) {
	s.mu.Lock()
	appliers := make([]func(model.MarkerUpdate), len(s.appliers))
	copy(appliers, s.appliers)
	s.mu.Unlock()

	for _, fn := range appliers {
		fn(mut)
	}
	if err := s.events.Publish(ctx, events.Event{
		Type:        events.TypeMarker,
		HighlightID: mut.HighlightID,
		Color:       mut.Color,
		MarkerCount: mut.MarkerCount,
	}); err != nil {
		slog.WarnContext(ctx, "publishing marker event",
			"highlight_id", mut.HighlightID,
			"error", err)
	}
}

// flushDeferred runs when the selection session closes. The session's own
// request context is gone by then, so application runs on a fresh one.
func (s *analysisService) flushDeferred() {
	ctx := context.Background()
	s.deferred.FlushAll(func(mut model.MarkerUpdate) {
		s.applyMarker(ctx, mut)
	})
}

// kickSuggester asks for follow-up questions in the background. Comments
// never get suggestions, and a job that already carries some keeps them.
func (s *analysisService) kickSuggester(ctx context.Context, job model.Job) {
	if s.suggester == nil || job.Kind == model.AnalysisKindComment {
		return
	}
	if len(job.Suggestions) > 0 {
		return
	}

	answer := job.StreamingText
	if job.FinalResult != nil {
		answer = *job.FinalResult
	}

	go func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), suggestTimeout)
		defer cancel()

		questions, err := s.suggester.Suggest(sctx, job.Request, answer)
		if err != nil {
			slog.WarnContext(sctx, "follow-up suggestions failed",
				"job_id", job.ID,
				"error", err)
			return
		}
		if len(questions) == 0 {
			return
		}
		s.jobStore.SetSuggestions(job.ID, questions)
		if err := s.events.Publish(sctx, events.Event{
			Type:        events.TypeSuggestions,
			JobID:       job.ID,
			HighlightID: job.HighlightID,
			Kind:        string(job.Kind),
			Suggestions: questions,
		}); err != nil {
			slog.WarnContext(sctx, "publishing suggestions event",
				"job_id", job.ID,
				"error", err)
		}
	}()
}

// markerKindFor picks the kind that colors the marker. A follow-up turn
// recolors with the underlying record's kind, not the follow-up's.
func markerKindFor(job model.Job) model.AnalysisKind {
	if job.Request.PriorAnalysisID != 0 && job.Request.PriorKind != "" {
		return job.Request.PriorKind
	}
	return job.Kind
}
