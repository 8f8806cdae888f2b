package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"marginalia.app/insight/internal/events"
	"marginalia.app/insight/internal/jobs"
	"marginalia.app/insight/internal/model"
	"marginalia.app/insight/internal/store"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotCompleted = errors.New("job not completed")
)

// AnalysisService is the consumer-facing surface of the analysis engine:
// submitting jobs, reading their state, persisting results and managing the
// selection session that defers marker redraws.
type AnalysisService interface {
	Submit(ctx context.Context, req model.AnalysisRequest) (int64, error)
	Get(jobID int64) (model.Job, bool)

	// IsActive reports whether this job is the one whose output the
	// highlight currently displays. Inactive jobs still run to completion
	// and persist their results.
	IsActive(highlightID, jobID int64) bool
	ActiveJob(highlightID int64) (int64, bool)
	Dismiss(jobID int64)
	Deactivate(highlightID int64)

	// Release destroys the job record once the consumer has handled its
	// terminal state. Releasing twice is a no-op.
	Release(jobID int64)

	// RetrySave re-runs persistence for a completed job whose automatic
	// save failed. Saving is idempotent, so retrying an already saved job
	// writes nothing new.
	RetrySave(ctx context.Context, jobID int64) error

	History(ctx context.Context, highlightID int64) ([]model.Analysis, error)
	Thread(ctx context.Context, analysisID int64) ([]model.AnalysisTurn, error)
	DeleteAnalysis(ctx context.Context, id int64) error

	// OpenSession and CloseSession bracket an exclusive selection session.
	// Marker updates arriving while one is open are deferred and flushed
	// when it closes.
	OpenSession(highlightID int64)
	CloseSession()

	OnMarkerUpdate(fn func(model.MarkerUpdate))
}

type analysisService struct {
	orch      *jobs.Orchestrator
	jobStore  *jobs.Store
	registry  *jobs.Registry
	deferred  *jobs.MutationQueue
	gate      *SelectionGate
	analyses  store.AnalysisStore
	threads   store.ThreadStore
	events    events.Publisher
	suggester QuestionSuggester

	mu       sync.Mutex
	appliers []func(model.MarkerUpdate)
}

// NewAnalysisService wires the orchestrator's terminal hand-off and the
// gate's session-close flush into one service. A nil suggester disables
// follow-up questions; a nil publisher drops events.
func NewAnalysisService(
	orch *jobs.Orchestrator,
	jobStore *jobs.Store,
	registry *jobs.Registry,
	deferred *jobs.MutationQueue,
	gate *SelectionGate,
	analyses store.AnalysisStore,
	threads store.ThreadStore,
	pub events.Publisher,
	suggester QuestionSuggester,
) AnalysisService {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	s := &analysisService{
		orch:      orch,
		jobStore:  jobStore,
		registry:  registry,
		deferred:  deferred,
		gate:      gate,
		analyses:  analyses,
		threads:   threads,
		events:    pub,
		suggester: suggester,
	}
	orch.SetTerminalHandler(s.handleTerminal)
	gate.OnSessionClosed(s.flushDeferred)
	return s
}

func (s *analysisService) Submit(ctx context.Context, req model.AnalysisRequest) (int64, error) {
	return s.orch.Submit(ctx, req)
}

func (s *analysisService) Get(jobID int64) (model.Job, bool) {
	return s.jobStore.Get(jobID)
}

func (s *analysisService) IsActive(highlightID, jobID int64) bool {
	return s.registry.IsActive(highlightID, jobID)
}

func (s *analysisService) ActiveJob(highlightID int64) (int64, bool) {
	return s.registry.ActiveJob(highlightID)
}

func (s *analysisService) Dismiss(jobID int64) {
	s.registry.Dismiss(jobID)
}

func (s *analysisService) Deactivate(highlightID int64) {
	s.registry.Deactivate(highlightID)
}

func (s *analysisService) Release(jobID int64) {
	s.registry.Release(jobID)
	s.jobStore.Clear(jobID)
}

func (s *analysisService) RetrySave(ctx context.Context, jobID int64) error {
	job, ok := s.jobStore.Get(jobID)
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != model.JobStatusCompleted {
		return ErrJobNotCompleted
	}

	if err := s.persist(ctx, job); err != nil {
		s.jobStore.SetPersistOutcome(jobID, false, err.Error())
		return fmt.Errorf("saving analysis result: %w", err)
	}
	s.jobStore.SetPersistOutcome(jobID, true, "")
	s.afterSave(ctx, job)
	return nil
}

func (s *analysisService) History(ctx context.Context, highlightID int64) ([]model.Analysis, error) {
	return s.analyses.ListByHighlight(ctx, highlightID)
}

func (s *analysisService) Thread(ctx context.Context, analysisID int64) ([]model.AnalysisTurn, error) {
	return s.threads.ListByAnalysis(ctx, analysisID)
}

func (s *analysisService) DeleteAnalysis(ctx context.Context, id int64) error {
	rec, err := s.analyses.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.analyses.Delete(ctx, id); err != nil {
		return err
	}

	remaining, err := s.analyses.ListByHighlight(ctx, rec.HighlightID)
	if err != nil {
		slog.WarnContext(ctx, "marker refresh skipped after delete",
			"highlight_id", rec.HighlightID,
			"error", err)
		return nil
	}
	mut := model.MarkerUpdate{
		HighlightID: rec.HighlightID,
		MarkerCount: len(remaining),
	}
	if n := len(remaining); n > 0 {
		mut.Color = markerColors[remaining[n-1].Kind]
	}
	s.dispatchMarker(ctx, mut)
	return nil
}

func (s *analysisService) OpenSession(highlightID int64) {
	s.gate.OpenSession(highlightID)
}

func (s *analysisService) CloseSession() {
	s.gate.CloseSession()
}

func (s *analysisService) OnMarkerUpdate(fn func(model.MarkerUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliers = append(s.appliers, fn)
}
