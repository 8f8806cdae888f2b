// Package jobs runs streaming analysis jobs: an in-memory job store, the
// per-highlight registry that decides which job a highlight displays, the
// deferred marker mutation queue, and the orchestrator that drives generation
// streams into the store.
package jobs

import (
	"log/slog"
	"sync"
	"time"

	"marginalia.app/insight/common/id"
	"marginalia.app/insight/internal/model"
)

// statusRank orders the job lifecycle. Transitions only ever move to a
// higher rank; both terminal states share the top rank so neither can
// overwrite the other.
var statusRank = map[model.JobStatus]int{
	model.JobStatusQueued:    0,
	model.JobStatusRunning:   1,
	model.JobStatusStreaming: 2,
	model.JobStatusCompleted: 3,
	model.JobStatusError:     3,
}

// Store holds every job for the lifetime of the process. Jobs leave only
// through Clear; there is no eviction. All access goes through one mutex,
// and reads hand out value snapshots so callers never share memory with
// concurrent writers.
type Store struct {
	mu   sync.Mutex
	jobs map[int64]*model.Job
}

func NewStore() *Store {
	return &Store{jobs: make(map[int64]*model.Job)}
}

// Create registers a new queued job and returns its ID. Synchronous, no I/O:
// the ID exists before Create returns, so callers can hand it out immediately.
func (s *Store) Create(req model.AnalysisRequest) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &model.Job{
		ID:          id.New(),
		HighlightID: req.HighlightID,
		Kind:        req.Kind,
		Request:     req,
		Status:      model.JobStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	s.jobs[j.ID] = j
	return j.ID
}

// Get returns a snapshot of the job. The copy is deep enough that mutating
// the returned value never touches the stored one.
func (s *Store) Get(jobID int64) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return model.Job{}, false
	}
	return snapshot(j), true
}

// Clear removes the job. Missing jobs are a no-op.
func (s *Store) Clear(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

func (s *Store) MarkRunning(jobID int64, modelName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.advance(jobID, model.JobStatusRunning)
	if !ok {
		return
	}
	j.StartedAt = time.Now().UTC()
	j.Model = modelName
}

func (s *Store) MarkStreaming(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(jobID, model.JobStatusStreaming)
}

// Append adds flushed text to the job's streaming buffer. Terminal jobs
// ignore late appends.
func (s *Store) Append(jobID int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status.Terminal() {
		return
	}
	j.StreamingText += text
}

// ResetStreaming discards the streaming buffer. Called by the job's own
// worker when generation restarts on the fallback model, so text from the
// abandoned attempt is never mixed with the new one.
func (s *Store) ResetStreaming(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status.Terminal() {
		return
	}
	j.StreamingText = ""
}

// SetFallback records that the job switched to the named fallback model.
func (s *Store) SetFallback(jobID int64, modelName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status.Terminal() {
		return
	}
	j.Model = modelName
	j.UsedFallback = true
}

// Complete moves the job to its completed terminal state. Terminal fields
// are write-once: completing an already-terminal job is a logged no-op.
func (s *Store) Complete(jobID int64, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.advance(jobID, model.JobStatusCompleted)
	if !ok {
		return
	}
	j.StreamingText = result
	j.FinalResult = &result
	j.CompletedAt = time.Now().UTC()
}

// Fail moves the job to its error terminal state, preserving whatever text
// already streamed. Failing an already-terminal job is a logged no-op.
func (s *Store) Fail(jobID int64, errKind, errMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.advance(jobID, model.JobStatusError)
	if !ok {
		return
	}
	j.ErrKind = errKind
	j.ErrMessage = errMessage
	j.CompletedAt = time.Now().UTC()
}

// SetPersistOutcome records whether the terminal hand-off managed to persist
// the result. A failed persist leaves the completed job intact so the save
// can be retried explicitly.
func (s *Store) SetPersistOutcome(jobID int64, persisted bool, persistErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	j.Persisted = persisted
	j.PersistErr = persistErr
}

// SetSuggestions attaches follow-up questions produced after completion.
func (s *Store) SetSuggestions(jobID int64, suggestions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	j.Suggestions = append([]string(nil), suggestions...)
}

// advance moves the job to status if that is a forward transition.
// Must be called with the mutex held.
func (s *Store) advance(jobID int64, status model.JobStatus) (*model.Job, bool) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	if statusRank[status] <= statusRank[j.Status] {
		slog.Warn("ignoring backward job transition", "job_id", jobID, "from", j.Status, "to", status)
		return nil, false
	}
	j.Status = status
	return j, true
}

func snapshot(j *model.Job) model.Job {
	out := *j
	if j.FinalResult != nil {
		v := *j.FinalResult
		out.FinalResult = &v
	}
	if j.Suggestions != nil {
		out.Suggestions = append([]string(nil), j.Suggestions...)
	}
	if j.Request.History != nil {
		out.Request.History = append([]model.QA(nil), j.Request.History...)
	}
	return out
}
