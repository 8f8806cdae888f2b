package model

import "time"

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusStreaming JobStatus = "streaming"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// Job is one in-flight or finished unit of analysis work. Jobs live only in
// memory; the consumer destroys them explicitly once it has handled the
// terminal state.
type Job struct {
	ID          int64
	HighlightID int64
	Kind        AnalysisKind

	// Request is the submission that created the job, kept so the terminal
	// hand-off and explicit re-saves know the question asked and whether
	// the answer extends an earlier record's thread.
	Request AnalysisRequest

	// Status only ever moves forward: queued -> running -> streaming ->
	// completed|error (comment jobs skip streaming).
	Status JobStatus

	// StreamingText accumulates deltas in receipt order. It is wiped only
	// when a fallback restarts generation on the secondary backend.
	StreamingText string

	// FinalResult is set exactly once, on completed.
	FinalResult *string

	// ErrKind and ErrMessage are set exactly once, on error.
	ErrKind    string
	ErrMessage string

	Model        string
	UsedFallback bool

	// Outcome of the completion handler's save. A failed save leaves the
	// result in memory so the caller can retry it explicitly.
	Persisted  bool
	PersistErr string

	// Follow-up questions proposed after completion, when enabled.
	Suggestions []string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}
