package model

import "time"

type AnalysisKind string

const (
	AnalysisKindFactCheck      AnalysisKind = "fact_check"
	AnalysisKindDiscussion     AnalysisKind = "discussion"
	AnalysisKindKeyPoints      AnalysisKind = "key_points"
	AnalysisKindArgumentMap    AnalysisKind = "argument_map"
	AnalysisKindCounterpoints  AnalysisKind = "counterpoints"
	AnalysisKindCustomQuestion AnalysisKind = "custom_question"
	AnalysisKindComment        AnalysisKind = "comment"
)

// Valid reports whether k is one of the known analysis kinds.
func (k AnalysisKind) Valid() bool {
	switch k {
	case AnalysisKindFactCheck, AnalysisKindDiscussion, AnalysisKindKeyPoints,
		AnalysisKindArgumentMap, AnalysisKindCounterpoints, AnalysisKindCustomQuestion,
		AnalysisKindComment:
		return true
	}
	return false
}

// QA is one prior (question, answer) exchange carried into a request so the
// model sees the conversation so far.
type QA struct {
	Question string
	Answer   string
}

// AnalysisRequest is the immutable input to one analysis job.
type AnalysisRequest struct {
	HighlightID        int64
	Kind               AnalysisKind
	SelectedText       string // the highlighted span
	SurroundingContext string // paragraph-scale context around the span
	ExtendedContext    string // optional chapter-scale context, truncated before prompting
	Question           string // required for custom_question and comment
	History            []QA   // prior exchanges, oldest first

	// Set when this request follows up on an already persisted analysis.
	// The completed answer is then appended to that record's turn thread
	// instead of creating a new record.
	PriorAnalysisID int64
	PriorKind       AnalysisKind
	PriorResult     string
}

// Analysis is one persisted analysis record attached to a highlight.
type Analysis struct {
	ID           int64
	HighlightID  int64
	Kind         AnalysisKind
	Prompt       string // the user's question when one was asked, empty otherwise
	ResponseText string
	Model        string
	UsedFallback bool
	CreatedAt    time.Time
}

// AnalysisTurn is one follow-up exchange in a persisted analysis's thread.
// Turns are append-only and dense per analysis (turn_index 0, 1, 2...).
type AnalysisTurn struct {
	ID         int64
	AnalysisID int64
	TurnIndex  int
	Question   string
	Answer     string
	CreatedAt  time.Time
}
