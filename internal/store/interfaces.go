package store

import (
	"context"
	"errors"

	"marginalia.app/insight/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AnalysisStore defines the contract for persisted analysis records
type AnalysisStore interface {
	// Insert saves the record, unless an identical one (same highlight,
	// kind, prompt and response text) already exists, in which case the
	// existing record is returned and nothing is written.
	Insert(ctx context.Context, a *model.Analysis) (*model.Analysis, error)
	GetByID(ctx context.Context, id int64) (*model.Analysis, error)
	ListByHighlight(ctx context.Context, highlightID int64) ([]model.Analysis, error)
	CountByHighlight(ctx context.Context, highlightID int64) (int, error)
	Delete(ctx context.Context, id int64) error
}

// ThreadStore defines the contract for the follow-up turns of an analysis
type ThreadStore interface {
	// AppendTurn adds the exchange as the next turn, unless the analysis
	// already has a turn with this exact question and answer, in which
	// case that turn is returned and nothing is written. Turn indexes are
	// dense and ascending per analysis.
	AppendTurn(ctx context.Context, analysisID int64, question, answer string) (*model.AnalysisTurn, error)
	ListByAnalysis(ctx context.Context, analysisID int64) ([]model.AnalysisTurn, error)
}
