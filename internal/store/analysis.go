package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"marginalia.app/insight/common/id"
	"marginalia.app/insight/core/db"
	"marginalia.app/insight/internal/model"
)

type analysisStore struct {
	db *db.DB
}

func newAnalysisStore(database *db.DB) AnalysisStore {
	return &analysisStore{db: database}
}

const analysisColumns = `id, highlight_id, kind, prompt, response_text, model, used_fallback, created_at`

const insertAnalysisSQL = `
INSERT INTO analyses (id, highlight_id, kind, prompt, response_text, model, used_fallback)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (highlight_id, kind, md5(prompt), md5(response_text)) DO NOTHING
RETURNING created_at`

const getAnalysisByContentSQL = `
SELECT ` + analysisColumns + `
FROM analyses
WHERE highlight_id = $1 AND kind = $2 AND md5(prompt) = md5($3) AND md5(response_text) = md5($4)`

func (s *analysisStore) Insert(ctx context.Context, a *model.Analysis) (*model.Analysis, error) {
	out := *a
	if out.ID == 0 {
		out.ID = id.New()
	}

	err := s.db.Pool().QueryRow(ctx, insertAnalysisSQL,
		out.ID, out.HighlightID, string(out.Kind), out.Prompt, out.ResponseText, out.Model, out.UsedFallback,
	).Scan(&out.CreatedAt)
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inserting analysis: %w", err)
	}

	// an identical record is already saved; hand that one back
	existing, err := scanAnalysis(s.db.Pool().QueryRow(ctx, getAnalysisByContentSQL,
		a.HighlightID, string(a.Kind), a.Prompt, a.ResponseText))
	if err != nil {
		return nil, fmt.Errorf("fetching deduplicated analysis: %w", err)
	}
	return existing, nil
}

func (s *analysisStore) GetByID(ctx context.Context, analysisID int64) (*model.Analysis, error) {
	a, err := scanAnalysis(s.db.Pool().QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, analysisID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *analysisStore) ListByHighlight(ctx context.Context, highlightID int64) ([]model.Analysis, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE highlight_id = $1 ORDER BY created_at, id`, highlightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *analysisStore) CountByHighlight(ctx context.Context, highlightID int64) (int, error) {
	var n int
	err := s.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM analyses WHERE highlight_id = $1`, highlightID).Scan(&n)
	return n, err
}

func (s *analysisStore) Delete(ctx context.Context, analysisID int64) error {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM analyses WHERE id = $1`, analysisID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAnalysis(row pgx.Row) (*model.Analysis, error) {
	var a model.Analysis
	if err := row.Scan(&a.ID, &a.HighlightID, &a.Kind, &a.Prompt, &a.ResponseText, &a.Model, &a.UsedFallback, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
