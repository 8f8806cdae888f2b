package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"marginalia.app/insight/common/id"
	"marginalia.app/insight/core/db"
	"marginalia.app/insight/internal/model"
)

type threadStore struct {
	db *db.DB
}

func newThreadStore(database *db.DB) ThreadStore {
	return &threadStore{db: database}
}

const turnColumns = `id, analysis_id, turn_index, question, answer, created_at`

const getTurnByContentSQL = `
SELECT ` + turnColumns + `
FROM analysis_turns
WHERE analysis_id = $1 AND question = $2 AND answer = $3
ORDER BY turn_index
LIMIT 1`

// The aggregate subquery and the insert run in one transaction, which keeps
// turn indexes dense per analysis.
const insertTurnSQL = `
INSERT INTO analysis_turns (id, analysis_id, turn_index, question, answer)
SELECT $1, $2, COALESCE(MAX(turn_index) + 1, 0), $3, $4
FROM analysis_turns
WHERE analysis_id = $2
RETURNING turn_index, created_at`

func (s *threadStore) AppendTurn(ctx context.Context, analysisID int64, question, answer string) (*model.AnalysisTurn, error) {
	var turn *model.AnalysisTurn

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanTurn(tx.QueryRow(ctx, getTurnByContentSQL, analysisID, question, answer))
		if err == nil {
			turn = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("checking for duplicate turn: %w", err)
		}

		t := &model.AnalysisTurn{
			ID:         id.New(),
			AnalysisID: analysisID,
			Question:   question,
			Answer:     answer,
		}
		if err := tx.QueryRow(ctx, insertTurnSQL, t.ID, analysisID, question, answer).Scan(&t.TurnIndex, &t.CreatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return ErrNotFound
			}
			return fmt.Errorf("inserting turn: %w", err)
		}
		turn = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turn, nil
}

func (s *threadStore) ListByAnalysis(ctx context.Context, analysisID int64) ([]model.AnalysisTurn, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+turnColumns+` FROM analysis_turns WHERE analysis_id = $1 ORDER BY turn_index`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AnalysisTurn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTurn(row pgx.Row) (*model.AnalysisTurn, error) {
	var t model.AnalysisTurn
	if err := row.Scan(&t.ID, &t.AnalysisID, &t.TurnIndex, &t.Question, &t.Answer, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
