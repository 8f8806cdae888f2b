package store

import (
	"marginalia.app/insight/core/db"
)

type Stores struct {
	db *db.DB
}

func NewStores(database *db.DB) *Stores {
	return &Stores{db: database}
}

func (s *Stores) Analyses() AnalysisStore {
	return newAnalysisStore(s.db)
}

func (s *Stores) Threads() ThreadStore {
	return newThreadStore(s.db)
}
