package handler_test

import (
	"context"

	"marginalia.app/insight/internal/model"
)

type mockAnalysisService struct {
	submitFn         func(ctx context.Context, req model.AnalysisRequest) (int64, error)
	getFn            func(jobID int64) (model.Job, bool)
	isActiveFn       func(highlightID, jobID int64) bool
	activeJobFn      func(highlightID int64) (int64, bool)
	dismissFn        func(jobID int64)
	deactivateFn     func(highlightID int64)
	releaseFn        func(jobID int64)
	retrySaveFn      func(ctx context.Context, jobID int64) error
	historyFn        func(ctx context.Context, highlightID int64) ([]model.Analysis, error)
	threadFn         func(ctx context.Context, analysisID int64) ([]model.AnalysisTurn, error)
	deleteAnalysisFn func(ctx context.Context, id int64) error
	openSessionFn    func(highlightID int64)
	closeSessionFn   func()
}

func (m *mockAnalysisService) Submit(ctx context.Context, req model.AnalysisRequest) (int64, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, req)
	}
	return 0, nil
}

func (m *mockAnalysisService) Get(jobID int64) (model.Job, bool) {
	if m.getFn != nil {
		return m.getFn(jobID)
	}
	return model.Job{}, false
}

func (m *mockAnalysisService) IsActive(highlightID, jobID int64) bool {
	if m.isActiveFn != nil {
		return m.isActiveFn(highlightID, jobID)
	}
	return false
}

func (m *mockAnalysisService) ActiveJob(highlightID int64) (int64, bool) {
	if m.activeJobFn != nil {
		return m.activeJobFn(highlightID)
	}
	return 0, false
}

func (m *mockAnalysisService) Dismiss(jobID int64) {
	if m.dismissFn != nil {
		m.dismissFn(jobID)
	}
}

func (m *mockAnalysisService) Deactivate(highlightID int64) {
	if m.deactivateFn != nil {
		m.deactivateFn(highlightID)
	}
}

func (m *mockAnalysisService) Release(jobID int64) {
	if m.releaseFn != nil {
		m.releaseFn(jobID)
	}
}

func (m *mockAnalysisService) RetrySave(ctx context.Context, jobID int64) error {
	if m.retrySaveFn != nil {
		return m.retrySaveFn(ctx, jobID)
	}
	return nil
}

func (m *mockAnalysisService) History(ctx context.Context, highlightID int64) ([]model.Analysis, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, highlightID)
	}
	return nil, nil
}

func (m *mockAnalysisService) Thread(ctx context.Context, analysisID int64) ([]model.AnalysisTurn, error) {
	if m.threadFn != nil {
		return m.threadFn(ctx, analysisID)
	}
	return nil, nil
}

func (m *mockAnalysisService) DeleteAnalysis(ctx context.Context, id int64) error {
	if m.deleteAnalysisFn != nil {
		return m.deleteAnalysisFn(ctx, id)
	}
	return nil
}

func (m *mockAnalysisService) OpenSession(highlightID int64) {
	if m.openSessionFn != nil {
		m.openSessionFn(highlightID)
	}
}

func (m *mockAnalysisService) CloseSession() {
	if m.closeSessionFn != nil {
		m.closeSessionFn()
	}
}

func (m *mockAnalysisService) OnMarkerUpdate(func(model.MarkerUpdate)) {}
