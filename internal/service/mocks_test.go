package service_test

import (
	"context"
	"sync"

	"marginalia.app/insight/common/llm"
	"marginalia.app/insight/internal/events"
	"marginalia.app/insight/internal/jobs"
	"marginalia.app/insight/internal/model"
	"marginalia.app/insight/internal/store"
)

type mockAnalysisStore struct {
	mu      sync.Mutex
	inserts []model.Analysis

	insertFn  func(ctx context.Context, a *model.Analysis) (*model.Analysis, error)
	getByIDFn func(ctx context.Context, id int64) (*model.Analysis, error)
	listFn    func(ctx context.Context, highlightID int64) ([]model.Analysis, error)
	countFn   func(ctx context.Context, highlightID int64) (int, error)
	deleteFn  func(ctx context.Context, id int64) error
}

func (m *mockAnalysisStore) Insert(ctx context.Context, a *model.Analysis) (*model.Analysis, error) {
	m.mu.Lock()
	m.inserts = append(m.inserts, *a)
	fn := m.insertFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, a)
	}
	out := *a
	if out.ID == 0 {
		out.ID = 1
	}
	return &out, nil
}

func (m *mockAnalysisStore) GetByID(ctx context.Context, id int64) (*model.Analysis, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockAnalysisStore) ListByHighlight(ctx context.Context, highlightID int64) ([]model.Analysis, error) {
	if m.listFn != nil {
		return m.listFn(ctx, highlightID)
	}
	return nil, nil
}

func (m *mockAnalysisStore) CountByHighlight(ctx context.Context, highlightID int64) (int, error) {
	if m.countFn != nil {
		return m.countFn(ctx, highlightID)
	}
	return 0, nil
}

func (m *mockAnalysisStore) Delete(ctx context.Context, id int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockAnalysisStore) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserts)
}

func (m *mockAnalysisStore) lastInsert() (model.Analysis, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inserts) == 0 {
		return model.Analysis{}, false
	}
	return m.inserts[len(m.inserts)-1], true
}

type appendedTurn struct {
	analysisID int64
	question   string
	answer     string
}

type mockThreadStore struct {
	mu      sync.Mutex
	appends []appendedTurn

	appendTurnFn func(ctx context.Context, analysisID int64, question, answer string) (*model.AnalysisTurn, error)
	listFn       func(ctx context.Context, analysisID int64) ([]model.AnalysisTurn, error)
}

func (m *mockThreadStore) AppendTurn(ctx context.Context, analysisID int64, question, answer string) (*model.AnalysisTurn, error) {
	m.mu.Lock()
	m.appends = append(m.appends, appendedTurn{analysisID: analysisID, question: question, answer: answer})
	fn := m.appendTurnFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, analysisID, question, answer)
	}
	return &model.AnalysisTurn{AnalysisID: analysisID, Question: question, Answer: answer}, nil
}

func (m *mockThreadStore) ListByAnalysis(ctx context.Context, analysisID int64) ([]model.AnalysisTurn, error) {
	if m.listFn != nil {
		return m.listFn(ctx, analysisID)
	}
	return nil, nil
}

func (m *mockThreadStore) appendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appends)
}

func (m *mockThreadStore) lastAppend() (appendedTurn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.appends) == 0 {
		return appendedTurn{}, false
	}
	return m.appends[len(m.appends)-1], true
}

type mockPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *mockPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *mockPublisher) Close() error { return nil }

func (p *mockPublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type mockSuggester struct {
	mu    sync.Mutex
	calls int

	suggestFn func(ctx context.Context, req model.AnalysisRequest, answer string) ([]string, error)
}

func (m *mockSuggester) Suggest(ctx context.Context, req model.AnalysisRequest, answer string) ([]string, error) {
	m.mu.Lock()
	m.calls++
	fn := m.suggestFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, answer)
	}
	return nil, nil
}

func (m *mockSuggester) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// stubStream replays scripted deltas, then ends with err or a clean EOF.
type stubStream struct {
	events []llm.Event
	err    error
	i      int
	cur    llm.Event
}

func (s *stubStream) Next() bool {
	if s.i >= len(s.events) {
		return false
	}
	s.cur = s.events[s.i]
	s.i++
	return true
}

func (s *stubStream) Event() llm.Event { return s.cur }
func (s *stubStream) Err() error       { return s.err }
func (s *stubStream) Close() error     { return nil }

type stubStreamer struct {
	deltas   []string
	failWith error
}

func (s *stubStreamer) Open(_ context.Context, _ llm.Request) jobs.EventStream {
	st := &stubStream{err: s.failWith}
	for _, d := range s.deltas {
		st.events = append(st.events, llm.Event{Type: llm.EventContent, Text: d})
	}
	return st
}

func (s *stubStreamer) Model() string { return "test-model" }
