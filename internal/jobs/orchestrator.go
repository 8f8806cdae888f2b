package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"marginalia.app/insight/common/llm"
	"marginalia.app/insight/common/logger"
	"marginalia.app/insight/internal/events"
	"marginalia.app/insight/internal/model"
)

// Validation failures surfaced by Submit before any job exists.
var (
	ErrInvalidKind      = errors.New("unknown analysis kind")
	ErrMissingSelection = errors.New("selected text is required")
	ErrMissingQuestion  = errors.New("a question is required for this analysis kind")
)

// EventStream is the pull side of one generation stream.
type EventStream interface {
	Next() bool
	Event() llm.Event
	Err() error
	Close() error
}

// Streamer opens generation streams.
type Streamer interface {
	Open(ctx context.Context, req llm.Request) EventStream
	Model() string
}

// LLMStreamer adapts *llm.Client to Streamer.
type LLMStreamer struct {
	Client *llm.Client
}

func (s LLMStreamer) Open(ctx context.Context, req llm.Request) EventStream {
	return s.Client.Open(ctx, req)
}

func (s LLMStreamer) Model() string {
	return s.Client.Model()
}

// TerminalFunc receives every terminal job exactly once, after its end state
// is recorded. For completed jobs the returned error becomes the persist
// outcome; for error jobs it is only logged.
type TerminalFunc func(ctx context.Context, job model.Job) error

type Config struct {
	// FlushEvery is how many content deltas accumulate before a store write.
	FlushEvery int
	// ExtendedContextLimit caps the wider-context prompt section, in runes.
	ExtendedContextLimit int
}

// Orchestrator turns submitted analysis requests into jobs and drives each
// one through its lifecycle on a dedicated goroutine.
type Orchestrator struct {
	store    *Store
	registry *Registry
	streamer Streamer
	events   events.Publisher
	cfg      Config

	// set once during wiring, before the first Submit
	onTerminal TerminalFunc

	wg sync.WaitGroup
}

func NewOrchestrator(store *Store, registry *Registry, streamer Streamer, pub events.Publisher, cfg Config) *Orchestrator {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 8
	}
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		streamer: streamer,
		events:   pub,
		cfg:      cfg,
	}
}

// SetTerminalHandler registers the hand-off invoked for every terminal job.
// Must be called during wiring, before the first Submit.
func (o *Orchestrator) SetTerminalHandler(fn TerminalFunc) {
	o.onTerminal = fn
}

// Submit validates the request, creates the job and makes it the highlight's
// active one, then spawns the worker. Everything observable about the job
// exists before Submit returns; only generation happens concurrently.
func (o *Orchestrator) Submit(ctx context.Context, req model.AnalysisRequest) (int64, error) {
	if err := validateRequest(req); err != nil {
		return 0, err
	}

	jobID := o.store.Create(req)
	o.registry.Track(req.HighlightID, jobID)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:       logger.Ptr(jobID),
		HighlightID: logger.Ptr(req.HighlightID),
		Kind:        logger.Ptr(string(req.Kind)),
	})
	slog.InfoContext(ctx, "analysis job submitted")
	o.publish(ctx, events.Event{Type: events.TypeQueued, JobID: jobID, HighlightID: req.HighlightID, Kind: string(req.Kind)})

	// The worker outlives this request; it carries only the trace ID over.
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	o.wg.Add(1)
	go o.run(jobID, req, traceID)

	return jobID, nil
}

// Wait blocks until every spawned worker has finished. Used on shutdown;
// jobs are never cancelled mid-flight, so draining means letting them end.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func validateRequest(req model.AnalysisRequest) error {
	if !req.Kind.Valid() {
		return ErrInvalidKind
	}
	if strings.TrimSpace(req.SelectedText) == "" {
		return ErrMissingSelection
	}
	needsQuestion := req.Kind == model.AnalysisKindCustomQuestion || req.Kind == model.AnalysisKindComment
	if needsQuestion && strings.TrimSpace(req.Question) == "" {
		return ErrMissingQuestion
	}
	return nil
}

func (o *Orchestrator) run(jobID int64, req model.AnalysisRequest, traceID string) {
	defer o.wg.Done()

	sc := logger.StartSpanFromTraceID(context.Background(), traceID, "jobs.run")
	defer sc.End()

	ctx := logger.WithLogFields(sc.Context(), logger.LogFields{
		JobID:       logger.Ptr(jobID),
		HighlightID: logger.Ptr(req.HighlightID),
		Kind:        logger.Ptr(string(req.Kind)),
		Component:   "orchestrator",
	})

	if err := o.processSafe(ctx, jobID, req); err != nil {
		sc.RecordError(err)
		o.store.Fail(jobID, string(llm.ErrorKindApplication), err.Error())
	}

	o.finish(ctx, jobID)
}

func (o *Orchestrator) processSafe(ctx context.Context, jobID int64, req model.AnalysisRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in job worker", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.process(ctx, jobID, req)
}

func (o *Orchestrator) process(ctx context.Context, jobID int64, req model.AnalysisRequest) error {
	// Comments never touch the network: the supplied text is the result.
	if req.Kind == model.AnalysisKindComment {
		o.store.MarkRunning(jobID, "")
		o.publish(ctx, events.Event{Type: events.TypeRunning, JobID: jobID, HighlightID: req.HighlightID, Kind: string(req.Kind)})
		o.store.Complete(jobID, req.Question)
		return nil
	}

	o.store.MarkRunning(jobID, o.streamer.Model())
	o.publish(ctx, events.Event{Type: events.TypeRunning, JobID: jobID, HighlightID: req.HighlightID, Kind: string(req.Kind), Model: o.streamer.Model()})

	st := o.streamer.Open(ctx, buildRequest(req, o.cfg.ExtendedContextLimit))
	defer st.Close()

	var acc strings.Builder
	batch := make([]string, 0, o.cfg.FlushEvery)
	streaming := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		o.store.Append(jobID, strings.Join(batch, ""))
		batch = batch[:0]
		o.publish(ctx, events.Event{Type: events.TypeProgress, JobID: jobID, HighlightID: req.HighlightID, Kind: string(req.Kind), Chars: acc.Len()})
	}

	for st.Next() {
		ev := st.Event()
		switch ev.Type {
		case llm.EventFallback:
			// The failed attempt restarts from scratch on the fallback
			// model; its text is discarded wholesale, flushed or not.
			batch = batch[:0]
			acc.Reset()
			o.store.ResetStreaming(jobID)
			o.store.SetFallback(jobID, ev.Model)
			slog.WarnContext(ctx, "generation fell back", "model", ev.Model)
			o.publish(ctx, events.Event{Type: events.TypeFallback, JobID: jobID, HighlightID: req.HighlightID, Kind: string(req.Kind), Model: ev.Model, UsedFallback: true})

		case llm.EventContent:
			if !streaming {
				streaming = true
				o.store.MarkStreaming(jobID)
				o.publish(ctx, events.Event{Type: events.TypeStreaming, JobID: jobID, HighlightID: req.HighlightID, Kind: string(req.Kind)})
			}
			acc.WriteString(ev.Text)
			batch = append(batch, ev.Text)
			if len(batch) >= o.cfg.FlushEvery {
				flush()
			}
		}
	}

	if err := st.Err(); err != nil {
		// Whatever streamed before the failure stays visible.
		flush()
		kind, msg := errorFields(err)
		slog.ErrorContext(ctx, "generation failed", "err_kind", kind, "error", err)
		o.store.Fail(jobID, kind, msg)
		return nil
	}

	flush()
	o.store.Complete(jobID, acc.String())
	return nil
}

// finish publishes the terminal event and hands the finished job to the
// completion handler, recording the persist outcome for completed jobs.
func (o *Orchestrator) finish(ctx context.Context, jobID int64) {
	job, ok := o.store.Get(jobID)
	if !ok {
		slog.InfoContext(ctx, "job released before hand-off")
		return
	}
	if !job.Status.Terminal() {
		slog.ErrorContext(ctx, "worker ended with non-terminal job", "status", job.Status)
		return
	}

	switch job.Status {
	case model.JobStatusCompleted:
		slog.InfoContext(ctx, "analysis job completed", "model", job.Model, "used_fallback", job.UsedFallback, "chars", len(job.StreamingText))
		o.publish(ctx, events.Event{Type: events.TypeCompleted, JobID: job.ID, HighlightID: job.HighlightID, Kind: string(job.Kind), Model: job.Model, UsedFallback: job.UsedFallback})
	case model.JobStatusError:
		o.publish(ctx, events.Event{Type: events.TypeError, JobID: job.ID, HighlightID: job.HighlightID, Kind: string(job.Kind), ErrKind: job.ErrKind, Message: job.ErrMessage})
	}

	if o.onTerminal == nil {
		return
	}

	err := o.invokeTerminal(ctx, job)
	if job.Status != model.JobStatusCompleted {
		if err != nil {
			slog.ErrorContext(ctx, "terminal hand-off failed", "error", err)
		}
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "result save failed, keeping it in memory for retry", "error", err)
		o.store.SetPersistOutcome(jobID, false, err.Error())
		return
	}
	o.store.SetPersistOutcome(jobID, true, "")
}

func (o *Orchestrator) invokeTerminal(ctx context.Context, job model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in terminal hand-off", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.onTerminal(ctx, job)
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if err := o.events.Publish(ctx, ev); err != nil {
		slog.WarnContext(ctx, "event publish failed", "type", ev.Type, "error", err)
	}
}

// errorFields extracts the classified kind and the verbatim message for the
// job's terminal error fields.
func errorFields(err error) (kind, msg string) {
	cerr := llm.Classify(err)
	if cerr.Err != nil {
		return string(cerr.Kind), cerr.Err.Error()
	}
	return string(cerr.Kind), cerr.Error()
}
