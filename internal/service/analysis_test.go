package service_test

import (
	"context"
	"errors"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"marginalia.app/insight/common/id"
	"marginalia.app/insight/common/llm"
	"marginalia.app/insight/internal/events"
	"marginalia.app/insight/internal/jobs"
	"marginalia.app/insight/internal/model"
	"marginalia.app/insight/internal/service"
	"marginalia.app/insight/internal/store"
)

func factCheck(highlightID int64) model.AnalysisRequest {
	return model.AnalysisRequest{
		HighlightID:        highlightID,
		Kind:               model.AnalysisKindFactCheck,
		SelectedText:       "The second study replicated the effect.",
		SurroundingContext: "A paragraph weighing the replication evidence.",
	}
}

var _ = Describe("AnalysisService", func() {
	var (
		ctx       context.Context
		jobStore  *jobs.Store
		registry  *jobs.Registry
		deferred  *jobs.MutationQueue
		gate      *service.SelectionGate
		analyses  *mockAnalysisStore
		threads   *mockThreadStore
		pub       *mockPublisher
		streamer  *stubStreamer
		suggester service.QuestionSuggester
		svc       service.AnalysisService
	)

	BeforeEach(func() {
		ctx = context.Background()
		Expect(id.Init(1)).To(Succeed())

		jobStore = jobs.NewStore()
		registry = jobs.NewRegistry()
		deferred = jobs.NewMutationQueue()
		gate = service.NewSelectionGate()
		analyses = &mockAnalysisStore{}
		threads = &mockThreadStore{}
		pub = &mockPublisher{}
		streamer = &stubStreamer{deltas: []string{"The claim ", "holds up."}}
		suggester = nil
	})

	JustBeforeEach(func() {
		orch := jobs.NewOrchestrator(jobStore, registry, streamer, nil, jobs.Config{FlushEvery: 2})
		svc = service.NewAnalysisService(orch, jobStore, registry, deferred, gate,
			analyses, threads, pub, suggester)
	})

	awaitSaved := func(jobID int64) model.Job {
		var job model.Job
		Eventually(func() bool {
			j, ok := jobStore.Get(jobID)
			if !ok {
				return false
			}
			job = j
			return job.Persisted || job.PersistErr != ""
		}, "2s").Should(BeTrue(), "job never reached a persist outcome")
		return job
	}

	awaitTerminal := func(jobID int64) model.Job {
		var job model.Job
		Eventually(func() bool {
			j, ok := jobStore.Get(jobID)
			if !ok {
				return false
			}
			job = j
			return job.Status.Terminal()
		}, "2s").Should(BeTrue(), "job never reached a terminal status")
		return job
	}

	Describe("completed jobs", func() {
		It("persists the result as a new record carrying the job's model fields", func() {
			jobID, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())

			job := awaitSaved(jobID)
			Expect(job.Persisted).To(BeTrue())
			Expect(job.FinalResult).NotTo(BeNil())
			Expect(*job.FinalResult).To(Equal("The claim holds up."))

			rec, ok := analyses.lastInsert()
			Expect(ok).To(BeTrue())
			Expect(rec.HighlightID).To(Equal(int64(7)))
			Expect(rec.Kind).To(Equal(model.AnalysisKindFactCheck))
			Expect(rec.ResponseText).To(Equal("The claim holds up."))
			Expect(rec.Model).To(Equal("test-model"))
			Expect(rec.UsedFallback).To(BeFalse())
			Expect(rec.Prompt).To(BeEmpty())
		})

		It("appends a follow-up to the prior record's thread instead of creating a new one", func() {
			req := factCheck(7)
			req.Kind = model.AnalysisKindCustomQuestion
			req.Question = "Does the second study replicate?"
			req.PriorAnalysisID = 42
			req.PriorKind = model.AnalysisKindFactCheck
			req.PriorResult = "The first pass held up."

			jobID, err := svc.Submit(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			awaitSaved(jobID)

			turn, ok := threads.lastAppend()
			Expect(ok).To(BeTrue())
			Expect(turn.analysisID).To(Equal(int64(42)))
			Expect(turn.question).To(Equal("Does the second study replicate?"))
			Expect(turn.answer).To(Equal("The claim holds up."))
			Expect(analyses.insertCount()).To(BeZero())
		})

		It("leaves nothing in the store when the stream fails", func() {
			streamer.failWith = &llm.Error{
				Kind: llm.ErrorKindApplication,
				Err:  errors.New("model refused the request"),
			}

			jobID, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())

			job := awaitTerminal(jobID)
			Expect(job.Status).To(Equal(model.JobStatusError))
			Expect(job.ErrMessage).To(Equal("model refused the request"))
			Expect(job.Persisted).To(BeFalse())
			Expect(analyses.insertCount()).To(BeZero())
		})
	})

	Describe("RetrySave", func() {
		It("rejects unknown jobs", func() {
			Expect(svc.RetrySave(ctx, 999)).To(MatchError(service.ErrJobNotFound))
		})

		It("rejects jobs that have not completed", func() {
			jobID := jobStore.Create(factCheck(7))
			jobStore.MarkRunning(jobID, "test-model")

			Expect(svc.RetrySave(ctx, jobID)).To(MatchError(service.ErrJobNotCompleted))
		})

		It("saves a result whose automatic save failed", func() {
			var firstAttempt atomic.Bool
			firstAttempt.Store(true)
			analyses.insertFn = func(_ context.Context, a *model.Analysis) (*model.Analysis, error) {
				if firstAttempt.CompareAndSwap(true, false) {
					return nil, errors.New("connection refused")
				}
				out := *a
				out.ID = 1
				return &out, nil
			}

			jobID, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())

			job := awaitSaved(jobID)
			Expect(job.Status).To(Equal(model.JobStatusCompleted))
			Expect(job.Persisted).To(BeFalse())
			Expect(job.PersistErr).To(ContainSubstring("connection refused"))

			Expect(svc.RetrySave(ctx, jobID)).To(Succeed())

			job, ok := svc.Get(jobID)
			Expect(ok).To(BeTrue())
			Expect(job.Persisted).To(BeTrue())
			Expect(job.PersistErr).To(BeEmpty())
			Expect(analyses.insertCount()).To(Equal(2))
		})
	})

	Describe("marker updates", func() {
		It("recolors the highlight marker after a save", func() {
			analyses.countFn = func(_ context.Context, _ int64) (int, error) { return 3, nil }
			applied := make(chan model.MarkerUpdate, 4)
			svc.OnMarkerUpdate(func(mut model.MarkerUpdate) { applied <- mut })

			jobID, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())
			awaitSaved(jobID)

			var mut model.MarkerUpdate
			Eventually(applied, "2s").Should(Receive(&mut))
			Expect(mut.HighlightID).To(Equal(int64(7)))
			Expect(mut.Color).To(Equal("amber"))
			Expect(mut.MarkerCount).To(Equal(3))

			Eventually(func() int { return len(pub.byType(events.TypeMarker)) }, "2s").Should(Equal(1))
		})

		It("defers marker updates while a selection session is open and flushes them once on close", func() {
			applied := make(chan model.MarkerUpdate, 4)

			svc.OpenSession(7)
			svc.OnMarkerUpdate(func(mut model.MarkerUpdate) { applied <- mut })

			jobID, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())
			awaitSaved(jobID)

			Expect(deferred.Len()).To(Equal(1))
			Consistently(applied, "100ms").ShouldNot(Receive())

			svc.CloseSession()
			Eventually(applied, "2s").Should(Receive())
			Expect(deferred.Len()).To(BeZero())

			svc.CloseSession()
			Consistently(applied, "100ms").ShouldNot(Receive())
		})

		It("keeps only the newest deferred update per highlight", func() {
			applied := make(chan model.MarkerUpdate, 4)

			svc.OpenSession(7)
			svc.OnMarkerUpdate(func(mut model.MarkerUpdate) { applied <- mut })

			first, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())
			awaitSaved(first)
			Expect(deferred.Len()).To(Equal(1))

			keyPoints := factCheck(7)
			keyPoints.Kind = model.AnalysisKindKeyPoints
			second, err := svc.Submit(ctx, keyPoints)
			Expect(err).NotTo(HaveOccurred())
			awaitSaved(second)
			Expect(deferred.Len()).To(Equal(1))

			svc.CloseSession()
			var mut model.MarkerUpdate
			Eventually(applied, "2s").Should(Receive(&mut))
			Expect(mut.Color).To(Equal("teal"))
			Consistently(applied, "100ms").ShouldNot(Receive())
		})
	})

	Describe("follow-up suggestions", func() {
		var (
			sugg    *mockSuggester
			answers chan string
		)

		BeforeEach(func() {
			answers = make(chan string, 1)
			sugg = &mockSuggester{
				suggestFn: func(_ context.Context, _ model.AnalysisRequest, answer string) ([]string, error) {
					answers <- answer
					return []string{"What did the authors control for?", "How large was the sample?"}, nil
				},
			}
			suggester = sugg
		})

		It("attaches follow-up questions after completion", func() {
			jobID, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())
			awaitSaved(jobID)

			Eventually(func() []string {
				j, _ := jobStore.Get(jobID)
				return j.Suggestions
			}, "2s").Should(HaveLen(2))
			Eventually(answers, "2s").Should(Receive(Equal("The claim holds up.")))

			Eventually(func() int { return len(pub.byType(events.TypeSuggestions)) }, "2s").Should(Equal(1))
			ev := pub.byType(events.TypeSuggestions)[0]
			Expect(ev.JobID).To(Equal(jobID))
			Expect(ev.Suggestions).To(HaveLen(2))
		})

		It("never asks for suggestions on comments", func() {
			req := factCheck(7)
			req.Kind = model.AnalysisKindComment
			req.Question = "Revisit this after chapter 4."

			jobID, err := svc.Submit(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			awaitSaved(jobID)

			Consistently(sugg.callCount, "100ms").Should(BeZero())
		})
	})

	Describe("display activation", func() {
		It("hands the display to the newest submission while both persist", func() {
			older, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())
			newer, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())

			Expect(svc.IsActive(7, older)).To(BeFalse())
			Expect(svc.IsActive(7, newer)).To(BeTrue())
			active, ok := svc.ActiveJob(7)
			Expect(ok).To(BeTrue())
			Expect(active).To(Equal(newer))

			awaitSaved(older)
			awaitSaved(newer)
			Expect(analyses.insertCount()).To(Equal(2))

			svc.Deactivate(7)
			_, ok = svc.ActiveJob(7)
			Expect(ok).To(BeFalse())
		})

		It("Release destroys the job record", func() {
			jobID, err := svc.Submit(ctx, factCheck(7))
			Expect(err).NotTo(HaveOccurred())
			awaitSaved(jobID)

			svc.Release(jobID)
			_, ok := svc.Get(jobID)
			Expect(ok).To(BeFalse())
			Expect(svc.IsActive(7, jobID)).To(BeFalse())

			svc.Release(jobID)
			_, ok = svc.Get(jobID)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("DeleteAnalysis", func() {
		It("removes the record and recolors from the newest survivor", func() {
			analyses.getByIDFn = func(_ context.Context, id int64) (*model.Analysis, error) {
				return &model.Analysis{ID: id, HighlightID: 7, Kind: model.AnalysisKindFactCheck}, nil
			}
			analyses.listFn = func(_ context.Context, _ int64) ([]model.Analysis, error) {
				return []model.Analysis{{ID: 6, HighlightID: 7, Kind: model.AnalysisKindKeyPoints}}, nil
			}
			var deleted int64
			analyses.deleteFn = func(_ context.Context, id int64) error {
				deleted = id
				return nil
			}
			applied := make(chan model.MarkerUpdate, 4)
			svc.OnMarkerUpdate(func(mut model.MarkerUpdate) { applied <- mut })

			Expect(svc.DeleteAnalysis(ctx, 5)).To(Succeed())
			Expect(deleted).To(Equal(int64(5)))

			var mut model.MarkerUpdate
			Eventually(applied, "2s").Should(Receive(&mut))
			Expect(mut.Color).To(Equal("teal"))
			Expect(mut.MarkerCount).To(Equal(1))
		})

		It("clears the marker when the last record goes", func() {
			analyses.getByIDFn = func(_ context.Context, id int64) (*model.Analysis, error) {
				return &model.Analysis{ID: id, HighlightID: 7, Kind: model.AnalysisKindFactCheck}, nil
			}
			applied := make(chan model.MarkerUpdate, 4)
			svc.OnMarkerUpdate(func(mut model.MarkerUpdate) { applied <- mut })

			Expect(svc.DeleteAnalysis(ctx, 5)).To(Succeed())

			var mut model.MarkerUpdate
			Eventually(applied, "2s").Should(Receive(&mut))
			Expect(mut.Color).To(BeEmpty())
			Expect(mut.MarkerCount).To(BeZero())
		})

		It("propagates a missing record", func() {
			Expect(svc.DeleteAnalysis(ctx, 5)).To(MatchError(store.ErrNotFound))
		})
	})
})
