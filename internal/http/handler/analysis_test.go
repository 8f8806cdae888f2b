package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"marginalia.app/insight/internal/http/handler"
	"marginalia.app/insight/internal/jobs"
	"marginalia.app/insight/internal/model"
	"marginalia.app/insight/internal/service"
	"marginalia.app/insight/internal/store"
)

var _ = Describe("AnalysisHandler", func() {
	var (
		router *gin.Engine
		svc    *mockAnalysisService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		svc = &mockAnalysisService{}
		h := handler.NewAnalysisHandler(svc)
		router.POST("/analyses", h.Submit)
		router.GET("/analyses/:id/thread", h.Thread)
		router.DELETE("/analyses/:id", h.DeleteAnalysis)
		router.GET("/jobs/:id", h.Get)
		router.DELETE("/jobs/:id", h.Release)
		router.POST("/jobs/:id/dismiss", h.Dismiss)
		router.POST("/jobs/:id/save", h.Save)
		router.POST("/highlights/:id/deactivate", h.Deactivate)
		router.GET("/highlights/:id/analyses", h.History)
	})

	Describe("Submit", func() {
		It("returns 202 with the job id and forwards the request", func() {
			var captured model.AnalysisRequest
			svc.submitFn = func(_ context.Context, req model.AnalysisRequest) (int64, error) {
				captured = req
				return 77, nil
			}

			body, _ := json.Marshal(map[string]any{
				"highlight_id":  7,
				"kind":          "custom_question",
				"selected_text": "The market doubled inside a year.",
				"question":      "Is that growth rate plausible?",
				"history": []map[string]string{
					{"question": "Which market?", "answer": "Housing."},
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/analyses", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["job_id"]).To(BeNumerically("==", 77))

			Expect(captured.HighlightID).To(Equal(int64(7)))
			Expect(captured.Kind).To(Equal(model.AnalysisKindCustomQuestion))
			Expect(captured.Question).To(Equal("Is that growth rate plausible?"))
			Expect(captured.History).To(HaveLen(1))
			Expect(captured.History[0].Answer).To(Equal("Housing."))
		})

		It("returns 400 with the validation message when the kind is rejected", func() {
			svc.submitFn = func(_ context.Context, _ model.AnalysisRequest) (int64, error) {
				return 0, jobs.ErrInvalidKind
			}

			body, _ := json.Marshal(map[string]any{
				"highlight_id":  7,
				"kind":          "vibe_check",
				"selected_text": "some text",
			})
			req := httptest.NewRequest(http.MethodPost, "/analyses", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["error"]).To(Equal("unknown analysis kind"))
		})

		It("returns 400 on a malformed body", func() {
			req := httptest.NewRequest(http.MethodPost, "/analyses", bytes.NewBufferString(`{`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 before reaching the service when selected_text is missing", func() {
			called := false
			svc.submitFn = func(_ context.Context, _ model.AnalysisRequest) (int64, error) {
				called = true
				return 1, nil
			}

			body, _ := json.Marshal(map[string]any{
				"highlight_id": 7,
				"kind":         "fact_check",
			})
			req := httptest.NewRequest(http.MethodPost, "/analyses", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(called).To(BeFalse())
		})

		It("returns 500 when submission fails unexpectedly", func() {
			svc.submitFn = func(_ context.Context, _ model.AnalysisRequest) (int64, error) {
				return 0, errors.New("boom")
			}

			body, _ := json.Marshal(map[string]any{
				"highlight_id":  7,
				"kind":          "fact_check",
				"selected_text": "some text",
			})
			req := httptest.NewRequest(http.MethodPost, "/analyses", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Get", func() {
		It("returns the job snapshot with its display state", func() {
			final := "Checked and it holds up."
			created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
			svc.getFn = func(jobID int64) (model.Job, bool) {
				return model.Job{
					ID:          jobID,
					HighlightID: 4,
					Kind:        model.AnalysisKindFactCheck,
					Status:      model.JobStatusCompleted,
					FinalResult: &final,
					Model:       "gpt-5.2",
					Persisted:   true,
					Suggestions: []string{"What changed since then?"},
					CreatedAt:   created,
					StartedAt:   created,
					CompletedAt: created.Add(3 * time.Second),
				}, true
			}
			svc.isActiveFn = func(highlightID, jobID int64) bool {
				return highlightID == 4 && jobID == 12
			}

			req := httptest.NewRequest(http.MethodGet, "/jobs/12", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["id"]).To(BeNumerically("==", 12))
			Expect(resp["status"]).To(Equal("completed"))
			Expect(resp["active"]).To(BeTrue())
			Expect(resp["final_result"]).To(Equal("Checked and it holds up."))
			Expect(resp["persisted"]).To(BeTrue())
			Expect(resp["suggestions"]).To(HaveLen(1))
			Expect(resp["completed_at"]).To(Equal("2025-06-01T10:00:03Z"))
		})

		It("returns 404 for an unknown job", func() {
			req := httptest.NewRequest(http.MethodGet, "/jobs/12", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects a non-numeric job id", func() {
			req := httptest.NewRequest(http.MethodGet, "/jobs/abc", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Release", func() {
		It("forwards the id and answers 204", func() {
			var released int64
			svc.releaseFn = func(jobID int64) { released = jobID }

			req := httptest.NewRequest(http.MethodDelete, "/jobs/12", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(released).To(Equal(int64(12)))
		})
	})

	Describe("Dismiss", func() {
		It("records the dismissal and answers 204", func() {
			var dismissed int64
			svc.dismissFn = func(jobID int64) { dismissed = jobID }

			req := httptest.NewRequest(http.MethodPost, "/jobs/12/dismiss", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(dismissed).To(Equal(int64(12)))
		})
	})

	Describe("Save", func() {
		It("returns the refreshed snapshot after a successful retry", func() {
			svc.getFn = func(jobID int64) (model.Job, bool) {
				return model.Job{
					ID:        jobID,
					Status:    model.JobStatusCompleted,
					Persisted: true,
					CreatedAt: time.Now(),
				}, true
			}

			req := httptest.NewRequest(http.MethodPost, "/jobs/12/save", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["persisted"]).To(BeTrue())
		})

		It("returns 404 when the job is gone", func() {
			svc.retrySaveFn = func(_ context.Context, _ int64) error {
				return service.ErrJobNotFound
			}

			req := httptest.NewRequest(http.MethodPost, "/jobs/12/save", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 409 when the job has not completed", func() {
			svc.retrySaveFn = func(_ context.Context, _ int64) error {
				return service.ErrJobNotCompleted
			}

			req := httptest.NewRequest(http.MethodPost, "/jobs/12/save", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusConflict))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["error"]).To(Equal("job has no completed result to save"))
		})

		It("returns 500 when persistence fails again", func() {
			svc.retrySaveFn = func(_ context.Context, _ int64) error {
				return errors.New("connection refused")
			}

			req := httptest.NewRequest(http.MethodPost, "/jobs/12/save", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Deactivate", func() {
		It("clears the active job for the highlight", func() {
			var deactivated int64
			svc.deactivateFn = func(highlightID int64) { deactivated = highlightID }

			req := httptest.NewRequest(http.MethodPost, "/highlights/4/deactivate", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(deactivated).To(Equal(int64(4)))
		})
	})

	Describe("History", func() {
		It("lists the saved analyses for a highlight", func() {
			created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
			svc.historyFn = func(_ context.Context, highlightID int64) ([]model.Analysis, error) {
				return []model.Analysis{
					{ID: 1, HighlightID: highlightID, Kind: model.AnalysisKindFactCheck, ResponseText: "Holds up.", Model: "gpt-5.2", CreatedAt: created},
					{ID: 2, HighlightID: highlightID, Kind: model.AnalysisKindKeyPoints, ResponseText: "Three points.", CreatedAt: created},
				}, nil
			}

			req := httptest.NewRequest(http.MethodGet, "/highlights/4/analyses", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp struct {
				Analyses []map[string]any `json:"analyses"`
			}
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Analyses).To(HaveLen(2))
			Expect(resp.Analyses[0]["response_text"]).To(Equal("Holds up."))
			Expect(resp.Analyses[1]["kind"]).To(Equal("key_points"))
		})

		It("returns 500 when listing fails", func() {
			svc.historyFn = func(_ context.Context, _ int64) ([]model.Analysis, error) {
				return nil, errors.New("boom")
			}

			req := httptest.NewRequest(http.MethodGet, "/highlights/4/analyses", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Thread", func() {
		It("returns the follow-up turns of an analysis", func() {
			created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
			svc.threadFn = func(_ context.Context, analysisID int64) ([]model.AnalysisTurn, error) {
				return []model.AnalysisTurn{
					{ID: 100, AnalysisID: analysisID, TurnIndex: 0, Question: "Says who?", Answer: "Two independent studies.", CreatedAt: created},
				}, nil
			}

			req := httptest.NewRequest(http.MethodGet, "/analyses/9/thread", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp struct {
				AnalysisID int64            `json:"analysis_id"`
				Turns      []map[string]any `json:"turns"`
			}
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.AnalysisID).To(Equal(int64(9)))
			Expect(resp.Turns).To(HaveLen(1))
			Expect(resp.Turns[0]["question"]).To(Equal("Says who?"))
			Expect(resp.Turns[0]["turn_index"]).To(BeNumerically("==", 0))
		})
	})

	Describe("DeleteAnalysis", func() {
		It("deletes the record and answers 204", func() {
			var deleted int64
			svc.deleteAnalysisFn = func(_ context.Context, id int64) error {
				deleted = id
				return nil
			}

			req := httptest.NewRequest(http.MethodDelete, "/analyses/9", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(deleted).To(Equal(int64(9)))
		})

		It("returns 404 for an unknown record", func() {
			svc.deleteAnalysisFn = func(_ context.Context, _ int64) error {
				return store.ErrNotFound
			}

			req := httptest.NewRequest(http.MethodDelete, "/analyses/9", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})
})
