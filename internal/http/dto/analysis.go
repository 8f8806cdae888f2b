package dto

type QA struct {
	Question string `json:"question" binding:"required"`
	Answer   string `json:"answer" binding:"required"`
}

type SubmitAnalysisRequest struct {
	HighlightID        int64  `json:"highlight_id" binding:"required"`
	Kind               string `json:"kind" binding:"required"`
	SelectedText       string `json:"selected_text" binding:"required"`
	SurroundingContext string `json:"surrounding_context,omitempty"`
	ExtendedContext    string `json:"extended_context,omitempty"`
	Question           string `json:"question,omitempty"`
	History            []QA   `json:"history,omitempty"`

	// Set when this submission follows up on an already saved analysis.
	PriorAnalysisID int64  `json:"prior_analysis_id,omitempty"`
	PriorKind       string `json:"prior_kind,omitempty"`
	PriorResult     string `json:"prior_result,omitempty"`
}

type SubmitAnalysisResponse struct {
	JobID int64 `json:"job_id"`
}

type JobResponse struct {
	ID            int64    `json:"id"`
	HighlightID   int64    `json:"highlight_id"`
	Kind          string   `json:"kind"`
	Status        string   `json:"status"`
	Active        bool     `json:"active"`
	StreamingText string   `json:"streaming_text,omitempty"`
	FinalResult   *string  `json:"final_result,omitempty"`
	ErrKind       string   `json:"err_kind,omitempty"`
	ErrMessage    string   `json:"err_message,omitempty"`
	Model         string   `json:"model,omitempty"`
	UsedFallback  bool     `json:"used_fallback"`
	Persisted     bool     `json:"persisted"`
	PersistErr    string   `json:"persist_err,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`
	CreatedAt     string   `json:"created_at"`
	StartedAt     string   `json:"started_at,omitempty"`
	CompletedAt   string   `json:"completed_at,omitempty"`
}

type AnalysisResponse struct {
	ID           int64  `json:"id"`
	HighlightID  int64  `json:"highlight_id"`
	Kind         string `json:"kind"`
	Prompt       string `json:"prompt,omitempty"`
	ResponseText string `json:"response_text"`
	Model        string `json:"model,omitempty"`
	UsedFallback bool   `json:"used_fallback"`
	CreatedAt    string `json:"created_at"`
}

type ListAnalysesResponse struct {
	Analyses []AnalysisResponse `json:"analyses"`
}

type TurnResponse struct {
	ID        int64  `json:"id"`
	TurnIndex int    `json:"turn_index"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	CreatedAt string `json:"created_at"`
}

type ThreadResponse struct {
	AnalysisID int64          `json:"analysis_id"`
	Turns      []TurnResponse `json:"turns"`
}

type SessionRequest struct {
	Open        *bool `json:"open" binding:"required"`
	HighlightID int64 `json:"highlight_id,omitempty"`
}
