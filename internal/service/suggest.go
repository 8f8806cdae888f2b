package service

import (
	"context"
	"fmt"
	"strings"

	"marginalia.app/insight/common/llm"
	"marginalia.app/insight/internal/model"
)

// QuestionSuggester proposes follow-up questions for a completed analysis.
type QuestionSuggester interface {
	Suggest(ctx context.Context, req model.AnalysisRequest, answer string) ([]string, error)
}

type followUpSuggestions struct {
	Questions []string `json:"questions" jsonschema_description:"Follow-up questions the reader could ask next, most interesting first"`
}

var suggestionsSchema = llm.GenerateSchema[followUpSuggestions]()

// Suggester generates follow-up questions with a single structured-output
// completion against the primary backend. An empty model uses the client's
// configured default.
type Suggester struct {
	client       *llm.Client
	model        string
	maxQuestions int
}

func NewSuggester(client *llm.Client, model string, maxQuestions int) *Suggester {
	if maxQuestions <= 0 {
		maxQuestions = 3
	}
	return &Suggester{client: client, model: model, maxQuestions: maxQuestions}
}

func (s *Suggester) Suggest(ctx context.Context, req model.AnalysisRequest, answer string) ([]string, error) {
	var resp followUpSuggestions
	err := s.client.Complete(ctx, llm.CompleteRequest{
		System:     suggestionsSystemPrompt,
		Prompt:     buildSuggestionPrompt(req, answer),
		SchemaName: "follow_up_suggestions",
		Schema:     suggestionsSchema,
		Model:      s.model,
		MaxTokens:  400,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("follow-up suggestions: %w", err)
	}

	questions := make([]string, 0, len(resp.Questions))
	for _, q := range resp.Questions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		questions = append(questions, q)
		if len(questions) == s.maxQuestions {
			break
		}
	}
	return questions, nil
}

func buildSuggestionPrompt(req model.AnalysisRequest, answer string) string {
	var sb strings.Builder

	sb.WriteString("## Passage\n")
	sb.WriteString(req.SelectedText)
	sb.WriteString("\n\n")

	if req.Question != "" {
		sb.WriteString("## Question asked\n")
		sb.WriteString(req.Question)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Analysis\n")
	sb.WriteString(answer)
	sb.WriteString("\n")

	return sb.String()
}

const suggestionsSystemPrompt = `You propose follow-up questions a reader could ask about a passage they
highlighted and the analysis they just received.

## Rules

- Short, direct questions a curious reader would actually type
- Each question must open a genuinely new angle on the same material
- Never repeat a question the analysis already answers
- At most 5 questions`
