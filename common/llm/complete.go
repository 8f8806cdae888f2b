package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
)

// CompleteRequest is a non-streaming completion with a strict JSON schema
// response format.
type CompleteRequest struct {
	System     string
	Prompt     string
	SchemaName string
	Schema     any
	Model      string // optional override; defaults to the primary model
	MaxTokens  int
}

// Complete runs a single structured-output chat completion and unmarshals
// the JSON result. It always talks to the chat-completion endpoint of the
// primary backend, regardless of the streaming protocol in use.
func (c *Client) Complete(ctx context.Context, req CompleteRequest, result any) error {
	if c.primary.cfg.APIKey == "" {
		return &Error{Kind: ErrorKindNoCredential, Err: errors.New("no API key configured")}
	}

	model := req.Model
	if model == "" {
		model = c.primary.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}

	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        req.SchemaName,
		Description: openai.String("Structured response schema"),
		Schema:      req.Schema,
		Strict:      openai.Bool(true),
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Prompt),
		},
		MaxTokens: openai.Int(int64(maxTokens)),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
	}

	start := time.Now()
	resp, err := c.primary.b.api().Chat.Completions.New(ctx, params)
	if err != nil {
		return Classify(fmt.Errorf("chat completion: %w", err))
	}

	slog.DebugContext(ctx, "llm completion finished",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return &Error{Kind: ErrorKindInvalidResponse, Err: errors.New("no choices in response")}
	}

	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), result); err != nil {
		return &Error{Kind: ErrorKindInvalidResponse, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	return nil
}
