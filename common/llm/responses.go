package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// responsesBackend streams over the reasoning-capable responses protocol.
type responsesBackend struct {
	cfg    Config
	client openai.Client
}

func newResponsesBackend(cfg Config) *responsesBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &responsesBackend{
		cfg:    cfg,
		client: openai.NewClient(opts...),
	}
}

func (b *responsesBackend) api() openai.Client {
	return b.client
}

func (b *responsesBackend) open(ctx context.Context, req Request) backendStream {
	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)

	params := responses.ResponseNewParams{
		Model: b.cfg.Model,
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	if b.cfg.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(b.cfg.MaxTokens))
	}
	if b.cfg.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{
			Effort: shared.ReasoningEffort(b.cfg.ReasoningEffort),
		}
	}

	if len(req.Turns) == 0 {
		params.Input = responses.ResponseNewParamsInputUnion{OfString: openai.String(req.Prompt)}
	} else {
		items := make(responses.ResponseInputParam, 0, len(req.Turns)+1)
		for _, t := range req.Turns {
			items = append(items, inputMessage(t.Role, t.Content))
		}
		items = append(items, inputMessage(RoleUser, req.Prompt))
		params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}
	}

	return &responsesStream{
		raw:    b.client.Responses.NewStreaming(attemptCtx, params),
		cancel: cancel,
	}
}

func inputMessage(role, content string) responses.ResponseInputItemUnionParam {
	r := responses.EasyInputMessageRoleUser
	if role == RoleAssistant {
		r = responses.EasyInputMessageRoleAssistant
	}
	return responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Content: responses.EasyInputMessageContentUnionParam{OfString: openai.String(content)},
			Role:    r,
		},
	}
}

type responsesStream struct {
	raw    *ssestream.Stream[responses.ResponseStreamEventUnion]
	cancel context.CancelFunc
}

func (s *responsesStream) next() (string, error) {
	for s.raw.Next() {
		event := s.raw.Current()
		switch ev := event.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if ev.Delta != "" {
				return ev.Delta, nil
			}
		case responses.ResponseErrorEvent:
			return "", &Error{Kind: ErrorKindApplication, Err: fmt.Errorf("%s: %s", ev.Code, ev.Message)}
		case responses.ResponseFailedEvent:
			return "", &Error{Kind: ErrorKindApplication, Err: fmt.Errorf("response failed: %s", ev.Response.Error.Message)}
		case responses.ResponseIncompleteEvent:
			return "", &Error{Kind: ErrorKindInvalidResponse, Err: fmt.Errorf("response incomplete: %s", ev.Response.IncompleteDetails.Reason)}
		}
		// created/in_progress/output_item/completed events carry no text
	}
	if err := s.raw.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *responsesStream) close() error {
	s.cancel()
	return s.raw.Close()
}
