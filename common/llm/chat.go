package llm

import (
	"context"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// chatBackend streams over the chat-completion protocol.
type chatBackend struct {
	cfg    Config
	client openai.Client
}

func newChatBackend(cfg Config) *chatBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &chatBackend{
		cfg:    cfg,
		client: openai.NewClient(opts...),
	}
}

func (b *chatBackend) api() openai.Client {
	return b.client
}

func (b *chatBackend) open(ctx context.Context, req Request) backendStream {
	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, t := range req.Turns {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Content))
		} else {
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    b.cfg.Model,
		Messages: messages,
	}
	if b.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(b.cfg.MaxTokens))
	}

	return &chatStream{
		raw:    b.client.Chat.Completions.NewStreaming(attemptCtx, params),
		cancel: cancel,
	}
}

type chatStream struct {
	raw    *ssestream.Stream[openai.ChatCompletionChunk]
	cancel context.CancelFunc
}

func (s *chatStream) next() (string, error) {
	for s.raw.Next() {
		chunk := s.raw.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
	if err := s.raw.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *chatStream) close() error {
	s.cancel()
	return s.raw.Close()
}
