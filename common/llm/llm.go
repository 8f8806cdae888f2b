// Package llm streams model output from an OpenAI-compatible backend over
// one of two wire protocols and normalizes both into a single ordered event
// stream with transparent model fallback.
package llm

import (
	"time"

	"github.com/invopop/jsonschema"
)

// Wire protocol constants for backend selection.
const (
	ProtocolResponses = "responses" // reasoning-capable streaming protocol
	ProtocolChat      = "chat"      // plain chat-completion streaming protocol
)

// Conversation roles for prior turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ReasoningEffort controls the amount of reasoning for supported models.
type ReasoningEffort string

const (
	ReasoningEffortLow    ReasoningEffort = "low"
	ReasoningEffortMedium ReasoningEffort = "medium"
	ReasoningEffortHigh   ReasoningEffort = "high"
)

// Config holds the configuration for one backend: a wire protocol bound to
// one model plus its retry budget.
type Config struct {
	Protocol        string // "responses" or "chat"
	APIKey          string
	BaseURL         string // Optional: custom API endpoint
	Model           string
	MaxTokens       int
	ReasoningEffort ReasoningEffort // forwarded on the responses protocol only

	// MaxAttempts bounds attempts per backend while nothing has streamed
	// yet. Once content has been emitted a failure is not retried in place;
	// it either falls back or surfaces.
	MaxAttempts int

	// BackoffBase is the first retry delay. It doubles per attempt.
	BackoffBase time.Duration

	// Timeout is the wall-clock budget for a single attempt.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

// Turn is one prior exchange message carried into a generation request.
type Turn struct {
	Role    string // RoleUser or RoleAssistant
	Content string
}

// Request is one generation request, agnostic of the wire protocol that
// serves it.
type Request struct {
	System string
	Turns  []Turn // prior exchanges, oldest first
	Prompt string // the final user turn
}

// EventType discriminates stream events.
type EventType string

const (
	// EventContent carries one streamed text delta.
	EventContent EventType = "content"

	// EventFallback announces that generation restarted from empty on the
	// fallback model. Deltas received before it belong to the abandoned
	// attempt and must be discarded by the consumer.
	EventFallback EventType = "fallback"
)

// Event is one element of a generation stream.
type Event struct {
	Type  EventType
	Text  string // EventContent: the delta
	Model string // EventFallback: the model now generating
}

// GenerateSchema derives a strict JSON schema from a struct type for
// structured outputs.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}
