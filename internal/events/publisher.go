// Package events publishes job lifecycle notifications to a Redis stream.
// The HTTP layer bridges the stream to SSE subscribers; anything else that
// wants to observe job progress (CLI tails, debugging) can XREAD the same
// stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Event types, in lifecycle order. Marker and suggestions events originate
// from the persistence side rather than the stream worker.
const (
	TypeQueued      = "queued"
	TypeRunning     = "running"
	TypeStreaming   = "streaming"
	TypeProgress    = "progress"
	TypeFallback    = "fallback"
	TypeCompleted   = "completed"
	TypeError       = "error"
	TypeMarker      = "marker"
	TypeSuggestions = "suggestions"
)

type Event struct {
	Type        string `json:"type"`
	JobID       int64  `json:"job_id,omitempty"`
	HighlightID int64  `json:"highlight_id,omitempty"`
	Kind        string `json:"kind,omitempty"`

	// Model is set on fallback and completed events.
	Model        string `json:"model,omitempty"`
	UsedFallback bool   `json:"used_fallback,omitempty"`

	// Chars is the total streamed length so far, set on progress events.
	Chars int `json:"chars,omitempty"`

	// ErrKind and Message are set on error events.
	ErrKind string `json:"err_kind,omitempty"`
	Message string `json:"message,omitempty"`

	// Color and MarkerCount are set on marker events.
	Color       string `json:"color,omitempty"`
	MarkerCount int    `json:"marker_count,omitempty"`

	Suggestions []string `json:"suggestions,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type redisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisPublisher publishes events to the named stream, trimming it to
// roughly maxLen entries.
func NewRedisPublisher(client *redis.Client, stream string, maxLen int64, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

func (p *redisPublisher) Publish(ctx context.Context, ev Event) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: ev.values(),
	}).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}

	p.logger.DebugContext(ctx, "published job event", "type", ev.Type, "job_id", ev.JobID, "highlight_id", ev.HighlightID)
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

func (ev Event) values() map[string]any {
	fields := map[string]any{
		"type":         ev.Type,
		"job_id":       ev.JobID,
		"highlight_id": ev.HighlightID,
		"kind":         ev.Kind,
	}
	if ev.Model != "" {
		fields["model"] = ev.Model
	}
	if ev.UsedFallback {
		fields["used_fallback"] = "1"
	}
	if ev.Chars > 0 {
		fields["chars"] = ev.Chars
	}
	if ev.ErrKind != "" {
		fields["err_kind"] = ev.ErrKind
	}
	if ev.Message != "" {
		fields["message"] = ev.Message
	}
	if ev.Color != "" {
		fields["color"] = ev.Color
		fields["marker_count"] = ev.MarkerCount
	}
	if len(ev.Suggestions) > 0 {
		b, _ := json.Marshal(ev.Suggestions)
		fields["suggestions"] = string(b)
	}
	return fields
}

// ParseMessage rebuilds an Event from the flat field map of a stream entry.
// Unknown fields are ignored so the feed can grow without breaking readers.
func ParseMessage(values map[string]any) Event {
	ev := Event{
		Type:        str(values["type"]),
		JobID:       num(values["job_id"]),
		HighlightID: num(values["highlight_id"]),
		Kind:        str(values["kind"]),
		Model:       str(values["model"]),
		Chars:       int(num(values["chars"])),
		ErrKind:     str(values["err_kind"]),
		Message:     str(values["message"]),
		Color:       str(values["color"]),
		MarkerCount: int(num(values["marker_count"])),
	}
	ev.UsedFallback = str(values["used_fallback"]) == "1"
	if raw := str(values["suggestions"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &ev.Suggestions)
	}
	return ev
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

type nopPublisher struct{}

// NewNopPublisher returns a publisher that drops everything. Used when no
// Redis URL is configured; callers never need a nil check.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
func (nopPublisher) Close() error                         { return nil }
