package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
)

// Client opens generation streams against a primary backend and, when
// configured, transparently restarts failed generations on a fallback
// backend. A fallback never chains: the secondary runs with fallback
// disabled.
type Client struct {
	primary  leg
	fallback *leg

	// sleep is swapped out by tests to assert exact backoff schedules.
	sleep func(ctx context.Context, d time.Duration) error
}

type leg struct {
	cfg Config
	b   backend
}

// backend is one wire protocol bound to one model.
type backend interface {
	open(ctx context.Context, req Request) backendStream
	api() openai.Client
}

// backendStream yields content deltas until io.EOF or a terminal error.
type backendStream interface {
	next() (string, error)
	close() error
}

// New creates a streaming client. Passing a nil fallback disables fallback
// entirely. A missing API key is not an error here; it surfaces as a
// no-credential failure on the first open so the caller can report it on
// the job.
func New(primary Config, fallback *Config) (*Client, error) {
	p, err := newBackend(primary.withDefaults())
	if err != nil {
		return nil, err
	}

	c := &Client{
		primary: leg{cfg: primary.withDefaults(), b: p},
		sleep:   sleepCtx,
	}

	if fallback != nil {
		cfg := fallback.withDefaults()
		f, err := newBackend(cfg)
		if err != nil {
			return nil, err
		}
		c.fallback = &leg{cfg: cfg, b: f}
	}

	return c, nil
}

func newBackend(cfg Config) (backend, error) {
	switch cfg.Protocol {
	case ProtocolResponses:
		return newResponsesBackend(cfg), nil
	case ProtocolChat:
		return newChatBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported wire protocol: %s", cfg.Protocol)
	}
}

// Model returns the primary model name.
func (c *Client) Model() string {
	return c.primary.cfg.Model
}

// Open starts a generation stream for req. Events arrive through Next/Event;
// after Next returns false, Err reports the terminal failure, if any.
func (c *Client) Open(ctx context.Context, req Request) *Stream {
	return &Stream{ctx: ctx, c: c, req: req, leg: &c.primary}
}

// Stream is a pull iterator over generation events.
type Stream struct {
	ctx context.Context
	c   *Client
	req Request

	leg            *leg
	onFallback     bool
	attempts       int  // failed attempts on the current leg
	emitted        bool // content emitted on the current leg
	queuedFallback bool

	bs   backendStream
	cur  Event
	err  error
	done bool
}

// Next advances to the next event. It blocks on network reads and on retry
// backoff. It returns false on exhaustion or terminal failure.
func (s *Stream) Next() bool {
	for {
		if s.done {
			return false
		}

		if s.queuedFallback {
			s.queuedFallback = false
			s.cur = Event{Type: EventFallback, Model: s.leg.cfg.Model}
			return true
		}

		if s.bs == nil {
			if s.leg.cfg.APIKey == "" {
				s.failLeg(&Error{Kind: ErrorKindNoCredential, Err: errors.New("no API key configured")})
				continue
			}
			s.bs = s.leg.b.open(s.ctx, s.req)
		}

		delta, err := s.bs.next()
		if errors.Is(err, io.EOF) {
			s.closeBackend()
			s.done = true
			return false
		}
		if err != nil {
			s.closeBackend()
			cerr := Classify(err)

			// Same-leg retry, only while this leg has not streamed anything:
			// restarting after content would discard text, which only a
			// fallback is allowed to do.
			if !s.emitted && cerr.Retryable() && s.attempts+1 < s.leg.cfg.MaxAttempts && s.ctx.Err() == nil {
				delay := s.leg.cfg.BackoffBase << s.attempts
				s.attempts++
				slog.WarnContext(s.ctx, "llm attempt failed, backing off",
					"model", s.leg.cfg.Model,
					"kind", string(cerr.Kind),
					"attempt", s.attempts,
					"delay", delay.String())
				if serr := s.c.sleep(s.ctx, delay); serr != nil {
					s.failLeg(cerr)
					continue
				}
				continue
			}

			s.failLeg(cerr)
			continue
		}

		s.emitted = true
		s.cur = Event{Type: EventContent, Text: delta}
		return true
	}
}

// failLeg ends the current leg: switch to the fallback when one is armed,
// otherwise go terminal with the classified error.
func (s *Stream) failLeg(cerr *Error) {
	if !s.onFallback && s.c.fallback != nil && s.ctx.Err() == nil {
		slog.InfoContext(s.ctx, "llm falling back",
			"from_model", s.leg.cfg.Model,
			"to_model", s.c.fallback.cfg.Model,
			"kind", string(cerr.Kind))
		s.leg = s.c.fallback
		s.onFallback = true
		s.attempts = 0
		s.emitted = false
		s.queuedFallback = true
		return
	}

	s.err = cerr
	s.done = true
}

// Event returns the event produced by the last successful Next.
func (s *Stream) Event() Event {
	return s.cur
}

// Err returns the terminal failure, or nil if the stream ended naturally.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the underlying connection. Safe to call at any point and
// more than once.
func (s *Stream) Close() error {
	s.closeBackend()
	s.done = true
	return nil
}

func (s *Stream) closeBackend() {
	if s.bs != nil {
		_ = s.bs.close()
		s.bs = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
