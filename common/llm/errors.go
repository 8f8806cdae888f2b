package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
)

// ErrorKind classifies a generation failure for retry policy and display.
type ErrorKind string

const (
	// ErrorKindNoCredential: no usable API key for the backend. Surfaced
	// immediately with a corrective action, never retried.
	ErrorKindNoCredential ErrorKind = "no_credential"

	// ErrorKindInvalidResponse: the backend replied with a payload that
	// could not be used. Not retried.
	ErrorKindInvalidResponse ErrorKind = "invalid_response"

	// ErrorKindRateLimited: HTTP 429 or protocol equivalent. Retried with
	// backoff.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindTransientNetwork: transport failures, server errors and
	// attempt timeouts. Retried with backoff.
	ErrorKindTransientNetwork ErrorKind = "transient_network"

	// ErrorKindApplication: the backend returned a structured error. The
	// message is surfaced verbatim, never retried.
	ErrorKindApplication ErrorKind = "application"
)

// Retryable reports whether failures of this kind may be retried in place.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindRateLimited || k == ErrorKindTransientNetwork
}

// Error is a classified generation failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// Classify wraps err with the taxonomy the retry and fallback policies key
// off. Already classified errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	// Attempt timeouts are transient: the same retry policy as transport
	// errors applies. Cancellation also lands here; the stream never sleeps
	// on a dead context, so it cannot retry past it.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: ErrorKindTransientNetwork, Err: err}
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &Error{Kind: ErrorKindRateLimited, Err: err}
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return &Error{Kind: ErrorKindNoCredential, Err: err}
		case apiErr.StatusCode >= 500:
			return &Error{Kind: ErrorKindTransientNetwork, Err: err}
		default:
			return &Error{Kind: ErrorKindApplication, Err: err}
		}
	}

	// Network errors with no API response are generally retryable
	return &Error{Kind: ErrorKindTransientNetwork, Err: err}
}
