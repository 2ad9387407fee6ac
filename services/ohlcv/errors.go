package ohlcv

import (
	"errors"
	"fmt"
)

// Kind is one of the caller-routable error kinds from spec §7. Names are
// behavioral, not tied to a particular Go type.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindSourceUnavailable  Kind = "source_unavailable"
	KindTransport          Kind = "transport"
	KindRateLimited        Kind = "rate_limited"
	KindDecodeFailure      Kind = "decode_failure"
	KindInvariantViolation Kind = "invariant_violation"
	KindStoreFailure       Kind = "store_failure"
)

// Error is the structured error every layer of the pipeline returns instead
// of ad-hoc fmt.Errorf values, so that callers can branch with errors.As.
type Error struct {
	Kind    Kind
	Message string
	URL     string // set for transport/source errors
	Attempt int    // attempts made, for transport errors
	Err     error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.URL != "" {
		if e.Attempt > 0 {
			return fmt.Sprintf("%s: %s (url=%s, attempts=%d)", e.Kind, e.Message, e.URL, e.Attempt)
		}
		return fmt.Sprintf("%s: %s (url=%s)", e.Kind, e.Message, e.URL)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithURL sets the URL field and returns e for chaining at the call site.
func (e *Error) WithURL(url string) *Error {
	e.URL = url
	return e
}

// NewError builds a Kind-tagged error with no wrapped cause.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds a Kind-tagged error wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// WrapTransport builds a Transport error carrying the URL and attempt count
// the caller needs to reconstruct what was retried (spec §7/§4.10).
func WrapTransport(url string, attempt int, cause error) *Error {
	return &Error{Kind: KindTransport, Message: "request failed after retries", URL: url, Attempt: attempt, Err: cause}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
