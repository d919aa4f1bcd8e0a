// Package apperr defines the transport-neutral error kinds the pipeline
// returns internally; internal/httpapi translates them to HTTP status codes.
package apperr

import "fmt"

type Kind string

const (
	Validation         Kind = "VALIDATION"
	Auth               Kind = "AUTH"
	Forbidden          Kind = "FORBIDDEN"
	NotFound           Kind = "NOT_FOUND"
	Conflict           Kind = "CONFLICT"
	RateLimited        Kind = "RATE_LIMITED"
	PayloadTooLarge    Kind = "PAYLOAD_TOO_LARGE"
	SequencerContention Kind = "SEQUENCER_CONTENTION"
	Unavailable        Kind = "UNAVAILABLE"
	Internal           Kind = "INTERNAL"
)

// Error is the error type every pipeline component returns. Code is the
// machine-readable identifier surfaced to clients; RetryAfterSeconds is set
// for RateLimited.
type Error struct {
	Kind              Kind
	Code              string
	Message           string
	RetryAfterSeconds int
	CorrelationID     string
	cause             error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

func Validationf(code, format string, args ...any) *Error {
	return New(Validation, code, fmt.Sprintf(format, args...))
}

func RateLimitedErr(code string, retryAfterSeconds int) *Error {
	return &Error{Kind: RateLimited, Code: code, Message: "rate limited", RetryAfterSeconds: retryAfterSeconds}
}

// Is supports errors.Is matching purely on Kind+Code, which is how callers
// in this codebase compare sentinel errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Internal
}
