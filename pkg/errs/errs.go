// Package errs defines the coordination substrate's error taxonomy.
//
// Every operation in pkg/eventstore, pkg/mail, pkg/hive and pkg/memory
// returns either a result or an *Error. Errors are values, never panics or
// sentinel exceptions: callers branch on Kind, not on string matching.
package errs

import "fmt"

// Kind classifies an error for caller-side branching (retry vs. surface
// vs. degrade). See
type Kind string

const (
	// KindValidation means the input failed a schema/shape check. Never
	// retried; it is the caller's bug.
	KindValidation Kind = "validation"
	// KindNotFound means the referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict means a state-machine violation, dependency cycle, or
	// file-reservation conflict.
	KindConflict Kind = "conflict"
	// KindRateLimit means a token bucket is exhausted.
	KindRateLimit Kind = "rate_limit"
	// KindTransient means a DB lock or network blip; retried internally
	// up to 3 times before surfacing.
	KindTransient Kind = "transient"
	// KindExternalUnavailable means the Embedder or Analyzer is down.
	KindExternalUnavailable Kind = "external_unavailable"
	// KindCorrupted means a checksum/schema mismatch was found on read.
	// Always fatal; never retried.
	KindCorrupted Kind = "corrupted"
)

// Error is the substrate's uniform error type. It carries a short machine
// code, a human message, and an optional hint — never a stack trace.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Hint    string

	// RateLimit fields, populated only when Kind == KindRateLimit.
	Endpoint  string
	Remaining int
	ResetAt   int64 // unix millis

	// Conflict fields, populated only when Kind == KindConflict and the
	// conflict is a file reservation clash.
	Holders []string

	wrapped error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

func newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a KindValidation error.
func Validation(code, format string, args ...interface{}) *Error {
	return newf(KindValidation, code, format, args...)
}

// NotFound builds a KindNotFound error.
func NotFound(code, format string, args ...interface{}) *Error {
	return newf(KindNotFound, code, format, args...)
}

// Conflict builds a KindConflict error.
func Conflict(code, format string, args ...interface{}) *Error {
	return newf(KindConflict, code, format, args...)
}

// ConflictWithHolders builds a KindConflict error carrying the list of
// agent names holding a clashing reservation.
func ConflictWithHolders(code, msg string, holders []string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg, Holders: holders}
}

// RateLimit builds a KindRateLimit error.
func RateLimit(endpoint string, remaining int, resetAtUnixMs int64) *Error {
	return &Error{
		Kind:      KindRateLimit,
		Code:      "rate_limit_exceeded",
		Message:   fmt.Sprintf("rate limit exceeded for %s", endpoint),
		Endpoint:  endpoint,
		Remaining: remaining,
		ResetAt:   resetAtUnixMs,
	}
}

// Transient builds a KindTransient error.
func Transient(code, format string, args ...interface{}) *Error {
	return newf(KindTransient, code, format, args...)
}

// ExternalUnavailable builds a KindExternalUnavailable error.
func ExternalUnavailable(code, format string, args ...interface{}) *Error {
	return newf(KindExternalUnavailable, code, format, args...)
}

// Corrupted builds a KindCorrupted error.
func Corrupted(code, format string, args ...interface{}) *Error {
	return newf(KindCorrupted, code, format, args...)
}

// WithHint attaches a human hint (e.g. "reopen before moving out of
// closed") and returns the receiver for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Wrap attaches an underlying cause for errors.Unwrap/errors.Is chains.
func (e *Error) Wrap(cause error) *Error {
	e.wrapped = cause
	return e
}

// Is reports whether err is a substrate *Error of the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if e, ok := err.(*Error); ok {
		se = e
	} else {
		return false
	}
	return se.Kind == kind
}
