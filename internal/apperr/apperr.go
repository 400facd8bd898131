// Package apperr defines the error taxonomy shared by the battle pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindCapacity      Kind = "capacity"
	KindState         Kind = "state"
	KindRateLimit     Kind = "rate_limit"
	KindAuthorization Kind = "authorization"
	KindInternal      Kind = "internal"
)

// Code is the machine-readable reason sent to clients.
type Code string

const (
	CodeInvalidAction      Code = "invalid_action"
	CodeValidationFailed   Code = "validation_failed"
	CodeDuplicate          Code = "duplicate"
	CodeQueueFull          Code = "queue_full"
	CodeInstanceFull       Code = "instance_full"
	CodeInstanceNotActive  Code = "instance_not_active"
	CodeGracePeriodExpired Code = "grace_period_expired"
	CodeRateLimited        Code = "rate_limited"
	CodeUnauthorized       Code = "unauthorized"
	CodeNotFound           Code = "not_found"
	CodeInvalidFormat      Code = "invalid_format"
	CodeInternal           Code = "internal"
)

const publicInternalMessage = "internal error"

// Error is a classified failure.
type Error struct {
	Kind              Kind
	Code              Code
	Message           string
	Retryable         bool
	RetryAfterSeconds int
	Details           map[string]any
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Public renders the client-facing error body. Internal errors never expose
// their message or details.
func (e *Error) Public() map[string]any {
	if e.Kind == KindInternal {
		return map[string]any{"message": publicInternalMessage, "kind": string(KindInternal)}
	}
	body := map[string]any{
		"message": e.Message,
		"kind":    string(e.Kind),
	}
	if e.Retryable {
		body["retryable"] = true
		body["retryAfterSeconds"] = e.RetryAfterSeconds
	}
	for k, v := range e.Details {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	return body
}

// WithDetail returns e after setting a detail key.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a malformed or rule-violating request.
func Validation(code Code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

// Conflict reports a duplicate submission.
func Conflict(code Code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

// Capacity reports a full queue or instance. Capacity failures are retryable.
func Capacity(code Code, format string, args ...any) *Error {
	e := newError(KindCapacity, code, format, args...)
	e.Retryable = true
	e.RetryAfterSeconds = 1
	return e
}

// State reports an operation that the current lifecycle state forbids.
func State(code Code, format string, args ...any) *Error {
	return newError(KindState, code, format, args...)
}

// Unauthorized reports an action submitted by the wrong actor.
func Unauthorized(format string, args ...any) *Error {
	return newError(KindAuthorization, CodeUnauthorized, format, args...)
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error {
	return newError(KindState, CodeNotFound, format, args...)
}

// RateLimited reports a denied admission; the caller may retry after
// retryAfterSeconds.
func RateLimited(channel string, retryAfterSeconds, limit int, windowMs int64) *Error {
	e := newError(KindRateLimit, CodeRateLimited, "rate limit exceeded on %s", channel)
	e.Retryable = true
	e.RetryAfterSeconds = retryAfterSeconds
	e.Details = map[string]any{
		"channel":  channel,
		"limit":    limit,
		"windowMs": windowMs,
	}
	return e
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "unexpected failure", Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// From returns err as an *Error, wrapping unclassified errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	return From(err).Kind
}

// IsRetryable reports whether the caller may retry err after a wait.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}
