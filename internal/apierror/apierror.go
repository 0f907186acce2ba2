// Package apierror defines the error kinds the proxy can produce, normalizes
// arbitrary failures into one shape, and writes the external JSON error
// contract.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure. Each kind has a fixed HTTP status except
// KindUpstreamHTTP, which carries the upstream's own.
type Kind string

const (
	KindSubrequestLimit       Kind = "subrequest_limit"
	KindUpstreamHTTP          Kind = "upstream_http"
	KindInvalidUpstreamSchema Kind = "invalid_upstream_schema"
	KindEntityTooLarge        Kind = "entity_too_large"
	KindBadUpstreamPayload    Kind = "bad_upstream_payload"
	KindNetwork               Kind = "network"
	KindRateLimited           Kind = "rate_limited"
	KindRateLimiterInternal   Kind = "rate_limiter_internal"
	KindInternal              Kind = "internal"
	KindUnauthorized          Kind = "unauthorized"
	KindInvalidRequest        Kind = "invalid_request"
	KindNotFound              Kind = "not_found"
	KindRequestTooLarge       Kind = "request_too_large"
)

var kindStatus = map[Kind]int{
	KindSubrequestLimit:       http.StatusTooManyRequests,
	KindUpstreamHTTP:          http.StatusBadGateway,
	KindInvalidUpstreamSchema: http.StatusBadGateway,
	KindEntityTooLarge:        http.StatusRequestEntityTooLarge,
	KindBadUpstreamPayload:    http.StatusBadGateway,
	KindNetwork:               http.StatusInternalServerError,
	KindRateLimited:           http.StatusTooManyRequests,
	KindRateLimiterInternal:   http.StatusInternalServerError,
	KindInternal:              http.StatusInternalServerError,
	KindUnauthorized:          http.StatusUnauthorized,
	KindInvalidRequest:        http.StatusBadRequest,
	KindNotFound:              http.StatusNotFound,
	KindRequestTooLarge:       http.StatusRequestEntityTooLarge,
}

var kindMessage = map[Kind]string{
	KindSubrequestLimit:       "Subrequest limit exceeded",
	KindUpstreamHTTP:          "Upstream request failed",
	KindInvalidUpstreamSchema: "Upstream response failed schema validation",
	KindEntityTooLarge:        "Upstream response too large",
	KindBadUpstreamPayload:    "Upstream returned an invalid JSON payload",
	KindNetwork:               "Failed to proxy request",
	KindRateLimited:           "Rate limit exceeded",
	KindRateLimiterInternal:   "Rate limiter unavailable",
	KindInternal:              "Failed to proxy request",
	KindUnauthorized:          "Unauthorized",
	KindInvalidRequest:        "Invalid request",
	KindNotFound:              "Not found",
	KindRequestTooLarge:       "Request body too large",
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindStatus[k]
	return ok
}

// Status returns the default HTTP status for the kind.
func (k Kind) Status() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// publicDetails reports whether the kind's details are safe to show in
// production. Limits and sizes help clients back off; nothing else leaves
// the process.
func (k Kind) publicDetails() bool {
	switch k {
	case KindSubrequestLimit, KindRateLimited, KindEntityTooLarge, KindRequestTooLarge:
		return true
	}
	return false
}

// Issue is one schema validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is a typed failure with a kind. It is the only error type the proxy
// pipeline returns to its callers.
type Error struct {
	Kind    Kind
	Message string
	// Status overrides Kind.Status when non-zero.
	Status  int
	Details map[string]any
	Issues  []Issue
	Cause   error
}

// New creates an Error with the kind's default message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Message: kindMessage[kind]}
}

// Wrap creates an Error of kind caused by err.
func Wrap(kind Kind, err error) *Error {
	e := New(kind)
	e.Cause = err
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status the error is surfaced with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.Status()
}

// WithMessage replaces the public message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithDetail adds a detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// SubrequestLimit rejects an outbound call that would exceed the per-request budget.
func SubrequestLimit(limit, current int) *Error {
	return New(KindSubrequestLimit).
		WithDetail("limit", limit).
		WithDetail("current", current)
}

// EntityTooLarge reports an upstream body that crossed the read ceiling.
func EntityTooLarge(size, limit int64) *Error {
	return New(KindEntityTooLarge).
		WithDetail("size", size).
		WithDetail("limit", limit)
}

// BadUpstreamPayload reports an upstream body that is not valid JSON.
func BadUpstreamPayload(preview string, cause error) *Error {
	e := Wrap(KindBadUpstreamPayload, cause)
	return e.WithDetail("preview", preview)
}

// InvalidUpstreamSchema reports a 2xx upstream body that does not match its schema.
func InvalidUpstreamSchema(issues []Issue, cause error) *Error {
	e := Wrap(KindInvalidUpstreamSchema, cause)
	e.Issues = issues
	return e
}

// UpstreamHTTP reports a non-2xx upstream status.
func UpstreamHTTP(status int) *Error {
	e := New(KindUpstreamHTTP)
	e.Status = status
	return e.WithDetail("status", status)
}

// RateLimited reports a denied rate-limit check.
func RateLimited(window time.Duration, limit int64, reset time.Time) *Error {
	return New(KindRateLimited).
		WithDetail("window", window.String()).
		WithDetail("limit", limit).
		WithDetail("reset", reset.UTC().Format(time.RFC3339))
}

// WithStatus overrides the kind's status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}
