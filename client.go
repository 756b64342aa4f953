// Package upstream provides the resilient client layer that sits between the
// publishing middleware and the remote content-management REST API. It combines
// a circuit breaker, a classification-driven retry orchestrator, a
// bounded-concurrency batch processor, and a TTL/LRU response cache so a slow
// or flaky upstream cannot take the rest of the system down with it.
//
// The package never builds HTTP requests itself. Callers hand it a Work
// function that performs the actual upstream call and surface failures as
// *UpstreamError values constructed at the response-parsing boundary.
package upstream

import (
	"context"
	"fmt"
	"time"
)

// Work performs a single upstream call and returns its result.
// The context carries the per-call deadline; implementations should abandon
// the call when it is done.
//
// Example:
//
//	work := func(ctx context.Context) (*Post, error) {
//	    return client.CreatePost(ctx, draft)
//	}
//	post, err := orchestrator.Do(ctx, rctx, work)
type Work[T any] func(ctx context.Context) (T, error)

// UpstreamError is the structured failure produced when an upstream response
// is parsed. It is built exactly once at that boundary so the classifier
// operates on a closed set of fields instead of probing loosely-typed shapes.
type UpstreamError struct {
	// StatusCode is the HTTP status of the upstream response, 0 if the call
	// failed before a response arrived.
	StatusCode int

	// Code is the upstream-specific error code string (e.g. "rest_invalid_param"),
	// empty when the upstream supplied none.
	Code string

	// Message is the human-readable message from the upstream error body.
	Message string

	// RetryAfter is the parsed Retry-After hint, 0 when absent.
	RetryAfter time.Duration

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("upstream error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("upstream call failed: %v", e.Err)
	default:
		return fmt.Sprintf("upstream error: %s", e.Message)
	}
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewStatusError creates an UpstreamError from an HTTP status and error body.
func NewStatusError(statusCode int, code, message string) *UpstreamError {
	return &UpstreamError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// NewTransportError creates an UpstreamError for a failure that happened
// before any HTTP response arrived.
func NewTransportError(err error) *UpstreamError {
	return &UpstreamError{
		Message: err.Error(),
		Err:     err,
	}
}
