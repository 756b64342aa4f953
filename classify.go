package upstream

import (
	"context"
	"errors"
	"strings"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// Category is the broad family a classified failure belongs to.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryValidation     Category = "validation"
	CategoryNotFound       Category = "not-found"
	CategoryRateLimit      Category = "rate-limit"
	CategoryServer         Category = "server"
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryUnknown        Category = "unknown"
)

// Severity grades how serious a classified failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the structured verdict for a raw failure. UserMessage is
// the only text that may be surfaced to end users; TechMessage is for logs.
type Classification struct {
	Category    Category
	Severity    Severity
	Retryable   bool
	UserMessage string
	TechMessage string

	// RetryAfter carries the upstream's Retry-After hint when present.
	// The orchestrator prefers it over computed backoff.
	RetryAfter time.Duration
}

// ClassifiedError pairs a failure with its classification. It unwraps to the
// original error so errors.Is/As checks keep working through it.
type ClassifiedError struct {
	Classification Classification
	Err            error
}

// Error implements the error interface using the technical message.
func (e *ClassifiedError) Error() string {
	return e.Classification.TechMessage
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// IsBreakerRejection reports whether err is a synthetic circuit breaker
// rejection rather than a real upstream failure. Callers use this to tell
// "upstream is erroring" apart from "upstream is being protected".
func IsBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// statusClassifications is the fixed HTTP status table, the most trustworthy
// signal when a status code is present.
var statusClassifications = map[int]Classification{
	400: {Category: CategoryValidation, Severity: SeverityLow, Retryable: false,
		UserMessage: "The request was rejected by the publishing service. Please review the post content."},
	401: {Category: CategoryAuthentication, Severity: SeverityHigh, Retryable: false,
		UserMessage: "Authentication with the publishing service failed. Please reconnect your account."},
	403: {Category: CategoryAuthorization, Severity: SeverityHigh, Retryable: false,
		UserMessage: "Your account is not allowed to perform this action on the publishing service."},
	404: {Category: CategoryNotFound, Severity: SeverityLow, Retryable: false,
		UserMessage: "The requested content could not be found on the publishing service."},
	429: {Category: CategoryRateLimit, Severity: SeverityMedium, Retryable: true,
		UserMessage: "The publishing service is rate limiting requests. Your request will be retried."},
	500: {Category: CategoryServer, Severity: SeverityHigh, Retryable: true,
		UserMessage: "The publishing service hit an internal error. Your request will be retried."},
	502: {Category: CategoryServer, Severity: SeverityHigh, Retryable: true,
		UserMessage: "The publishing service is temporarily unreachable. Your request will be retried."},
	503: {Category: CategoryServer, Severity: SeverityHigh, Retryable: true,
		UserMessage: "The publishing service is temporarily unavailable. Your request will be retried."},
	504: {Category: CategoryServer, Severity: SeverityHigh, Retryable: true,
		UserMessage: "The publishing service timed out. Your request will be retried."},
}

// codeClassifications maps upstream error-code families, consulted only when
// no HTTP status is available.
var codeClassifications = []struct {
	substrings []string
	result     Classification
}{
	{[]string{"auth", "token", "unauthorized"}, Classification{
		Category: CategoryAuthentication, Severity: SeverityHigh, Retryable: false,
		UserMessage: "Authentication with the publishing service failed. Please reconnect your account."}},
	{[]string{"permission", "forbidden", "cannot"}, Classification{
		Category: CategoryAuthorization, Severity: SeverityHigh, Retryable: false,
		UserMessage: "Your account is not allowed to perform this action on the publishing service."}},
	{[]string{"invalid", "validation", "missing", "required"}, Classification{
		Category: CategoryValidation, Severity: SeverityLow, Retryable: false,
		UserMessage: "The request was rejected by the publishing service. Please review the post content."}},
	{[]string{"not_found", "no_such", "unknown_id"}, Classification{
		Category: CategoryNotFound, Severity: SeverityLow, Retryable: false,
		UserMessage: "The requested content could not be found on the publishing service."}},
	{[]string{"duplicate", "exists", "conflict"}, Classification{
		Category: CategoryValidation, Severity: SeverityLow, Retryable: false,
		UserMessage: "This content already exists on the publishing service."}},
}

// Classify produces a structured classification for a raw failure.
//
// The decision order is a deliberate precedence, not one merged lookup: an
// explicit HTTP status is the most trustworthy signal, then structured
// upstream error codes, then message substring heuristics, then an opaque
// default. The same raw error can match several of these at once.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow}
	}

	// Context errors first: retrying with an already-done context can only
	// fail again, whatever the upstream said.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Classification{
			Category:    CategoryTimeout,
			Severity:    SeverityMedium,
			Retryable:   false,
			UserMessage: "The request took too long and was cancelled. Please try again.",
			TechMessage: err.Error(),
		}
	}

	// Breaker rejections are synthetic: the upstream was never called. They
	// stay retryable so the local attempt budget governs termination, but the
	// open breaker keeps the upstream itself out of the loop.
	if IsBreakerRejection(err) {
		return Classification{
			Category:    CategoryServer,
			Severity:    SeverityHigh,
			Retryable:   true,
			UserMessage: "The publishing service is temporarily unavailable. Please try again shortly.",
			TechMessage: err.Error(),
		}
	}

	var ue *UpstreamError
	hasUpstream := errors.As(err, &ue)

	// Step 1: explicit HTTP status code.
	if hasUpstream && ue.StatusCode != 0 {
		if c, ok := statusClassifications[ue.StatusCode]; ok {
			c.TechMessage = err.Error()
			c.RetryAfter = ue.RetryAfter
			return c
		}
		if ue.StatusCode >= 500 {
			return Classification{
				Category:    CategoryServer,
				Severity:    SeverityHigh,
				Retryable:   true,
				UserMessage: "The publishing service hit an internal error. Your request will be retried.",
				TechMessage: err.Error(),
				RetryAfter:  ue.RetryAfter,
			}
		}
		if ue.StatusCode >= 400 {
			return Classification{
				Category:    CategoryValidation,
				Severity:    SeverityLow,
				Retryable:   false,
				UserMessage: "The request was rejected by the publishing service.",
				TechMessage: err.Error(),
			}
		}
	}

	// Step 2: upstream-supplied error code string.
	if hasUpstream && ue.Code != "" {
		code := strings.ToLower(ue.Code)
		for _, family := range codeClassifications {
			for _, sub := range family.substrings {
				if strings.Contains(code, sub) {
					c := family.result
					c.TechMessage = err.Error()
					c.RetryAfter = ue.RetryAfter
					return c
				}
			}
		}
	}

	// Rate-limit and timeout sentinels rank with the message heuristics.
	if errors.Is(err, jperrors.ErrRateLimited) {
		return Classification{
			Category:    CategoryRateLimit,
			Severity:    SeverityMedium,
			Retryable:   true,
			UserMessage: "The publishing service is rate limiting requests. Your request will be retried.",
			TechMessage: err.Error(),
		}
	}

	// Step 3: raw message heuristics for transport-level failures.
	msg := strings.ToLower(err.Error())
	if jperrors.IsTimeout(err) || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return Classification{
			Category:    CategoryTimeout,
			Severity:    SeverityMedium,
			Retryable:   true,
			UserMessage: "The publishing service took too long to respond. Your request will be retried.",
			TechMessage: err.Error(),
		}
	}
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") {
		return Classification{
			Category:    CategoryNetwork,
			Severity:    SeverityMedium,
			Retryable:   true,
			UserMessage: "Could not reach the publishing service. Your request will be retried.",
			TechMessage: err.Error(),
		}
	}

	// Step 4: opaque default.
	return Classification{
		Category:    CategoryUnknown,
		Severity:    SeverityMedium,
		Retryable:   false,
		UserMessage: "An unexpected error occurred while talking to the publishing service.",
		TechMessage: err.Error(),
	}
}

// shouldTrip reports whether a failure counts against the circuit breaker.
// Rate limits, timeouts and client-side errors are transient or local and do
// not indicate an unhealthy upstream.
func shouldTrip(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err).Category {
	case CategoryServer, CategoryNetwork, CategoryUnknown:
		return true
	default:
		return false
	}
}
