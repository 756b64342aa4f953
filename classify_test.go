package upstream_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	upstream "github.com/seoforge/upstream"
)

var _ = Describe("Classify", func() {
	Describe("status code precedence", func() {
		DescribeTable("maps HTTP statuses to the fixed table",
			func(status int, category upstream.Category, retryable bool) {
				err := upstream.NewStatusError(status, "", "boom")
				c := upstream.Classify(err)
				Expect(c.Category).To(Equal(category))
				Expect(c.Retryable).To(Equal(retryable))
			},
			Entry("400 is validation, not retryable", 400, upstream.CategoryValidation, false),
			Entry("401 is authentication, not retryable", 401, upstream.CategoryAuthentication, false),
			Entry("403 is authorization, not retryable", 403, upstream.CategoryAuthorization, false),
			Entry("404 is not-found, not retryable", 404, upstream.CategoryNotFound, false),
			Entry("429 is rate-limit, retryable", 429, upstream.CategoryRateLimit, true),
			Entry("500 is server, retryable", 500, upstream.CategoryServer, true),
			Entry("502 is server, retryable", 502, upstream.CategoryServer, true),
			Entry("503 is server, retryable", 503, upstream.CategoryServer, true),
			Entry("504 is server, retryable", 504, upstream.CategoryServer, true),
		)

		It("prefers the status over a matching error code", func() {
			// Both signals present; the status must win.
			err := upstream.NewStatusError(503, "rest_invalid_param", "invalid param")
			c := upstream.Classify(err)
			Expect(c.Category).To(Equal(upstream.CategoryServer))
			Expect(c.Retryable).To(BeTrue())
		})

		It("prefers the status over a timeout-looking message", func() {
			err := upstream.NewStatusError(404, "", "request timed out looking up post")
			c := upstream.Classify(err)
			Expect(c.Category).To(Equal(upstream.CategoryNotFound))
			Expect(c.Retryable).To(BeFalse())
		})

		It("treats unlisted 5xx statuses as retryable server errors", func() {
			c := upstream.Classify(upstream.NewStatusError(599, "", "weird"))
			Expect(c.Category).To(Equal(upstream.CategoryServer))
			Expect(c.Retryable).To(BeTrue())
		})
	})

	Describe("upstream error codes", func() {
		It("maps authentication code families", func() {
			err := &upstream.UpstreamError{Code: "rest_invalid_token", Message: "bad token"}
			Expect(upstream.Classify(err).Category).To(Equal(upstream.CategoryAuthentication))
		})

		It("maps validation code families", func() {
			err := &upstream.UpstreamError{Code: "rest_missing_callback_param", Message: "missing"}
			c := upstream.Classify(err)
			Expect(c.Category).To(Equal(upstream.CategoryValidation))
			Expect(c.Retryable).To(BeFalse())
		})

		It("maps not-found code families", func() {
			err := &upstream.UpstreamError{Code: "rest_post_not_found", Message: "gone"}
			Expect(upstream.Classify(err).Category).To(Equal(upstream.CategoryNotFound))
		})

		It("maps duplicate code families to validation", func() {
			err := &upstream.UpstreamError{Code: "term_exists", Message: "already there"}
			c := upstream.Classify(err)
			Expect(c.Category).To(Equal(upstream.CategoryValidation))
			Expect(c.Retryable).To(BeFalse())
		})
	})

	Describe("message heuristics", func() {
		It("classifies timeout messages as retryable timeouts", func() {
			c := upstream.Classify(errors.New("request timed out after 10s"))
			Expect(c.Category).To(Equal(upstream.CategoryTimeout))
			Expect(c.Retryable).To(BeTrue())
		})

		It("classifies connection failures as retryable network errors", func() {
			c := upstream.Classify(fmt.Errorf("dial tcp 10.0.0.1:443: connection refused"))
			Expect(c.Category).To(Equal(upstream.CategoryNetwork))
			Expect(c.Retryable).To(BeTrue())
		})
	})

	Describe("context errors", func() {
		It("never retries a deadline-exceeded error", func() {
			c := upstream.Classify(fmt.Errorf("fetch: %w", context.DeadlineExceeded))
			Expect(c.Category).To(Equal(upstream.CategoryTimeout))
			Expect(c.Retryable).To(BeFalse())
		})

		It("never retries a cancelled context", func() {
			c := upstream.Classify(context.Canceled)
			Expect(c.Retryable).To(BeFalse())
		})
	})

	Describe("fallback", func() {
		It("classifies anything unrecognized as unknown and non-retryable", func() {
			c := upstream.Classify(errors.New("something inexplicable"))
			Expect(c.Category).To(Equal(upstream.CategoryUnknown))
			Expect(c.Severity).To(Equal(upstream.SeverityMedium))
			Expect(c.Retryable).To(BeFalse())
		})
	})

	Describe("messages", func() {
		It("keeps raw error text out of the user message", func() {
			raw := "pq: duplicate key value violates unique constraint"
			c := upstream.Classify(upstream.NewStatusError(500, "", raw))
			Expect(c.UserMessage).NotTo(ContainSubstring(raw))
			Expect(c.TechMessage).To(ContainSubstring(raw))
		})
	})

	Describe("Retry-After", func() {
		It("carries the upstream hint through classification", func() {
			err := &upstream.UpstreamError{
				StatusCode: 429,
				Message:    "slow down",
				RetryAfter: 7 * time.Second,
			}
			Expect(upstream.Classify(err).RetryAfter).To(Equal(7 * time.Second))
		})
	})
})

var _ = Describe("ClassifiedError", func() {
	It("unwraps to the original error", func() {
		cause := upstream.NewStatusError(404, "", "missing")
		cerr := &upstream.ClassifiedError{
			Classification: upstream.Classify(cause),
			Err:            cause,
		}

		var ue *upstream.UpstreamError
		Expect(errors.As(cerr, &ue)).To(BeTrue())
		Expect(ue.StatusCode).To(Equal(404))
	})
})

var _ = Describe("UpstreamError", func() {
	It("formats status and code when present", func() {
		err := upstream.NewStatusError(400, "rest_invalid_param", "bad title")
		Expect(err.Error()).To(ContainSubstring("400"))
		Expect(err.Error()).To(ContainSubstring("rest_invalid_param"))
	})

	It("wraps transport causes", func() {
		cause := errors.New("connection reset by peer")
		err := upstream.NewTransportError(cause)
		Expect(errors.Is(err, cause)).To(BeTrue())
	})
})
