package upstream

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// RequestContext identifies the logical request a retried unit of work
// belongs to. The RequestID keys the attempt history; a uuid is generated
// when the caller leaves it empty.
type RequestContext struct {
	RequestID string
	Endpoint  string
	Method    string
}

// RetryAttempt records one scheduled retry for diagnostics.
type RetryAttempt struct {
	Attempt int
	Delay   time.Duration
	Err     error
	At      time.Time
}

// Orchestrator re-executes failed work with classified, backed-off retries.
// Every attempt passes through the circuit breaker gate when one is
// configured, so an open breaker short-circuits retries without the upstream
// seeing them; those rejections still consume local attempts, which
// guarantees termination.
type Orchestrator[T any] struct {
	breaker *CircuitBreaker[T]
	config  *RetryConfig
	logger  *slog.Logger
	metrics *Metrics
	history *attemptHistory
	stats   *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of successful operations
	TotalSuccesses int64

	// TotalFailures is the number of failed operations (after all retries exhausted)
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error encountered (if any)
	LastError error
}

// NewOrchestrator creates a retry orchestrator. breaker may be nil, in which
// case work runs ungated.
//
// Example:
//
//	orch := upstream.NewOrchestrator(breaker,
//	    upstream.WithMaxAttempts(3),
//	    upstream.WithExponentialBackoff(time.Second, 30*time.Second),
//	)
func NewOrchestrator[T any](breaker *CircuitBreaker[T], opts ...RetryOption) *Orchestrator[T] {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Orchestrator[T]{
		breaker: breaker,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		history: newAttemptHistory(config.HistoryLimit),
		stats:   &retryStats{},
	}
}

// Do executes work, retrying classified-retryable failures with backoff until
// it succeeds or the attempt budget is spent. The final failure is always a
// *ClassifiedError carrying the category, severity and user-facing message of
// the last attempt.
func (o *Orchestrator[T]) Do(ctx context.Context, rctx RequestContext, work Work[T]) (T, error) {
	var zero T

	if o.config.MaxAttempts <= 0 {
		return zero, errors.New("max attempts must be positive")
	}

	if rctx.RequestID == "" {
		rctx.RequestID = uuid.NewString()
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
	}

	var response T
	var attempt int
	var pendingDelay time.Duration

	// The backoff only replays the delay already computed (and recorded in the
	// attempt history) inside the retry function, so a Retry-After hint from
	// the upstream can override the exponential schedule.
	backoff := retry.WithMaxRetries(o.maxRetries(), retry.BackoffFunc(func() (time.Duration, bool) {
		return pendingDelay, false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		o.stats.mu.Lock()
		o.stats.totalAttempts++
		if attempt > 1 {
			o.stats.totalRetries++
		}
		o.stats.lastAttemptTime = time.Now()
		o.stats.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := o.execute(ctx, work)
		if err == nil {
			if attempt > 1 {
				o.logger.Info("request succeeded after retry",
					"request_id", rctx.RequestID,
					"endpoint", rctx.Endpoint,
					"attempts", attempt)
			}
			response = resp
			return nil
		}

		classification := Classify(err)
		cerr := &ClassifiedError{Classification: classification, Err: err}

		if !classification.Retryable {
			o.logger.Debug("non-retryable error, giving up",
				"request_id", rctx.RequestID,
				"endpoint", rctx.Endpoint,
				"category", string(classification.Category),
				"attempts", attempt,
				"error", classification.TechMessage)
			return cerr
		}

		// History and metrics track scheduled retries only, so the final
		// exhausted attempt records nothing.
		if uint64(attempt) <= o.maxRetries() {
			pendingDelay = o.nextDelay(attempt, classification.RetryAfter)
			o.history.append(rctx.RequestID, RetryAttempt{
				Attempt: attempt,
				Delay:   pendingDelay,
				Err:     err,
				At:      time.Now(),
			})

			o.logger.Debug("retrying request after delay",
				"request_id", rctx.RequestID,
				"endpoint", rctx.Endpoint,
				"method", rctx.Method,
				"attempt", attempt,
				"delay", pendingDelay,
				"category", string(classification.Category))
			if o.metrics != nil {
				o.metrics.RetryAttempts.WithLabelValues(rctx.Endpoint).Inc()
			}
		}

		return retry.RetryableError(cerr)
	})
	if err != nil {
		o.logger.Warn("request failed after retries",
			"request_id", rctx.RequestID,
			"endpoint", rctx.Endpoint,
			"attempts", attempt,
			"error", err)
		o.stats.mu.Lock()
		o.stats.totalFailures++
		o.stats.lastError = err
		o.stats.mu.Unlock()
		return zero, err
	}

	o.stats.mu.Lock()
	o.stats.totalSuccesses++
	o.stats.mu.Unlock()

	return response, nil
}

// execute routes a single attempt through the breaker gate when present.
func (o *Orchestrator[T]) execute(ctx context.Context, work Work[T]) (T, error) {
	if o.breaker != nil {
		return o.breaker.Execute(ctx, work)
	}
	return work(ctx)
}

// nextDelay computes the sleep before the next attempt. An upstream
// Retry-After hint wins over the computed schedule; everything is capped at
// MaxDelay and jittered by ±10% so concurrent callers don't retry in
// lockstep.
func (o *Orchestrator[T]) nextDelay(attempt int, retryAfter time.Duration) time.Duration {
	var delay time.Duration

	switch {
	case retryAfter > 0:
		delay = retryAfter
	default:
		switch o.config.Strategy {
		case RetryStrategyConstant:
			delay = o.config.BaseDelay
		case RetryStrategyFibonacci:
			delay = o.config.BaseDelay * time.Duration(fibonacci(attempt))
		default: // exponential
			delay = o.config.BaseDelay
			for i := 1; i < attempt; i++ {
				delay = time.Duration(float64(delay) * o.config.Multiplier)
				if delay >= o.config.MaxDelay {
					break
				}
			}
		}
	}

	if delay > o.config.MaxDelay {
		delay = o.config.MaxDelay
	}

	if jitter := int64(delay / 10); jitter > 0 {
		delay += time.Duration(rand.Int63n(2*jitter+1) - jitter) // #nosec G404 - timing jitter, not security
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// maxRetries converts the attempt budget into go-retry's retry count, which
// excludes the initial attempt.
func (o *Orchestrator[T]) maxRetries() uint64 {
	maxAttempts := o.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxAttempts > 1000 {
		maxAttempts = 1000
	}
	return uint64(maxAttempts - 1) // #nosec G115 - bounds checked above
}

// History returns the recorded retry attempts for a request id, or nil when
// the request never retried or its history has been evicted.
func (o *Orchestrator[T]) History(requestID string) []RetryAttempt {
	return o.history.get(requestID)
}

// GetRetryStats returns a thread-safe snapshot of retry statistics.
func (o *Orchestrator[T]) GetRetryStats() RetryStats {
	o.stats.mu.RLock()
	defer o.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   o.stats.totalAttempts,
		TotalRetries:    o.stats.totalRetries,
		TotalSuccesses:  o.stats.totalSuccesses,
		TotalFailures:   o.stats.totalFailures,
		LastAttemptTime: o.stats.lastAttemptTime,
		LastError:       o.stats.lastError,
	}
}

func fibonacci(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i <= n; i++ {
		a, b = b, a+b
		if b < 0 { // overflow
			return 1 << 62
		}
	}
	return a
}

// attemptHistory keeps per-request retry histories, bounded to the most
// recent request ids. Oldest histories are evicted first.
type attemptHistory struct {
	mu    sync.Mutex
	limit int
	byID  map[string][]RetryAttempt
	order []string
}

func newAttemptHistory(limit int) *attemptHistory {
	if limit <= 0 {
		limit = 100
	}
	return &attemptHistory{
		limit: limit,
		byID:  make(map[string][]RetryAttempt),
	}
}

func (h *attemptHistory) append(requestID string, attempt RetryAttempt) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, known := h.byID[requestID]; !known {
		if len(h.order) >= h.limit {
			oldest := h.order[0]
			h.order = h.order[1:]
			delete(h.byID, oldest)
		}
		h.order = append(h.order, requestID)
	}
	h.byID[requestID] = append(h.byID[requestID], attempt)
}

func (h *attemptHistory) get(requestID string) []RetryAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()

	attempts := h.byID[requestID]
	if attempts == nil {
		return nil
	}
	out := make([]RetryAttempt, len(attempts))
	copy(out, attempts)
	return out
}
