package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker gates calls to one logical upstream target. It tracks recent
// outcomes in a time-bounded window and short-circuits calls once the failure
// rate crosses the configured threshold, returning a breaker-open rejection
// without touching the upstream.
//
// The breaker only decides whether work may run at all; retrying is the
// orchestrator's job.
type CircuitBreaker[T any] struct {
	name    string
	cb      *gobreaker.CircuitBreaker[T]
	window  *outcomeWindow
	config  *CircuitBreakerConfig
	logger  *slog.Logger
	metrics *Metrics

	mu             sync.Mutex
	lastTransition time.Time
}

// BreakerStats is a read-only snapshot of a breaker's recent behavior.
type BreakerStats struct {
	Name           string
	State          CircuitBreakerState
	Samples        int
	Failures       int
	FailureRate    float64
	AverageLatency time.Duration

	// NextAttemptAt is the earliest time a half-open probe will be allowed.
	// Zero unless the breaker is open.
	NextAttemptAt time.Time

	Counts CircuitBreakerCounts
}

// NewCircuitBreaker creates a breaker for the named upstream target.
//
// Example:
//
//	breaker := upstream.NewCircuitBreaker[*Post]("wordpress-posts",
//	    upstream.WithFailureThreshold(0.5),
//	    upstream.WithRecoveryTimeout(30*time.Second),
//	)
func NewCircuitBreaker[T any](name string, opts ...CircuitBreakerOption) *CircuitBreaker[T] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	b := &CircuitBreaker[T]{
		name:           name,
		window:         newOutcomeWindow(config.MonitoringWindow),
		config:         config,
		logger:         config.Logger,
		metrics:        config.Metrics,
		lastTransition: time.Now(),
	}

	settings := gobreaker.Settings{
		Name: name,
		// Exactly one half-open probe at a time.
		MaxRequests: 1,
		Interval:    config.MonitoringWindow,
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(gobreaker.Counts) bool {
			// The window, not gobreaker's interval counts, is the trip input:
			// it prunes by timestamp so only recent outcomes count.
			stats := b.window.snapshot()
			return stats.Total >= config.MinimumRequests &&
				stats.FailureRate >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Client-side errors don't indicate an unhealthy upstream.
			return !shouldTrip(err)
		},
	}

	b.cb = gobreaker.NewCircuitBreaker[T](settings)
	return b
}

// Execute runs work through the breaker gate. While the breaker is open,
// calls are rejected immediately without invoking work; the rejection is a
// jp-go-errors circuit breaker error so callers can tell it apart from real
// upstream failures (see IsBreakerRejection).
func (b *CircuitBreaker[T]) Execute(ctx context.Context, work Work[T]) (T, error) {
	var zero T

	resp, err := b.cb.Execute(func() (T, error) {
		start := time.Now()
		result, werr := work(ctx)
		b.window.record(werr == nil || !shouldTrip(werr), time.Since(start))
		return result, werr
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			counts := b.Counts()
			b.logger.Warn("circuit breaker is open, call rejected",
				"name", b.name,
				"next_attempt_at", b.nextAttemptAt())
			if b.metrics != nil {
				b.metrics.BreakerRejections.WithLabelValues(b.name).Inc()
			}
			return zero, jperrors.NewCircuitBreakerError(
				"call rejected",
				"execute",
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(jperrors.CircuitCounts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				}),
			)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			b.logger.Debug("half-open probe already in flight, call rejected",
				"name", b.name)
			if b.metrics != nil {
				b.metrics.BreakerRejections.WithLabelValues(b.name).Inc()
			}
			return zero, jperrors.NewCircuitBreakerError(
				"half-open probe already in flight",
				"execute",
				"half-open",
				jperrors.WithCause(err),
			)
		default:
			b.logger.Debug("call failed through circuit breaker",
				"name", b.name,
				"error", err,
				"should_trip", shouldTrip(err))
		}
		return zero, err
	}

	return resp, nil
}

// onStateChange logs each transition, tracks the recovery clock and resets
// failure counters when the breaker closes again.
func (b *CircuitBreaker[T]) onStateChange(name string, from, to CircuitBreakerState) {
	b.mu.Lock()
	b.lastTransition = time.Now()
	b.mu.Unlock()

	if to == StateClosed {
		b.window.reset()
	}

	b.logger.Warn("circuit breaker state changed",
		"name", name,
		"from", from.String(),
		"to", to.String())

	if b.metrics != nil {
		b.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(name, from, to)
	}
}

func (b *CircuitBreaker[T]) nextAttemptAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTransition.Add(b.config.RecoveryTimeout)
}

// Name returns the logical upstream target this breaker protects.
func (b *CircuitBreaker[T]) Name() string {
	return b.name
}

// State returns the current state of the circuit breaker.
func (b *CircuitBreaker[T]) State() CircuitBreakerState {
	return convertGobreakerState(b.cb.State())
}

// Counts returns the current gobreaker counts.
func (b *CircuitBreaker[T]) Counts() CircuitBreakerCounts {
	counts := b.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Stats returns a read-only snapshot of window-derived statistics.
func (b *CircuitBreaker[T]) Stats() BreakerStats {
	window := b.window.snapshot()
	state := b.State()

	stats := BreakerStats{
		Name:           b.name,
		State:          state,
		Samples:        window.Total,
		Failures:       window.Failures,
		FailureRate:    window.FailureRate,
		AverageLatency: window.AverageLatency,
		Counts:         b.Counts(),
	}
	if state == StateOpen {
		stats.NextAttemptAt = b.nextAttemptAt()
	}
	return stats
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
