package upstream

import (
	"log/slog"
	"time"
)

// RetryStrategy defines the backoff strategy for retry operations.
type RetryStrategy string

const (
	// RetryStrategyExponential uses exponential backoff with jitter.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff with jitter.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and calls flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the upstream has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and calls are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// FailureThreshold is the failure ratio within the monitoring window at
	// which the breaker opens.
	// Default: 0.5
	FailureThreshold float64

	// MinimumRequests is the minimum number of window samples before the
	// failure ratio is considered at all.
	// Default: 5
	MinimumRequests int

	// MonitoringWindow is the sliding time range over which outcomes count
	// toward the failure ratio; older samples are discarded.
	// Default: 60 seconds
	MonitoringWindow time.Duration

	// RecoveryTimeout is how long the breaker stays open before allowing a
	// single half-open probe.
	// Default: 30 seconds
	RecoveryTimeout time.Duration

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives breaker instrumentation. Nil disables it.
	Metrics *Metrics
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// WithFailureThreshold sets the failure ratio at which the breaker opens.
//
// Example:
//
//	upstream.WithFailureThreshold(0.6) // open at 60% failures
func WithFailureThreshold(ratio float64) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.FailureThreshold = ratio
	}
}

// WithMinimumRequests sets the minimum sample count before the breaker may trip.
func WithMinimumRequests(n int) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MinimumRequests = n
	}
}

// WithMonitoringWindow sets the sliding window over which outcomes are counted.
//
// Example:
//
//	upstream.WithMonitoringWindow(30 * time.Second)
func WithMonitoringWindow(window time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MonitoringWindow = window
	}
}

// WithRecoveryTimeout sets how long the breaker stays open before the
// half-open probe is allowed.
//
// Example:
//
//	upstream.WithRecoveryTimeout(60 * time.Second)
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.RecoveryTimeout = timeout
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
//
// Example:
//
//	upstream.WithStateChangeHandler(func(name string, from, to upstream.CircuitBreakerState) {
//	    log.Printf("breaker %s: %s -> %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// WithCircuitBreakerMetrics wires Prometheus collectors into the breaker.
func WithCircuitBreakerMetrics(m *Metrics) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Metrics = m
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 0.5,
		MinimumRequests:  5,
		MonitoringWindow: 60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
		Logger:           slog.Default(),
	}
}

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	// Default: 3
	MaxAttempts int

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier for the exponential strategy.
	// The delay for attempt N is BaseDelay * Multiplier^(N-1).
	// Default: 2.0
	Multiplier float64

	// HistoryLimit caps how many request histories are kept for diagnostics.
	// Default: 100
	HistoryLimit int

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives retry instrumentation. Nil disables it.
	Metrics *Metrics
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
// The total number of calls will be MaxAttempts (including the initial attempt).
//
// Example:
//
//	upstream.WithMaxAttempts(5) // Try up to 5 times total
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = attempts
	}
}

// WithExponentialBackoff configures exponential backoff with jitter.
// Each retry delay is multiplied by the configured multiplier (default 2.0) up to maxDelay.
//
// Example:
//
//	upstream.WithExponentialBackoff(time.Second, 30*time.Second)
//	// With default multiplier 2.0: ~1s, ~2s, ~4s, ~8s, ~16s, 30s (capped)
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithConstantBackoff configures constant delay between retries with jitter.
//
// Example:
//
//	upstream.WithConstantBackoff(2 * time.Second)
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.BaseDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff with jitter.
// Delays follow the fibonacci sequence up to maxDelay.
func WithFibonacciBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithMultiplier sets the backoff multiplier for the exponential strategy.
//
// Example:
//
//	upstream.WithMultiplier(1.5) // 50% growth per retry
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) {
		c.Multiplier = multiplier
	}
}

// WithHistoryLimit caps the number of per-request attempt histories retained.
func WithHistoryLimit(limit int) RetryOption {
	return func(c *RetryConfig) {
		c.HistoryLimit = limit
	}
}

// WithRetryLogger sets a custom logger for retry operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	upstream.WithRetryLogger(logger)
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// WithRetryMetrics wires Prometheus collectors into the orchestrator.
func WithRetryMetrics(m *Metrics) RetryOption {
	return func(c *RetryConfig) {
		c.Metrics = m
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		Strategy:     RetryStrategyExponential,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		HistoryLimit: 100,
		Logger:       slog.Default(),
	}
}

// CacheConfig holds cache configuration options.
type CacheConfig struct {
	// MaxEntries is the entry capacity; inserting past it evicts the least
	// recently accessed entry. 0 disables the cap.
	// Default: 1000
	MaxEntries int

	// DefaultTTL applies when Set is called with a ttl of 0.
	// Default: 5 minutes
	DefaultTTL time.Duration

	// SweepInterval is the period of the background expiry sweep.
	// 0 disables the sweep; expired entries are then removed lazily only.
	// Default: 1 minute
	SweepInterval time.Duration

	// Logger for cache operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives cache instrumentation. Nil disables it.
	Metrics *Metrics
}

// CacheOption is a functional option for configuring cache behavior.
type CacheOption func(*CacheConfig)

// WithMaxEntries sets the cache capacity.
//
// Example:
//
//	upstream.WithMaxEntries(500)
func WithMaxEntries(n int) CacheOption {
	return func(c *CacheConfig) {
		c.MaxEntries = n
	}
}

// WithDefaultTTL sets the TTL used when Set is called without one.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.DefaultTTL = ttl
	}
}

// WithSweepInterval sets the period of the background expiry sweep.
//
// Example:
//
//	upstream.WithSweepInterval(30 * time.Second)
func WithSweepInterval(interval time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.SweepInterval = interval
	}
}

// WithCacheLogger sets a custom logger for cache operations.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *CacheConfig) {
		c.Logger = logger
	}
}

// WithCacheMetrics wires Prometheus collectors into the cache.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *CacheConfig) {
		c.Metrics = m
	}
}

// DefaultCacheConfig returns cache configuration with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxEntries:    1000,
		DefaultTTL:    5 * time.Minute,
		SweepInterval: time.Minute,
		Logger:        slog.Default(),
	}
}

// BatchConfig holds batch processor configuration options.
type BatchConfig struct {
	// BatchSize is the number of operations per batch.
	// Default: 5
	BatchSize int

	// MaxConcurrency bounds the operations in flight within a batch.
	// Default: 3
	MaxConcurrency int

	// OperationTimeout is the per-operation deadline, retries included.
	// Default: 30 seconds
	OperationTimeout time.Duration

	// InterBatchDelay is honored between successive batches so a completed
	// batch doesn't immediately burst the upstream.
	// Default: 1 second
	InterBatchDelay time.Duration

	// RetryBudget is the operation-scoped attempt budget, distinct from any
	// top-level orchestrator's budget.
	// Default: 2
	RetryBudget int

	// RetryBaseDelay seeds the operation-scoped backoff schedule.
	// Default: 500 milliseconds
	RetryBaseDelay time.Duration

	// Logger for batch operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives batch instrumentation. Nil disables it.
	Metrics *Metrics
}

// BatchOption is a functional option for configuring batch behavior.
type BatchOption func(*BatchConfig)

// WithBatchSize sets the number of operations per batch.
//
// Example:
//
//	upstream.WithBatchSize(10)
func WithBatchSize(n int) BatchOption {
	return func(c *BatchConfig) {
		c.BatchSize = n
	}
}

// WithMaxConcurrency bounds how many operations run at once within a batch.
//
// Example:
//
//	upstream.WithMaxConcurrency(3)
func WithMaxConcurrency(n int) BatchOption {
	return func(c *BatchConfig) {
		c.MaxConcurrency = n
	}
}

// WithOperationTimeout sets the per-operation deadline.
func WithOperationTimeout(timeout time.Duration) BatchOption {
	return func(c *BatchConfig) {
		c.OperationTimeout = timeout
	}
}

// WithInterBatchDelay sets the pause between successive batches.
func WithInterBatchDelay(delay time.Duration) BatchOption {
	return func(c *BatchConfig) {
		c.InterBatchDelay = delay
	}
}

// WithRetryBudget sets the operation-scoped attempt budget.
func WithRetryBudget(attempts int) BatchOption {
	return func(c *BatchConfig) {
		c.RetryBudget = attempts
	}
}

// WithRetryBaseDelay sets the base delay of the operation-scoped backoff.
func WithRetryBaseDelay(delay time.Duration) BatchOption {
	return func(c *BatchConfig) {
		c.RetryBaseDelay = delay
	}
}

// WithBatchLogger sets a custom logger for batch operations.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(c *BatchConfig) {
		c.Logger = logger
	}
}

// WithBatchMetrics wires Prometheus collectors into the batch processor.
func WithBatchMetrics(m *Metrics) BatchOption {
	return func(c *BatchConfig) {
		c.Metrics = m
	}
}

// DefaultBatchConfig returns batch configuration with sensible defaults.
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		BatchSize:        5,
		MaxConcurrency:   3,
		OperationTimeout: 30 * time.Second,
		InterBatchDelay:  time.Second,
		RetryBudget:      2,
		RetryBaseDelay:   500 * time.Millisecond,
		Logger:           slog.Default(),
	}
}
