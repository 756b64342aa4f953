package upstream

import "time"

// HealthStatus represents the health status of a circuit breaker.
// It provides a strongly-typed alternative to map[string]interface{} for health checks.
type HealthStatus struct {
	// Healthy indicates whether the circuit breaker is in a healthy state.
	// True for closed and half-open states, false for open state.
	Healthy bool `json:"healthy"`

	// Status is a short string description of the state ("closed", "half-open", "open").
	Status string `json:"status"`

	// FailureRate is the failure ratio over the monitoring window.
	FailureRate float64 `json:"failure_rate"`

	// AverageLatency is the mean call latency over the monitoring window.
	AverageLatency time.Duration `json:"average_latency"`

	// Samples is the number of outcomes currently in the monitoring window.
	Samples int `json:"samples"`

	// NextAttemptAt is when the next half-open probe will be allowed.
	// Zero unless the breaker is open.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// Requests is the total number of requests in the current gobreaker generation.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful requests.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of failed requests.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// GetHealth returns the health status of the circuit breaker.
func (b *CircuitBreaker[T]) GetHealth() HealthStatus {
	stats := b.Stats()

	var healthy bool
	switch stats.State {
	case StateClosed, StateHalfOpen:
		healthy = true // half-open is degraded but operational
	}

	return HealthStatus{
		Healthy:              healthy,
		Status:               stats.State.String(),
		FailureRate:          stats.FailureRate,
		AverageLatency:       stats.AverageLatency,
		Samples:              stats.Samples,
		NextAttemptAt:        stats.NextAttemptAt,
		Requests:             stats.Counts.Requests,
		TotalSuccesses:       stats.Counts.TotalSuccesses,
		TotalFailures:        stats.Counts.TotalFailures,
		ConsecutiveFailures:  stats.Counts.ConsecutiveFailures,
		ConsecutiveSuccesses: stats.Counts.ConsecutiveSuccesses,
	}
}
