package upstream

import (
	"sync"
	"time"
)

// outcome is a single recorded call result.
type outcome struct {
	at      time.Time
	latency time.Duration
	success bool
}

// windowStats is a consistent snapshot of the pruned window.
type windowStats struct {
	Total          int
	Failures       int
	FailureRate    float64
	AverageLatency time.Duration
}

// outcomeWindow holds the time-bounded list of call outcomes a breaker uses
// to compute its failure rate. Samples older than span are discarded on every
// access, so decisions reflect recent behavior only. All methods are safe for
// concurrent use; record and snapshot are each a single critical section.
type outcomeWindow struct {
	mu      sync.Mutex
	span    time.Duration
	samples []outcome
}

func newOutcomeWindow(span time.Duration) *outcomeWindow {
	return &outcomeWindow{span: span}
}

func (w *outcomeWindow) record(success bool, latency time.Duration) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	w.samples = append(w.samples, outcome{at: now, latency: latency, success: success})
}

func (w *outcomeWindow) snapshot() windowStats {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	stats := windowStats{Total: len(w.samples)}
	if stats.Total == 0 {
		return stats
	}

	var latencySum time.Duration
	for _, s := range w.samples {
		if !s.success {
			stats.Failures++
		}
		latencySum += s.latency
	}
	stats.FailureRate = float64(stats.Failures) / float64(stats.Total)
	stats.AverageLatency = latencySum / time.Duration(stats.Total)
	return stats
}

func (w *outcomeWindow) reset() {
	w.mu.Lock()
	w.samples = nil
	w.mu.Unlock()
}

// pruneLocked drops samples older than the monitoring span. Caller holds mu.
func (w *outcomeWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	keep := 0
	for keep < len(w.samples) && w.samples[keep].at.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		w.samples = append(w.samples[:0], w.samples[keep:]...)
	}
}
