package upstream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// BatchOperation is one independent unit of upstream work queued for batch
// execution. Higher Priority runs earlier; operations sharing a priority keep
// their submission order.
type BatchOperation struct {
	ID       string
	Work     Work[any]
	Priority int
	Metadata map[string]any
}

// BatchResult correlates 1:1 with a submitted operation by ID.
type BatchResult struct {
	ID       string
	Success  bool
	Value    any
	Err      error
	Duration time.Duration
	Retries  int
}

// BatchStats aggregates processor statistics across batches.
type BatchStats struct {
	TotalOperations    int64
	Succeeded          int64
	Failed             int64
	BatchesProcessed   int64
	AverageDuration    time.Duration
	CurrentConcurrency int64
}

// QueueStatus describes the pending queue.
type QueueStatus struct {
	Length     int
	ByPriority map[int]int
}

// BatchProcessor executes queued operations in fixed-size batches with a
// sliding concurrency window: within a batch never more than MaxConcurrency
// operations are in flight, and a completed operation immediately frees its
// slot for the next queued one. Each operation runs under its own timeout
// through a breaker-gated orchestrator with an operation-scoped retry budget,
// and an inter-batch delay keeps batches from bursting the upstream
// back-to-back.
type BatchProcessor struct {
	config  *BatchConfig
	retry   *Orchestrator[any]
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	queue []BatchOperation

	inFlight atomic.Int64

	statsMu       sync.Mutex
	totalOps      int64
	succeeded     int64
	failed        int64
	batches       int64
	totalDuration time.Duration
	completed     int64

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewBatchProcessor creates a processor whose operations run through the
// given breaker. breaker may be nil for unprotected upstreams.
//
// Example:
//
//	processor := upstream.NewBatchProcessor(breaker,
//	    upstream.WithBatchSize(5),
//	    upstream.WithMaxConcurrency(3),
//	)
func NewBatchProcessor(breaker *CircuitBreaker[any], opts ...BatchOption) *BatchProcessor {
	config := DefaultBatchConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &BatchProcessor{
		config: config,
		retry: NewOrchestrator(breaker,
			WithMaxAttempts(config.RetryBudget),
			WithExponentialBackoff(config.RetryBaseDelay, config.OperationTimeout),
			WithRetryLogger(config.Logger)),
		logger:   config.Logger,
		metrics:  config.Metrics,
		stopChan: make(chan struct{}),
	}
}

// Add enqueues one operation. A missing ID gets a generated uuid.
func (p *BatchProcessor) Add(op BatchOperation) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	p.mu.Lock()
	p.queue = append(p.queue, op)
	p.mu.Unlock()
}

// AddBatch enqueues several operations.
func (p *BatchProcessor) AddBatch(ops []BatchOperation) {
	for _, op := range ops {
		p.Add(op)
	}
}

// ProcessAll drains the queue and executes everything, returning one result
// per submitted operation in submission order. When ctx is cancelled the
// remaining operations fail with the context error; partial results are
// still returned alongside it.
func (p *BatchProcessor) ProcessAll(ctx context.Context) ([]BatchResult, error) {
	p.mu.Lock()
	submitted := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(submitted) == 0 {
		return nil, nil
	}

	ordered := make([]BatchOperation, len(submitted))
	copy(ordered, submitted)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	results := make(map[string]BatchResult, len(submitted))
	var resultsMu sync.Mutex
	record := func(r BatchResult) {
		resultsMu.Lock()
		results[r.ID] = r
		resultsMu.Unlock()
	}

	sem := semaphore.NewWeighted(int64(p.config.MaxConcurrency))
	batchSize := p.config.BatchSize

	for start := 0; start < len(ordered); start += batchSize {
		end := start + batchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		batch := ordered[start:end]

		p.logger.Debug("processing batch",
			"batch", start/batchSize+1,
			"operations", len(batch))

		var wg sync.WaitGroup
		for _, op := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				record(BatchResult{ID: op.ID, Err: err})
				continue
			}
			wg.Add(1)
			go func(op BatchOperation) {
				defer wg.Done()
				defer sem.Release(1)
				record(p.runOperation(ctx, op))
			}(op)
		}
		wg.Wait()

		p.finishBatch(results, batch)

		if end < len(ordered) && ctx.Err() == nil {
			select {
			case <-time.After(p.config.InterBatchDelay):
			case <-ctx.Done():
			case <-p.stopChan:
			}
		}
	}

	out := make([]BatchResult, len(submitted))
	for i, op := range submitted {
		out[i] = results[op.ID]
	}
	return out, ctx.Err()
}

// runOperation executes one operation under its own deadline through the
// breaker-gated orchestrator.
func (p *BatchProcessor) runOperation(ctx context.Context, op BatchOperation) BatchResult {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	endpoint := "batch"
	if ep, ok := op.Metadata["endpoint"].(string); ok && ep != "" {
		endpoint = ep
	}

	retriesBefore := len(p.retry.History(op.ID))
	start := time.Now()
	value, err := p.retry.Do(opCtx, RequestContext{
		RequestID: op.ID,
		Endpoint:  endpoint,
	}, op.Work)
	duration := time.Since(start)
	retries := len(p.retry.History(op.ID)) - retriesBefore

	result := BatchResult{
		ID:       op.ID,
		Success:  err == nil,
		Value:    value,
		Err:      err,
		Duration: duration,
		Retries:  retries,
	}
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		p.metrics.BatchOperations.WithLabelValues(status).Inc()
		p.metrics.OperationDuration.Observe(duration.Seconds())
	}
	return result
}

// finishBatch folds a completed batch into the aggregate statistics.
func (p *BatchProcessor) finishBatch(results map[string]BatchResult, batch []BatchOperation) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.batches++
	for _, op := range batch {
		r := results[op.ID]
		p.totalOps++
		if r.Success {
			p.succeeded++
		} else {
			p.failed++
		}
		p.totalDuration += r.Duration
		p.completed++
	}
}

// Stats returns a snapshot of aggregate processor statistics.
func (p *BatchProcessor) Stats() BatchStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats := BatchStats{
		TotalOperations:    p.totalOps,
		Succeeded:          p.succeeded,
		Failed:             p.failed,
		BatchesProcessed:   p.batches,
		CurrentConcurrency: p.inFlight.Load(),
	}
	if p.completed > 0 {
		stats.AverageDuration = p.totalDuration / time.Duration(p.completed)
	}
	return stats
}

// QueueStatus describes the operations still waiting for ProcessAll.
func (p *BatchProcessor) QueueStatus() QueueStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := QueueStatus{
		Length:     len(p.queue),
		ByPriority: make(map[int]int),
	}
	for _, op := range p.queue {
		status.ByPriority[op.Priority]++
	}
	return status
}

// ClearQueue drops all pending operations. An in-flight ProcessAll owns its
// snapshot and is unaffected.
func (p *BatchProcessor) ClearQueue() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleared := len(p.queue)
	p.queue = nil
	return cleared
}

// Stop wakes any inter-batch sleep so a shutdown doesn't wait out the delay.
// Safe to call more than once.
func (p *BatchProcessor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
}
