package upstream_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	upstream "github.com/seoforge/upstream"
)

var _ = Describe("Metrics", func() {
	var (
		logger  *slog.Logger
		metrics *upstream.Metrics
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
		metrics = upstream.NewMetrics("test", prometheus.NewRegistry())
	})

	It("counts cache hits, misses and evictions", func() {
		cache := upstream.NewCache(
			upstream.WithMaxEntries(1),
			upstream.WithCacheMetrics(metrics),
			upstream.WithCacheLogger(logger))
		defer cache.Stop()

		cache.Set("a", 1, time.Minute)
		cache.Get("a")
		cache.Get("missing")
		cache.Set("b", 2, time.Minute) // evicts "a"

		Expect(testutil.ToFloat64(metrics.CacheHits)).To(Equal(1.0))
		Expect(testutil.ToFloat64(metrics.CacheMisses)).To(Equal(1.0))
		Expect(testutil.ToFloat64(metrics.CacheEvictions)).To(Equal(1.0))
	})

	It("tracks breaker state and rejections", func() {
		ctx := context.Background()
		breaker := upstream.NewCircuitBreaker[string]("posts",
			upstream.WithMinimumRequests(2),
			upstream.WithFailureThreshold(0.5),
			upstream.WithRecoveryTimeout(time.Minute),
			upstream.WithCircuitBreakerMetrics(metrics),
			upstream.WithCircuitBreakerLogger(logger))

		fail := func(ctx context.Context) (string, error) {
			return "", upstream.NewStatusError(503, "", "unavailable")
		}
		for i := 0; i < 2; i++ {
			_, _ = breaker.Execute(ctx, fail)
		}
		_, _ = breaker.Execute(ctx, fail) // rejected

		Expect(testutil.ToFloat64(metrics.BreakerState.WithLabelValues("posts"))).
			To(Equal(float64(upstream.StateOpen)))
		Expect(testutil.ToFloat64(metrics.BreakerRejections.WithLabelValues("posts"))).
			To(Equal(1.0))
	})

	It("counts scheduled retries per endpoint", func() {
		ctx := context.Background()
		orch := upstream.NewOrchestrator[string](nil,
			upstream.WithMaxAttempts(2),
			upstream.WithConstantBackoff(time.Millisecond),
			upstream.WithRetryMetrics(metrics),
			upstream.WithRetryLogger(logger))

		_, _ = orch.Do(ctx, upstream.RequestContext{Endpoint: "/posts"},
			func(ctx context.Context) (string, error) {
				return "", upstream.NewStatusError(503, "", "unavailable")
			})

		Expect(testutil.ToFloat64(metrics.RetryAttempts.WithLabelValues("/posts"))).
			To(Equal(1.0))
	})
})
