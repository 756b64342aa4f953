package upstream_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	upstream "github.com/seoforge/upstream"
)

// flakyUpstream simulates an upstream target for breaker tests.
type flakyUpstream struct {
	callCount atomic.Int32
	failWith  error
}

func (f *flakyUpstream) work(ctx context.Context) (string, error) {
	f.callCount.Add(1)
	if f.failWith != nil {
		return "", f.failWith
	}
	return "ok", nil
}

func (f *flakyUpstream) calls() int {
	return int(f.callCount.Load())
}

var _ = Describe("CircuitBreaker", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		fake     *flakyUpstream
		logger   *slog.Logger
		breaker  *upstream.CircuitBreaker[string]
		serverUp = upstream.NewStatusError(503, "", "service unavailable")
	)

	newBreaker := func(opts ...upstream.CircuitBreakerOption) *upstream.CircuitBreaker[string] {
		base := []upstream.CircuitBreakerOption{
			upstream.WithMinimumRequests(4),
			upstream.WithFailureThreshold(0.5),
			upstream.WithMonitoringWindow(time.Minute),
			upstream.WithRecoveryTimeout(80 * time.Millisecond),
			upstream.WithCircuitBreakerLogger(logger),
		}
		return upstream.NewCircuitBreaker[string]("posts", append(base, opts...)...)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		fake = &flakyUpstream{}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
	})

	AfterEach(func() {
		cancel()
	})

	Describe("closed state", func() {
		It("lets calls through and records outcomes", func() {
			breaker = newBreaker()
			resp, err := breaker.Execute(ctx, fake.work)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))

			stats := breaker.Stats()
			Expect(stats.State).To(Equal(upstream.StateClosed))
			Expect(stats.Samples).To(Equal(1))
			Expect(stats.FailureRate).To(BeZero())
		})

		It("stays closed below the minimum sample count", func() {
			breaker = newBreaker()
			fake.failWith = serverUp

			for i := 0; i < 3; i++ {
				_, err := breaker.Execute(ctx, fake.work)
				Expect(err).To(HaveOccurred())
			}
			Expect(breaker.State()).To(Equal(upstream.StateClosed))
		})

		It("opens once samples and failure ratio cross the thresholds", func() {
			breaker = newBreaker()
			fake.failWith = serverUp

			for i := 0; i < 4; i++ {
				_, _ = breaker.Execute(ctx, fake.work)
			}
			Expect(breaker.State()).To(Equal(upstream.StateOpen))
			Expect(fake.calls()).To(Equal(4))
		})

		It("ignores client errors when deciding to trip", func() {
			breaker = newBreaker()
			fake.failWith = upstream.NewStatusError(404, "", "no such post")

			for i := 0; i < 10; i++ {
				_, err := breaker.Execute(ctx, fake.work)
				Expect(err).To(HaveOccurred())
			}
			Expect(breaker.State()).To(Equal(upstream.StateClosed))

			stats := breaker.Stats()
			Expect(stats.FailureRate).To(BeZero())
		})
	})

	Describe("open state", func() {
		tripIt := func() {
			fake.failWith = serverUp
			for i := 0; i < 4; i++ {
				_, _ = breaker.Execute(ctx, fake.work)
			}
			Expect(breaker.State()).To(Equal(upstream.StateOpen))
		}

		It("rejects calls without invoking the work", func() {
			breaker = newBreaker()
			tripIt()
			before := fake.calls()

			_, err := breaker.Execute(ctx, fake.work)
			Expect(err).To(HaveOccurred())
			Expect(upstream.IsBreakerRejection(err)).To(BeTrue())
			Expect(fake.calls()).To(Equal(before))
		})

		It("reports the next allowed attempt time", func() {
			breaker = newBreaker()
			tripIt()

			stats := breaker.Stats()
			Expect(stats.NextAttemptAt).To(BeTemporally(">", time.Now()))
			Expect(stats.NextAttemptAt).To(BeTemporally("<=", time.Now().Add(100*time.Millisecond)))
		})

		It("allows a single probe once the recovery timeout elapses", func() {
			breaker = newBreaker()
			tripIt()
			time.Sleep(100 * time.Millisecond)

			fake.failWith = nil
			before := fake.calls()
			resp, err := breaker.Execute(ctx, fake.work)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))
			Expect(fake.calls()).To(Equal(before + 1))
		})
	})

	Describe("half-open state", func() {
		tripIt := func() {
			fake.failWith = serverUp
			for i := 0; i < 4; i++ {
				_, _ = breaker.Execute(ctx, fake.work)
			}
			time.Sleep(100 * time.Millisecond)
			Expect(breaker.State()).To(Equal(upstream.StateHalfOpen))
		}

		It("closes on a successful probe and resets failure counters", func() {
			breaker = newBreaker()
			tripIt()

			fake.failWith = nil
			_, err := breaker.Execute(ctx, fake.work)
			Expect(err).NotTo(HaveOccurred())
			Expect(breaker.State()).To(Equal(upstream.StateClosed))

			stats := breaker.Stats()
			Expect(stats.Failures).To(BeZero())
			Expect(stats.FailureRate).To(BeZero())
		})

		It("reopens on a failed probe", func() {
			breaker = newBreaker()
			tripIt()

			_, err := breaker.Execute(ctx, fake.work)
			Expect(err).To(HaveOccurred())
			Expect(breaker.State()).To(Equal(upstream.StateOpen))

			// Recovery clock restarts from the failed probe.
			_, err = breaker.Execute(ctx, fake.work)
			Expect(upstream.IsBreakerRejection(err)).To(BeTrue())
		})
	})

	Describe("state change notifications", func() {
		It("invokes the handler on every transition", func() {
			type transition struct{ from, to upstream.CircuitBreakerState }
			var transitions []transition

			breaker = newBreaker(upstream.WithStateChangeHandler(
				func(name string, from, to upstream.CircuitBreakerState) {
					Expect(name).To(Equal("posts"))
					transitions = append(transitions, transition{from, to})
				}))

			fake.failWith = serverUp
			for i := 0; i < 4; i++ {
				_, _ = breaker.Execute(ctx, fake.work)
			}
			time.Sleep(100 * time.Millisecond)
			fake.failWith = nil
			_, err := breaker.Execute(ctx, fake.work)
			Expect(err).NotTo(HaveOccurred())

			Expect(transitions).To(Equal([]transition{
				{upstream.StateClosed, upstream.StateOpen},
				{upstream.StateOpen, upstream.StateHalfOpen},
				{upstream.StateHalfOpen, upstream.StateClosed},
			}))
		})
	})

	Describe("GetHealth", func() {
		It("reports unhealthy while open", func() {
			breaker = newBreaker()
			Expect(breaker.GetHealth().Healthy).To(BeTrue())

			fake.failWith = serverUp
			for i := 0; i < 4; i++ {
				_, _ = breaker.Execute(ctx, fake.work)
			}

			health := breaker.GetHealth()
			Expect(health.Healthy).To(BeFalse())
			Expect(health.Status).To(Equal("open"))
			Expect(health.FailureRate).To(BeNumerically(">=", 0.5))
		})
	})

	Describe("monitoring window pruning", func() {
		It("forgets failures older than the window", func() {
			breaker = newBreaker(upstream.WithMonitoringWindow(60 * time.Millisecond))
			fake.failWith = serverUp

			for i := 0; i < 3; i++ {
				_, _ = breaker.Execute(ctx, fake.work)
			}
			Expect(breaker.Stats().Samples).To(Equal(3))

			time.Sleep(80 * time.Millisecond)
			Expect(breaker.Stats().Samples).To(BeZero())
		})
	})

	It("gates failures that are plain transport errors", func() {
		breaker = newBreaker()
		fake.failWith = errors.New("dial tcp: connection refused")

		for i := 0; i < 4; i++ {
			_, _ = breaker.Execute(ctx, fake.work)
		}
		Expect(breaker.State()).To(Equal(upstream.StateOpen))
	})
})
