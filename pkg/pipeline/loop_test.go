package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
)

var _ = DescribeTable("Classifying errors",
	func(err error, expected pipeline.Outcome) {
		Expect(pipeline.Classify(err)).To(Equal(expected))
	},
	Entry("nil", nil, pipeline.OutcomeSuccess),
	Entry("generic error", errOneError, pipeline.OutcomeRetryable),
	Entry("retryable error", pipeline.NewErrRetryableError(errOneError), pipeline.OutcomeRetryable),
	Entry("malformed input", pipeline.NewErrMalformedInput(errOneError), pipeline.OutcomeMalformed),
	Entry("wrapped malformed input", fmt.Errorf("decoding: %w", pipeline.NewMalformedErrProcessingError(errOneError, nil)), pipeline.OutcomeMalformed),
	Entry("fatal error", pipeline.NewErrFatalError(errOneError), pipeline.OutcomeFatal),
	Entry("misconfigured transport", stream.NewErrMisconfigured(errOneError), pipeline.OutcomeFatal),
	Entry("unavailable transport", stream.NewErrUnavailable(errOneError), pipeline.OutcomeRetryable),
	Entry("cancelled context", fmt.Errorf("read: %w", context.Canceled), pipeline.OutcomeCancelled),
)

var _ = Describe("Testing Loop", func() {
	var calls atomic.Int32

	BeforeEach(func() {
		calls.Store(0)
	})

	When("the cycle returns a fatal error", func() {
		It("should stop and return the error", func(ctx SpecContext) {
			loop := pipeline.NewLoop(func(context.Context) error {
				calls.Add(1)

				return pipeline.NewErrFatalError(errOneError)
			}, clockwork.NewRealClock(), pipeline.LoopConfig{Name: "test", Interval: time.Millisecond})

			err := loop.Run(ctx)
			Expect(err).Should(MatchError(pipeline.ErrFatalError))
			Expect(calls.Load()).To(BeEquivalentTo(1))
		})
	})

	When("the cycle fails then succeeds", func() {
		It("should keep looping until the context is cancelled", func(ctx SpecContext) {
			loopCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			loop := pipeline.NewLoop(func(context.Context) error {
				n := calls.Add(1)

				switch {
				case n == 1:
					return errOneError
				case n == 2:
					panic(panicReason)
				case n >= 4:
					cancel()
				}

				return nil
			}, clockwork.NewRealClock(), pipeline.LoopConfig{Name: "test", Interval: time.Millisecond})

			err := loop.Run(loopCtx)
			Expect(err).NotTo(HaveOccurred(), "a cancelled loop is not an error")
			Expect(calls.Load()).To(BeEquivalentTo(4))
		})
	})

	When("the cycle sleeps", func() {
		It("should wait the whole interval between two cycles", func(ctx SpecContext) {
			fakeClock := clockwork.NewFakeClock()
			loopCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			loop := pipeline.NewLoop(func(context.Context) error {
				calls.Add(1)

				return nil
			}, fakeClock, pipeline.LoopConfig{Name: "test", Interval: time.Minute})

			done := make(chan error, 1)

			go func() {
				done <- loop.Run(loopCtx)
			}()

			fakeClock.BlockUntil(1)
			Expect(calls.Load()).To(BeEquivalentTo(1), "first cycle runs immediately")

			fakeClock.Advance(59 * time.Second)
			Consistently(calls.Load, 50*time.Millisecond).Should(BeEquivalentTo(1))

			fakeClock.Advance(time.Second)
			Eventually(calls.Load).Should(BeEquivalentTo(2))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})

	It("should convert a panic into an error", func(ctx SpecContext) {
		loop := pipeline.NewLoop(func(context.Context) error {
			panic(panicReason)
		}, clockwork.NewRealClock(), pipeline.LoopConfig{Name: "test"})

		err := loop.RunOnce(ctx)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(panicReason))

		processingError := pipeline.ErrProcessingError{}
		Expect(errors.As(err, &processingError)).To(BeTrue())
		Expect(processingError.Category).To(Equal(pipeline.PanicCategory))
	})
})
