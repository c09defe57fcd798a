package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// Parallel Processing

type parallel[Payload any] struct {
	procs []Processing[Payload]
}

// NewParallelProcessing runs every processing to completion, a failing one does not cancel the others.
// The returned error joins every failure.
func NewParallelProcessing[Payload any](p ...Processing[Payload]) Processing[Payload] {
	return parallel[Payload]{
		procs: p,
	}
}

func (p parallel[Payload]) Process(ctx context.Context, payload Payload) error {
	if len(p.procs) == 1 {
		return p.procs[0].Process(ctx, payload)
	}

	errs := make([]error, len(p.procs))

	var wg sync.WaitGroup

	for i, proc := range p.procs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = proc.Process(ctx, payload)
		}()
	}

	wg.Wait()

	return errors.Join(errs...)
}

// Panic handler Processing

type panicHandler[Payload any] struct {
	processing Processing[Payload]
}

func NewPanicHandlerProcessing[Payload any](p Processing[Payload]) Processing[Payload] {
	return panicHandler[Payload]{
		processing: p,
	}
}

func (p panicHandler[Payload]) Process(ctx context.Context, payload Payload) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = NewPanicError(r)
		}
	}()

	return p.processing.Process(ctx, payload)
}

// Retry Processing

type retryProcessing[Payload any] struct {
	processing Processing[Payload]
	config     RetryConfig
}

type RetryConfig struct {
	// MaxAttempt counts the first attempt. Zero means a single attempt.
	MaxAttempt uint
	Delay      time.Duration

	// MaxDelay caps the delay between two attempts when Exponential is set.
	MaxDelay    time.Duration
	Exponential bool

	// RetryAll retries every error but malformed inputs and fatal errors.
	// Otherwise only ErrRetryableError is retried.
	RetryAll bool

	Clock   clockwork.Clock
	OnRetry func(attempt uint, err error)
}

func NewRetryProcessing[Payload any](p Processing[Payload], config RetryConfig) Processing[Payload] {
	if config.MaxAttempt == 0 {
		config.MaxAttempt = 1
	}

	return retryProcessing[Payload]{
		processing: p,
		config:     config,
	}
}

func (p retryProcessing[Payload]) Process(ctx context.Context, payload Payload) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.config.MaxAttempt),
		retry.RetryIf(p.shouldRetry),
		retry.Delay(p.config.Delay),
		retry.LastErrorOnly(true),
	}

	if p.config.Exponential {
		opts = append(opts, retry.DelayType(retry.BackOffDelay))

		if p.config.MaxDelay > 0 {
			opts = append(opts, retry.MaxDelay(p.config.MaxDelay))
		}
	} else {
		opts = append(opts, retry.DelayType(retry.FixedDelay))
	}

	if p.config.Clock != nil {
		opts = append(opts, retry.WithTimer(p.config.Clock))
	}

	if p.config.OnRetry != nil {
		opts = append(opts, retry.OnRetry(p.config.OnRetry))
	}

	return retry.Do(
		func() error {
			return p.processing.Process(ctx, payload)
		},
		opts...,
	)
}

func (p retryProcessing[Payload]) shouldRetry(err error) bool {
	if !p.config.RetryAll {
		return errors.Is(err, ErrRetryableError)
	}

	return Classify(err) == OutcomeRetryable
}

// Duration Metric Processing

type MetricsConfig struct {
	Namespace string
	Buckets   []float64
}

type durationDecorator[Payload any] struct {
	processing Processing[Payload]
	histogram  *prometheus.HistogramVec
	clock      clockwork.Clock
}

// NewDurationMetricsDecoratorProcessing observes the processing duration, labelled by outcome.
func NewDurationMetricsDecoratorProcessing[Payload any](p Processing[Payload], registry prometheus.Registerer, clock clockwork.Clock, config MetricsConfig) (Processing[Payload], error) {
	buckets := config.Buckets
	if len(buckets) == 0 {
		buckets = []float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 15000}
	}

	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "processing_duration_milliseconds",
		Help:      "Time taken to process a payload, by outcome.",
		Buckets:   buckets,
	}, []string{"outcome"})

	err := registry.Register(histogram)
	if err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	return durationDecorator[Payload]{
		processing: p,
		histogram:  histogram,
		clock:      clock,
	}, nil
}

func (p durationDecorator[Payload]) Process(ctx context.Context, payload Payload) error {
	start := p.clock.Now()

	err := p.processing.Process(ctx, payload)

	elapsed := float64(p.clock.Since(start)) / float64(time.Millisecond)

	p.histogram.WithLabelValues(Classify(err).String()).Observe(elapsed)

	return err
}

// Error Metric Processing

type errorCountProcessing struct {
	counter *prometheus.CounterVec
}

// NewErrorCountProcessing counts processing errors by category and outcome.
func NewErrorCountProcessing(registry prometheus.Registerer, config MetricsConfig) (Processing[ErrProcessingError], error) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "processing_error_total",
		Help:      "Processing errors by category and outcome.",
	}, []string{"category", "outcome"})

	err := registry.Register(counter)
	if err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	return errorCountProcessing{counter: counter}, nil
}

func (p errorCountProcessing) Process(ctx context.Context, processingError ErrProcessingError) error {
	category := processingError.Category
	if category == "" {
		category = UnknownCategory
	}

	p.counter.WithLabelValues(category, Classify(processingError).String()).Inc()

	return nil
}
