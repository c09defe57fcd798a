package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secplat/posture-pipeline/internal/config"
	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/internal/domain/repo/processingerror"
	"github.com/secplat/posture-pipeline/internal/log"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
)

// DecorateProcessing wraps a message handler with panic recovery and a duration histogram.
// Retries belong to the queue client, which dead-letters exhausted messages.
func DecorateProcessing(mainProcessing pipeline.Processing[stream.Message], registry prometheus.Registerer, namespace string) (pipeline.Processing[stream.Message], error) {
	ret, err := pipeline.NewDurationMetricsDecoratorProcessing(mainProcessing, registry, clockwork.NewRealClock(), pipeline.MetricsConfig{Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("failed to create duration metrics processor: %w", err)
	}

	ret = pipeline.NewPanicHandlerProcessing(ret)

	return ret, nil
}

// errorArchiveRetry bounds the time spent archiving one error before giving up on it.
var errorArchiveRetry = pipeline.RetryConfig{
	MaxAttempt:  3,
	Delay:       500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Exponential: true,
}

// DecorateErrorProcessing retries the archive writers and counts the error alongside,
// both behind panic recovery and a duration histogram.
func DecorateErrorProcessing(mainProcessing pipeline.ErrorProcessing, registry prometheus.Registerer) (pipeline.ErrorProcessing, error) {
	ret := mainProcessing

	ret = pipeline.NewRetryProcessing(ret, errorArchiveRetry)

	errorCount, err := pipeline.NewErrorCountProcessing(registry, pipeline.MetricsConfig{Namespace: "error"})
	if err != nil {
		return nil, fmt.Errorf("failed to create error count processing: %w", err)
	}

	ret = pipeline.NewParallelProcessing(ret, errorCount)

	ret, err = pipeline.NewDurationMetricsDecoratorProcessing(ret, registry, clockwork.NewRealClock(), pipeline.MetricsConfig{Namespace: "error"})
	if err != nil {
		return nil, fmt.Errorf("failed to create duration metrics processor: %w", err)
	}

	ret = pipeline.NewPanicHandlerProcessing(ret)

	return ret, nil
}

// CreateErrorProcessing logs every processing error, and archives it to s3 when a bucket is configured.
func CreateErrorProcessing(ctx context.Context, conf config.S3, component string, registry prometheus.Registerer) (pipeline.ErrorProcessing, error) {
	writers := []repo.ProcessingErrorWriter{
		processingerror.NewLogWriter(log.Logger().WithName("errors")),
	}

	if conf.Bucket != "" {
		s3Client, err := CreateS3Client(ctx, conf, log.Logger().WithName("s3"))
		if err != nil {
			return nil, err
		}

		writers = append(writers, processingerror.NewS3Writer(s3Client, clockwork.NewRealClock(), component, conf.Bucket, conf.KeyPrefix))
	}

	return DecorateErrorProcessing(processingerror.NewProcessing(processingerror.NewParallelWriter(writers...)), registry)
}
