package processingerror

import (
	"context"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

// LogWriter records processing errors in the logs only, used when no archive is configured.
type LogWriter struct {
	logger logr.Logger
}

func NewLogWriter(logger logr.Logger) LogWriter {
	return LogWriter{logger: logger}
}

func (w LogWriter) WriteProcessingError(ctx context.Context, pErr pipeline.ErrProcessingError) error {
	keysAndValues := []any{"category", pErr.Category}

	if pErr.Message != nil {
		keysAndValues = append(keysAndValues, "stream", pErr.Message.Stream, "id", pErr.Message.ID, "fields", pErr.Message.Fields)
	}

	w.logger.Error(pErr, "Processing error", keysAndValues...)

	return nil
}

type ParallelWriter struct {
	writers []repo.ProcessingErrorWriter
}

func NewParallelWriter(writers ...repo.ProcessingErrorWriter) ParallelWriter {
	return ParallelWriter{
		writers: writers,
	}
}

func (p ParallelWriter) WriteProcessingError(ctx context.Context, pErr pipeline.ErrProcessingError) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, w := range p.writers {
		writer := w

		group.Go(func() error {
			return writer.WriteProcessingError(ctx, pErr)
		})
	}

	return group.Wait()
}

// Processing adapts a writer to the error pipeline.
type Processing struct {
	writer repo.ProcessingErrorWriter
}

func NewProcessing(writer repo.ProcessingErrorWriter) Processing {
	return Processing{writer: writer}
}

func (p Processing) Process(ctx context.Context, pErr pipeline.ErrProcessingError) error {
	return p.writer.WriteProcessingError(ctx, pErr)
}
