package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

const JobTypeScoreRecompute = "score_recompute"

var ErrInvalidJobType = errors.New("invalid job type")

type ScanJobPublisher interface {
	PublishScanJob(ctx context.Context, job events.ScanJobRequested) (string, error)
}

// Service creates and re-queues jobs. The job row is the source of truth: a failed
// publish only delays the job until a worker polls the table.
type Service struct {
	logger *logr.Logger

	jobs      repo.Job
	assets    repo.AssetReader
	publisher ScanJobPublisher
}

func NewService(jobs repo.Job, assets repo.AssetReader, publisher ScanJobPublisher) Service {
	return Service{
		jobs:      jobs,
		assets:    assets,
		publisher: publisher,
	}
}

func (s Service) WithLogger(logger logr.Logger) Service {
	s.logger = &logger

	return s
}

func (s Service) Create(ctx context.Context, jobType string, targetAssetID *int64, requestedBy string) (entity.ScanJob, error) {
	if jobType != entity.JobTypeWebExposure && jobType != JobTypeScoreRecompute {
		return entity.ScanJob{}, pipeline.NewErrMalformedInput(fmt.Errorf("%w: %q", ErrInvalidJobType, jobType))
	}

	if targetAssetID != nil {
		_, err := s.assets.GetAsset(ctx, *targetAssetID)
		if err != nil {
			return entity.ScanJob{}, fmt.Errorf("invalid target asset %d: %w", *targetAssetID, err)
		}
	}

	job, err := s.jobs.CreateJob(ctx, jobType, targetAssetID, requestedBy)
	if err != nil {
		return entity.ScanJob{}, err
	}

	s.logInfo(0, "Job created", "jobID", job.JobID, "jobType", job.JobType)
	s.publish(ctx, job)

	return job, nil
}

// Retry puts a done or failed job back in the queue.
func (s Service) Retry(ctx context.Context, jobID int64) (entity.ScanJob, error) {
	job, err := s.jobs.RequeueJob(ctx, jobID)
	if err != nil {
		return entity.ScanJob{}, err
	}

	s.logInfo(0, "Job requeued", "jobID", job.JobID, "retryCount", job.RetryCount)
	s.publish(ctx, job)

	return job, nil
}

func (s Service) publish(ctx context.Context, job entity.ScanJob) {
	_, err := s.publisher.PublishScanJob(ctx, events.ScanJobRequested{
		JobID:         job.JobID,
		JobType:       job.JobType,
		TargetAssetID: job.TargetAssetID,
		RequestedBy:   job.RequestedBy,
	})
	if err != nil {
		s.logError(err, "Failed to publish job, workers will pick it up by polling", "jobID", job.JobID)
	}
}

func (s Service) logInfo(level int, msg string, keysAndValues ...any) {
	if s.logger == nil {
		return
	}

	s.logger.V(level).Info(msg, keysAndValues...)
}

func (s Service) logError(err error, msg string, keysAndValues ...any) {
	if s.logger == nil {
		return
	}

	s.logger.Error(err, msg, keysAndValues...)
}
