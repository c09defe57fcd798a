package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/scan"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
)

// SupportedJobTypes are the job types this worker executes.
var SupportedJobTypes = []string{entity.JobTypeWebExposure}

type MessageSource interface {
	EnsureGroup(ctx context.Context, stream, group string, start stream.StartPosition) error
	ReadOne(ctx context.Context, stream, group, consumer string, block time.Duration) (*stream.Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

type TargetScanner interface {
	Scan(ctx context.Context, target scan.Target) []entity.Finding
}

type FindingRecorder interface {
	Record(ctx context.Context, findings []entity.Finding) (int, error)
}

type Config struct {
	Consumer                  string
	Block                     time.Duration
	PollInterval              time.Duration
	ErrorDelay                time.Duration
	MaxScanDuration           time.Duration
	RequireDomainVerification bool

	// FinishAttempts bounds the attempts to write a final job state, retried from ErrorDelay
	// with an exponential backoff capped at FinishMaxDelay.
	FinishAttempts uint
	FinishMaxDelay time.Duration
}

// Worker executes scan jobs. The stream only wakes it up: a job runs once its
// row is claimed, so a job is never executed twice.
type Worker struct {
	logger *logr.Logger

	source   MessageSource
	jobs     repo.JobWriter
	assets   repo.AssetReader
	scanner  TargetScanner
	recorder FindingRecorder

	clock   clockwork.Clock
	config  Config
	metrics metrics
}

func New(source MessageSource, jobs repo.JobWriter, assets repo.AssetReader, scanner TargetScanner, recorder FindingRecorder, clock clockwork.Clock, registry prometheus.Registerer, config Config) (Worker, error) {
	m, err := newMetrics(registry)
	if err != nil {
		return Worker{}, err
	}

	return Worker{
		source:   source,
		jobs:     jobs,
		assets:   assets,
		scanner:  scanner,
		recorder: recorder,
		clock:    clock,
		config:   config,
		metrics:  m,
	}, nil
}

func (w Worker) WithLogger(logger logr.Logger) Worker {
	w.logger = &logger

	return w
}

// Run blocks until ctx is done or a fatal error occurs.
func (w Worker) Run(ctx context.Context) error {
	err := w.source.EnsureGroup(ctx, events.StreamScan, events.GroupWorkers, stream.StartEarliest)
	if err != nil {
		if pipeline.Classify(err) == pipeline.OutcomeFatal {
			return err
		}

		w.logError(err, "Failed to ensure group, polling database only until the stream is back")
	}

	for {
		worked, err := w.Step(ctx)

		var delay time.Duration

		switch outcome := pipeline.Classify(err); {
		case outcome == pipeline.OutcomeCancelled || ctx.Err() != nil:
			return nil
		case outcome == pipeline.OutcomeFatal:
			return fmt.Errorf("worker stopped: %w", err)
		case err != nil:
			w.logError(err, "Worker step failed", "retryIn", w.config.ErrorDelay)

			delay = w.config.ErrorDelay
		case !worked:
			delay = w.config.PollInterval
		}

		if delay == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(delay):
		}
	}
}

// Step runs at most one job, preferring the one announced on the stream.
// It reports whether a job was executed.
func (w Worker) Step(ctx context.Context) (bool, error) {
	worked, err := w.fromStream(ctx)
	if worked || pipeline.Classify(err) == pipeline.OutcomeCancelled {
		return worked, err
	}

	if err != nil {
		w.logError(err, "Stream unavailable, polling database")
	}

	job, err := w.jobs.ClaimNextJob(ctx, SupportedJobTypes)
	if err != nil {
		return false, err
	}

	if job == nil {
		return false, nil
	}

	return true, w.execute(ctx, *job)
}

func (w Worker) fromStream(ctx context.Context) (bool, error) {
	msg, err := w.source.ReadOne(ctx, events.StreamScan, events.GroupWorkers, w.config.Consumer, w.config.Block)
	if errors.Is(err, stream.ErrNoGroup) {
		return false, w.source.EnsureGroup(ctx, events.StreamScan, events.GroupWorkers, stream.StartEarliest)
	}

	if err != nil || msg == nil {
		return false, err
	}

	requested, err := events.DecodeScanJobRequested(*msg)
	if err != nil {
		w.logError(err, "Invalid scan job message, skipping", "id", msg.ID)

		return false, w.ack(ctx, msg.ID)
	}

	if requested.JobType != "" && !supported(requested.JobType) {
		w.logInfo(1, "Unsupported job type, left for polling workers", "jobID", requested.JobID, "jobType", requested.JobType)

		return false, w.ack(ctx, msg.ID)
	}

	job, err := w.jobs.ClaimJobByID(ctx, requested.JobID)
	if err != nil {
		// The row is still queued, polling claims it
		return false, errors.Join(err, w.ack(ctx, msg.ID))
	}

	if job == nil {
		w.logInfo(2, "Job already claimed", "jobID", requested.JobID)

		return false, w.ack(ctx, msg.ID)
	}

	// Left pending while the job is running, an operator reclaim replays it
	err = w.execute(ctx, *job)
	if err != nil {
		return true, err
	}

	return true, w.ack(ctx, msg.ID)
}

func (w Worker) ack(ctx context.Context, id string) error {
	return w.source.Ack(ctx, events.StreamScan, events.GroupWorkers, id)
}

func supported(jobType string) bool {
	for _, t := range SupportedJobTypes {
		if t == jobType {
			return true
		}
	}

	return false
}

func (w Worker) logInfo(level int, msg string, keysAndValues ...any) {
	if w.logger == nil {
		return
	}

	w.logger.V(level).Info(msg, keysAndValues...)
}

func (w Worker) logError(err error, msg string, keysAndValues ...any) {
	if w.logger == nil {
		return
	}

	w.logger.Error(err, msg, keysAndValues...)
}
