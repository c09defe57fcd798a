package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/internal/scan"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

// jobError ends a job as failed. msg is both the job error and its last log line.
type jobError struct {
	msg   string
	cause error
}

func (e jobError) Error() string {
	if e.cause == nil {
		return e.msg
	}

	return fmt.Sprintf("%s: %v", e.msg, e.cause)
}

func (e jobError) Unwrap() error {
	return e.cause
}

// execute runs a claimed job to a final state, whatever happens. It fails only when
// the final state could not be written, the job is then left running.
func (w Worker) execute(ctx context.Context, job entity.ScanJob) error {
	start := w.clock.Now()

	logger := []any{"jobID", job.JobID, "jobType", job.JobType}
	w.logInfo(0, "Job started", logger...)

	err := w.safeRun(ctx, job)

	status, errMsg, line := entity.JobDone, "", "Done"
	if err != nil {
		status, errMsg, line = entity.JobFailed, err.Error(), err.Error()

		var jErr jobError
		if errors.As(err, &jErr) {
			line = jErr.msg
		}
	}

	finishErr := w.finish(ctx, job.JobID, status, errMsg, line)
	if finishErr != nil {
		w.logError(finishErr, "Failed to finish job, left running", logger...)

		return finishErr
	}

	w.metrics.jobs.WithLabelValues(string(status)).Inc()
	w.metrics.duration.Observe(w.clock.Since(start).Seconds())

	if err != nil {
		w.logError(err, "Job failed", logger...)

		return nil
	}

	w.logInfo(0, "Job done", append(logger, "elapsed", w.clock.Since(start))...)

	return nil
}

// finish writes the final state of a job. The first write happens even when shutting down,
// retries stop with ctx.
func (w Worker) finish(ctx context.Context, jobID int64, status entity.JobStatus, errMsg string, line string) error {
	finishCtx := context.WithoutCancel(ctx)

	write := pipeline.ProcessingFunc[int64](func(_ context.Context, jobID int64) error {
		return w.jobs.FinishJob(finishCtx, jobID, status, errMsg, line)
	})

	err := write.Process(finishCtx, jobID)
	if err == nil || w.config.FinishAttempts <= 1 {
		return finishError(err)
	}

	retrying := pipeline.NewRetryProcessing[int64](write, pipeline.RetryConfig{
		MaxAttempt:  w.config.FinishAttempts - 1,
		Delay:       w.config.ErrorDelay,
		MaxDelay:    w.config.FinishMaxDelay,
		Exponential: true,
		RetryAll:    true,
		Clock:       w.clock,
		OnRetry: func(attempt uint, err error) {
			w.logError(err, "Failed to finish job, retrying", "jobID", jobID, "attempt", attempt+1)
		},
	})

	return finishError(retrying.Process(ctx, jobID))
}

// finishError keeps fatal errors fatal, anything else is retried by the caller.
func finishError(err error) error {
	switch pipeline.Classify(err) {
	case pipeline.OutcomeSuccess:
		return nil
	case pipeline.OutcomeFatal, pipeline.OutcomeRetryable:
		return fmt.Errorf("failed to finish job: %w", err)
	}

	return fmt.Errorf("failed to finish job: %w", pipeline.NewErrRetryableError(err))
}

func (w Worker) safeRun(ctx context.Context, job entity.ScanJob) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = jobError{msg: fmt.Sprintf("unexpected error: %v", r)}
		}
	}()

	return w.run(ctx, job)
}

func (w Worker) run(ctx context.Context, job entity.ScanJob) error {
	if job.JobType != entity.JobTypeWebExposure {
		return jobError{msg: "Unsupported job type " + job.JobType}
	}

	if job.TargetAssetID == nil {
		return jobError{msg: "No target asset"}
	}

	assetID := *job.TargetAssetID

	w.appendLog(ctx, job.JobID, fmt.Sprintf("[%s] Started job for asset_id=%d", w.clock.Now().UTC().Format(time.DateTime), assetID))

	asset, err := w.assets.GetAsset(ctx, assetID)
	if errors.Is(err, repo.ErrNotFound) {
		return jobError{msg: "Asset not found"}
	}

	if err != nil {
		return jobError{msg: "Failed to load asset", cause: err}
	}

	if asset.Type != entity.AssetTypeExternalWeb {
		return jobError{msg: "Target is not external_web"}
	}

	if w.config.RequireDomainVerification && !asset.Verified {
		return jobError{msg: "Domain not verified"}
	}

	target := scan.TargetForAsset(asset)
	w.appendLog(ctx, job.JobID, fmt.Sprintf("Scanning %s (%s) ...", asset.Name, target.URL))

	scanCtx := ctx
	if w.config.MaxScanDuration > 0 {
		var cancel context.CancelFunc

		scanCtx, cancel = context.WithTimeout(ctx, w.config.MaxScanDuration)
		defer cancel()
	}

	start := w.clock.Now()
	findings := w.scanner.Scan(scanCtx, target)

	if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		return jobError{msg: fmt.Sprintf("Scan exceeded %s", w.config.MaxScanDuration)}
	}

	if ctx.Err() != nil {
		return jobError{msg: "Scan interrupted", cause: ctx.Err()}
	}

	created, err := w.recorder.Record(ctx, findings)
	if err != nil {
		return jobError{msg: "Failed to record findings", cause: err}
	}

	w.appendLog(ctx, job.JobID, fmt.Sprintf("Scan completed in %.1fs: %d findings, %d new", w.clock.Since(start).Seconds(), len(findings), created))

	for _, f := range findings {
		w.appendLog(ctx, job.JobID, fmt.Sprintf("Finding: %s (%s)", f.Title, f.Severity))
	}

	return nil
}

// appendLog is best effort: a lost log line does not fail the job.
func (w Worker) appendLog(ctx context.Context, jobID int64, line string) {
	err := w.jobs.AppendJobLog(ctx, jobID, line)
	if err != nil {
		w.logError(err, "Failed to append job log", "jobID", jobID)
	}
}
