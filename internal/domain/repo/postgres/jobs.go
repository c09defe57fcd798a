package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo"
)

const jobColumns = `job_id, job_type, target_asset_id, requested_by, status, retry_count,
	COALESCE(error, ''), COALESCE(log_output, ''), created_at, started_at, finished_at`

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) JobRepo {
	return JobRepo{pool: pool}
}

func (r JobRepo) GetJob(ctx context.Context, jobID int64) (entity.ScanJob, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return entity.ScanJob{}, classify(err, "failed to get job %d", jobID)
	}

	ret, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err != nil {
		return entity.ScanJob{}, classify(err, "failed to get job %d", jobID)
	}

	return ret, nil
}

func (r JobRepo) CreateJob(ctx context.Context, jobType string, targetAssetID *int64, requestedBy string) (entity.ScanJob, error) {
	rows, err := r.pool.Query(ctx, `
		INSERT INTO scan_jobs (job_type, target_asset_id, requested_by, status)
		VALUES ($1, $2, $3, 'queued')
		RETURNING `+jobColumns,
		jobType, targetAssetID, requestedBy,
	)
	if err != nil {
		return entity.ScanJob{}, classify(err, "failed to create %s job", jobType)
	}

	ret, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err != nil {
		return entity.ScanJob{}, classify(err, "failed to create %s job", jobType)
	}

	return ret, nil
}

func (r JobRepo) ClaimJobByID(ctx context.Context, jobID int64) (*entity.ScanJob, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE scan_jobs
		   SET status = 'running', started_at = now()
		 WHERE job_id = $1 AND status = 'queued'
		RETURNING `+jobColumns,
		jobID,
	)
	if err != nil {
		return nil, classify(err, "failed to claim job %d", jobID)
	}

	return collectClaim(rows, "failed to claim job %d", jobID)
}

// ClaimNextJob claims the oldest queued job. SKIP LOCKED keeps concurrent claimers on distinct rows.
func (r JobRepo) ClaimNextJob(ctx context.Context, jobTypes []string) (*entity.ScanJob, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE scan_jobs
		   SET status = 'running', started_at = now()
		 WHERE job_id = (
			SELECT job_id FROM scan_jobs
			 WHERE status = 'queued' AND job_type = ANY($1)
			 ORDER BY created_at, job_id
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 ) AND status = 'queued'
		RETURNING `+jobColumns,
		jobTypes,
	)
	if err != nil {
		return nil, classify(err, "failed to claim next job")
	}

	return collectClaim(rows, "failed to claim next job")
}

func (r JobRepo) AppendJobLog(ctx context.Context, jobID int64, line string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scan_jobs
		   SET log_output = COALESCE(log_output, '') || $2 || E'\n'
		 WHERE job_id = $1`,
		jobID, line,
	)
	if err != nil {
		return classify(err, "failed to append log of job %d", jobID)
	}

	return nil
}

func (r JobRepo) FinishJob(ctx context.Context, jobID int64, status entity.JobStatus, errMsg string, logLine string) error {
	if status != entity.JobDone && status != entity.JobFailed {
		return fmt.Errorf("%w: cannot finish job %d as %s", repo.ErrInvalidState, jobID, status)
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE scan_jobs
		   SET status = $2,
		       finished_at = now(),
		       error = NULLIF($3, ''),
		       log_output = CASE WHEN $4 = '' THEN log_output ELSE COALESCE(log_output, '') || $4 || E'\n' END
		 WHERE job_id = $1`,
		jobID, string(status), errMsg, logLine,
	)
	if err != nil {
		return classify(err, "failed to finish job %d", jobID)
	}

	return nil
}

func (r JobRepo) RequeueJob(ctx context.Context, jobID int64) (entity.ScanJob, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE scan_jobs
		   SET status = 'queued', error = NULL, log_output = NULL, started_at = NULL, finished_at = NULL,
		       retry_count = retry_count + 1
		 WHERE job_id = $1 AND status IN ('failed', 'done')
		RETURNING `+jobColumns,
		jobID,
	)
	if err != nil {
		return entity.ScanJob{}, classify(err, "failed to requeue job %d", jobID)
	}

	ret, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err == nil {
		return ret, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return entity.ScanJob{}, classify(err, "failed to requeue job %d", jobID)
	}

	// Either missing or not in a final state
	current, err := r.GetJob(ctx, jobID)
	if err != nil {
		return entity.ScanJob{}, err
	}

	return entity.ScanJob{}, fmt.Errorf("%w: job %d is %s, only failed or done jobs can be retried", repo.ErrInvalidState, jobID, current.Status)
}

func collectClaim(rows pgx.Rows, reason string, args ...any) (*entity.ScanJob, error) {
	ret, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, classify(err, reason, args...)
	}

	return &ret, nil
}

func scanJob(row pgx.CollectableRow) (entity.ScanJob, error) {
	var ret entity.ScanJob

	err := row.Scan(
		&ret.JobID, &ret.JobType, &ret.TargetAssetID, &ret.RequestedBy, &ret.Status, &ret.RetryCount,
		&ret.Error, &ret.LogOutput, &ret.CreatedAt, &ret.StartedAt, &ret.FinishedAt,
	)

	return ret, err
}
