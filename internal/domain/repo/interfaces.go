package repo

import (
	"context"
	"errors"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
)

type ProcessingErrorWriter interface {
	WriteProcessingError(ctx context.Context, pErr pipeline.ErrProcessingError) error
}

type ProcessingError interface {
	ProcessingErrorWriter
}

type AssetReader interface {
	ListAssets(ctx context.Context) ([]entity.Asset, error)
	GetAsset(ctx context.Context, assetID int64) (entity.Asset, error)
}

type AssetWriter interface {
	UpsertAsset(ctx context.Context, asset entity.Asset) (entity.Asset, error)
}

type Asset interface {
	AssetReader
	AssetWriter
}

type HealthEventWriter interface {
	WriteHealthEvent(ctx context.Context, event entity.HealthEvent) error
}

type HealthEventReader interface {
	// LatestHealthEvents returns the newest event of every asset key having one.
	LatestHealthEvents(ctx context.Context) (map[string]entity.HealthEvent, error)
}

type HealthEvent interface {
	HealthEventWriter
	HealthEventReader
}

type PostureReader interface {
	GetPostureStatuses(ctx context.Context) (map[string]entity.PostureStatus, error)
}

type PostureWriter interface {
	UpsertPostureStatus(ctx context.Context, status entity.PostureStatus) error
	// Refresh makes every upsert done so far visible to readers.
	Refresh(ctx context.Context) error
}

type Posture interface {
	PostureReader
	PostureWriter
}

type JobReader interface {
	GetJob(ctx context.Context, jobID int64) (entity.ScanJob, error)
}

type JobWriter interface {
	CreateJob(ctx context.Context, jobType string, targetAssetID *int64, requestedBy string) (entity.ScanJob, error)
	// ClaimJobByID returns nil when the job is not queued anymore.
	ClaimJobByID(ctx context.Context, jobID int64) (*entity.ScanJob, error)
	// ClaimNextJob returns nil when no job of jobTypes is queued.
	ClaimNextJob(ctx context.Context, jobTypes []string) (*entity.ScanJob, error)
	AppendJobLog(ctx context.Context, jobID int64, line string) error
	FinishJob(ctx context.Context, jobID int64, status entity.JobStatus, errMsg string, logLine string) error
	// RequeueJob puts a done or failed job back in queued state.
	RequeueJob(ctx context.Context, jobID int64) (entity.ScanJob, error)
}

type Job interface {
	JobReader
	JobWriter
}

type FindingWriter interface {
	// UpsertFinding returns true when the finding did not exist yet.
	UpsertFinding(ctx context.Context, finding entity.Finding) (bool, error)
}

type Finding interface {
	FindingWriter
}
