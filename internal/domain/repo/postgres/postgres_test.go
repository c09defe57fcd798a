package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
)

// Helper

func startPostgres(t *testing.T) testcontainers.Container {
	req := testcontainers.ContainerRequest{
		Image:        "docker.io/library/postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "secplat",
			"POSTGRES_PASSWORD": "secplat",
			"POSTGRES_DB":       "secplat",
		},
		// The init phase restarts the server once
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
	}
	ret, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})

	testcontainers.CleanupContainer(t, ret)

	require.NoError(t, err, "failed to start postgres instance")

	return ret
}

func createPool(t *testing.T, container testcontainers.Container) *pgxpool.Pool {
	endpoint, err := container.Endpoint(context.Background(), "")
	require.NoError(t, err, "failed to get postgres endpoint")

	ret, err := pgxpool.New(context.Background(), fmt.Sprintf("postgres://secplat:secplat@%s/secplat?sslmode=disable", endpoint))
	require.NoError(t, err, "failed to create postgres pool")

	return ret
}

// Test suite definition

type PostgresIntegrationTestSuite struct {
	suite.Suite

	pool      *pgxpool.Pool
	container testcontainers.Container

	assets  postgres.AssetRepo
	events  postgres.HealthEventRepo
	posture postgres.PostureRepo
	jobs    postgres.JobRepo
	finding postgres.FindingRepo
}

func (s *PostgresIntegrationTestSuite) SetupSuite() {
	t := s.T()

	s.container = startPostgres(t)
	s.pool = createPool(t, s.container)

	err := postgres.Migrate(context.Background(), s.pool, logr.Discard())
	require.NoError(t, err, "failed to migrate")

	s.assets = postgres.NewAssetRepo(s.pool)
	s.events = postgres.NewHealthEventRepo(s.pool)
	s.posture = postgres.NewPostureRepo(s.pool)
	s.jobs = postgres.NewJobRepo(s.pool)
	s.finding = postgres.NewFindingRepo(s.pool)
}

func (s *PostgresIntegrationTestSuite) TearDownSuite() {
	s.pool.Close()
}

func (s *PostgresIntegrationTestSuite) TearDownTest() {
	_, err := s.pool.Exec(context.Background(), `TRUNCATE findings, scan_jobs, posture_status, health_events, assets RESTART IDENTITY CASCADE`)
	require.NoError(s.T(), err, "failed to clean postgres")
}

// Run test

func TestPostgresIntegrationTestSuite(t *testing.T) {
	t.Parallel()

	suite.Run(t, new(PostgresIntegrationTestSuite))
}

// Tests

func (s *PostgresIntegrationTestSuite) TestMigrateIsIdempotent() {
	t := s.T()

	err := postgres.Migrate(context.Background(), s.pool, logr.Discard())
	require.NoError(t, err)

	var count int

	err = s.pool.QueryRow(context.Background(), `SELECT count(*) FROM schema_migrations`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func (s *PostgresIntegrationTestSuite) TestLatestHealthEvents() {
	t := s.T()
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	code := 200

	require.NoError(t, s.events.WriteHealthEvent(ctx, entity.HealthEvent{AssetKey: "a1", Timestamp: base, Status: "down"}))
	require.NoError(t, s.events.WriteHealthEvent(ctx, entity.HealthEvent{AssetKey: "a1", Timestamp: base.Add(time.Minute), Status: "up", Code: &code}))
	require.NoError(t, s.events.WriteHealthEvent(ctx, entity.HealthEvent{AssetKey: "a2", Timestamp: base, Status: "down"}))

	res, err := s.events.LatestHealthEvents(ctx)
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.Equal(t, "up", res["a1"].Status)
	assert.True(t, base.Add(time.Minute).Equal(res["a1"].Timestamp))
	require.NotNil(t, res["a1"].Code)
	assert.Equal(t, 200, *res["a1"].Code)
	assert.Equal(t, "down", res["a2"].Status)
	assert.Nil(t, res["a2"].Code)
}

func (s *PostgresIntegrationTestSuite) TestPostureUpsertAndRefresh() {
	t := s.T()
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	status := entity.PostureStatus{
		AssetKey:         "a1",
		Environment:      entity.DefaultEnvironment,
		Criticality:      entity.DefaultCriticality,
		Status:           entity.StatusDown,
		StatusNum:        entity.StatusDown.StatusNum(),
		PostureScore:     0,
		PostureState:     entity.PostureRed,
		LastStatusChange: now,
		DerivedAt:        now,
	}

	require.NoError(t, s.posture.UpsertPostureStatus(ctx, status))

	status.Status = entity.StatusUp
	status.StatusNum = entity.StatusUp.StatusNum()
	require.NoError(t, s.posture.UpsertPostureStatus(ctx, status))
	require.NoError(t, s.posture.Refresh(ctx))

	res, err := s.posture.GetPostureStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, entity.StatusUp, res["a1"].Status)

	var overview string

	err = s.pool.QueryRow(ctx, `SELECT status FROM posture_overview WHERE asset_key = 'a1'`).Scan(&overview)
	require.NoError(t, err)
	assert.Equal(t, "up", overview)
}

func (s *PostgresIntegrationTestSuite) TestJobLifecycle() {
	t := s.T()
	ctx := context.Background()

	asset, err := s.assets.UpsertAsset(ctx, entity.Asset{AssetKey: "web1", Name: "web1.example.org", Type: entity.AssetTypeExternalWeb, Verified: true})
	require.NoError(t, err)

	job, err := s.jobs.CreateJob(ctx, entity.JobTypeWebExposure, &asset.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, entity.JobQueued, job.Status)

	_, err = s.jobs.RequeueJob(ctx, job.JobID)
	require.ErrorIs(t, err, repo.ErrInvalidState, "a queued job cannot be retried")

	claimed, err := s.jobs.ClaimJobByID(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, entity.JobRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	again, err := s.jobs.ClaimJobByID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Nil(t, again, "a running job cannot be claimed")

	require.NoError(t, s.jobs.AppendJobLog(ctx, job.JobID, "started"))
	require.NoError(t, s.jobs.FinishJob(ctx, job.JobID, entity.JobFailed, "boom", "failed"))

	finished, err := s.jobs.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobFailed, finished.Status)
	assert.Equal(t, "boom", finished.Error)
	assert.Equal(t, "started\nfailed\n", finished.LogOutput)

	requeued, err := s.jobs.RequeueJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobQueued, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Empty(t, requeued.LogOutput)
	assert.Empty(t, requeued.Error)

	_, err = s.jobs.GetJob(ctx, 4242)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func (s *PostgresIntegrationTestSuite) TestClaimExclusivity() {
	t := s.T()
	ctx := context.Background()

	const (
		jobs     = 10
		claimers = 8
	)

	for range jobs {
		_, err := s.jobs.CreateJob(ctx, entity.JobTypeWebExposure, nil, "admin")
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		claimed = map[int64]int{}
	)

	for range claimers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				job, err := s.jobs.ClaimNextJob(ctx, []string{entity.JobTypeWebExposure})
				if !assert.NoError(t, err) || job == nil {
					return
				}

				mu.Lock()
				claimed[job.JobID]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %d claimed more than once", id)
	}
}

func (s *PostgresIntegrationTestSuite) TestFindingDedupe() {
	t := s.T()
	ctx := context.Background()

	_, err := s.assets.UpsertAsset(ctx, entity.Asset{AssetKey: "web1", Type: entity.AssetTypeExternalWeb})
	require.NoError(t, err)

	finding := entity.Finding{
		FindingKey: "fk1",
		AssetKey:   "web1",
		Category:   "tls",
		Title:      "No HTTPS",
		Severity:   entity.SeverityHigh,
		Source:     "tls_scan",
	}

	created, err := s.finding.UpsertFinding(ctx, finding)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.finding.UpsertFinding(ctx, finding)
	require.NoError(t, err)
	assert.False(t, created)

	var assetID *int64

	err = s.pool.QueryRow(ctx, `SELECT asset_id FROM findings WHERE finding_key = 'fk1'`).Scan(&assetID)
	require.NoError(t, err)
	assert.NotNil(t, assetID, "asset resolved from its key")
}
