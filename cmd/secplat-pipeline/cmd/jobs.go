package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
	"github.com/secplat/posture-pipeline/internal/jobs"
)

var (
	jobType        string
	jobAssetID     int64
	jobRequestedBy string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scan jobs",
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Queue a new job and wake up a worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var target *int64
		if cmd.Flags().Changed("asset") {
			target = &jobAssetID
		}

		return withJobService(func(ctx context.Context, service jobs.Service) error {
			job, err := service.Create(ctx, jobType, target, jobRequestedBy)
			if err != nil {
				return err
			}

			printJob(job)

			return nil
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job id>",
	Short: "Re-queue a done or failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}

		return withJobService(func(ctx context.Context, service jobs.Service) error {
			job, err := service.Retry(ctx, jobID)
			if err != nil {
				return err
			}

			printJob(job)

			return nil
		})
	},
}

func withJobService(run func(ctx context.Context, service jobs.Service) error) error {
	return operate("jobs", func(ctx context.Context, rt *runtime) error {
		pool, err := rt.pool(ctx)
		if err != nil {
			return err
		}

		p, err := rt.producer(ctx)
		if err != nil {
			return err
		}

		service := jobs.NewService(postgres.NewJobRepo(pool), postgres.NewAssetRepo(pool), p).WithLogger(rt.logger)

		return run(ctx, service)
	})
}

func printJob(job entity.ScanJob) {
	fmt.Printf("job %d: type=%s status=%s retries=%d\n", job.JobID, job.JobType, job.Status, job.RetryCount)
}

func init() {
	jobsCreateCmd.Flags().StringVar(&jobType, "type", entity.JobTypeWebExposure, "job type")
	jobsCreateCmd.Flags().Int64Var(&jobAssetID, "asset", 0, "target asset id")
	jobsCreateCmd.Flags().StringVar(&jobRequestedBy, "requested-by", "cli", "requester recorded on the job")

	jobsCmd.AddCommand(jobsCreateCmd, jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}
