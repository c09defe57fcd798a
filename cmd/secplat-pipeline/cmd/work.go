package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
	"github.com/secplat/posture-pipeline/internal/factory"
	"github.com/secplat/posture-pipeline/internal/producer"
	"github.com/secplat/posture-pipeline/internal/scan"
	"github.com/secplat/posture-pipeline/internal/worker"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Execute queued scan jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve("worker", setupWorker)
	},
}

func setupWorker(ctx context.Context, rt *runtime) (service, error) {
	pool, err := rt.pool(ctx)
	if err != nil {
		return nil, err
	}

	client, err := rt.queueClient(ctx)
	if err != nil {
		return nil, err
	}

	scanner := scan.NewScanner(rt.clock, scan.Config{RequestTimeout: conf.Scanner.RequestTimeout}).
		WithLogger(rt.logger.WithName("scanner"))
	p := producer.New(client, rt.clock).WithLogger(rt.logger.WithName("producer"))
	recorder := scan.NewRecorder(postgres.NewFindingRepo(pool), p)

	w, err := worker.New(
		client,
		postgres.NewJobRepo(pool),
		postgres.NewAssetRepo(pool),
		scanner,
		recorder,
		rt.clock,
		rt.registry,
		worker.Config{
			Consumer:                  factory.ConsumerName(conf.Queue, rt.component),
			Block:                     conf.Worker.Block,
			PollInterval:              conf.Worker.PollInterval,
			ErrorDelay:                conf.Worker.ErrorDelay,
			MaxScanDuration:           conf.Worker.MaxScanDuration,
			RequireDomainVerification: conf.Worker.RequireDomainVerification,
			FinishAttempts:            conf.Worker.FinishAttempts,
			FinishMaxDelay:            conf.Worker.FinishMaxDelay,
		},
	)
	if err != nil {
		return nil, err
	}

	return w.WithLogger(rt.logger).Run, nil
}

func init() {
	rootCmd.AddCommand(workCmd)
}
