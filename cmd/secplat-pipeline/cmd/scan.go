package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
	"github.com/secplat/posture-pipeline/internal/scan"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Periodically scan the configured targets for tls and security header findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve("scanner", setupScanner)
	},
}

func setupScanner(ctx context.Context, rt *runtime) (service, error) {
	targets, err := scan.ParseTargets(conf.Scanner.Targets)
	if err != nil {
		return nil, err
	}

	pool, err := rt.pool(ctx)
	if err != nil {
		return nil, err
	}

	p, err := rt.producer(ctx)
	if err != nil {
		return nil, err
	}

	scanner := scan.NewScanner(rt.clock, scan.Config{RequestTimeout: conf.Scanner.RequestTimeout}).
		WithLogger(rt.logger)

	runner, err := scan.NewRunner(scanner, scan.NewRecorder(postgres.NewFindingRepo(pool), p), targets, rt.registry)
	if err != nil {
		return nil, err
	}

	runner = runner.WithLogger(rt.logger)

	rt.logger.V(1).Info("Scanning targets", "count", len(targets), "interval", conf.Scanner.Interval)

	loop := pipeline.NewLoop(runner.Cycle, rt.clock, pipeline.LoopConfig{
		Name:     "scanner",
		Interval: conf.Scanner.Interval,
	}).WithLogger(rt.logger.WithName("loop"))

	return loop.Run, nil
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
