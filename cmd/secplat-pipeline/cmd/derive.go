package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/alerting"
	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
	"github.com/secplat/posture-pipeline/internal/posture"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

var deriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Derive the posture status of every asset from its latest health event",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve("deriver", setupDeriver)
	},
}

func setupDeriver(ctx context.Context, rt *runtime) (service, error) {
	pool, err := rt.pool(ctx)
	if err != nil {
		return nil, err
	}

	p, err := rt.producer(ctx)
	if err != nil {
		return nil, err
	}

	detector := alerting.NewDetector(p).WithLogger(rt.logger.WithName("alerting"))

	deriver, err := posture.NewDeriver(
		postgres.NewAssetRepo(pool),
		postgres.NewHealthEventRepo(pool),
		postgres.NewPostureRepo(pool),
		rt.clock,
		rt.registry,
		posture.Config{StaleThreshold: conf.Deriver.StaleThreshold},
	)
	if err != nil {
		return nil, err
	}

	deriver = deriver.WithLogger(rt.logger).WithObservers(detector)

	loop := pipeline.NewLoop(deriver.Cycle, rt.clock, pipeline.LoopConfig{
		Name:     "deriver",
		Interval: conf.Deriver.Interval,
	}).WithLogger(rt.logger.WithName("loop"))

	return loop.Run, nil
}

func init() {
	rootCmd.AddCommand(deriveCmd)
}
