package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
	"github.com/secplat/posture-pipeline/internal/events"
)

var (
	pushAssetKey   string
	pushFindingKey string
	pushSeverity   string

	pushStatus  string
	pushCode    int
	pushLatency int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Push events by hand, for testing and replays",
}

var eventsPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push an event",
}

var pushFindingCmd = &cobra.Command{
	Use:   "finding",
	Short: "Publish a finding.created event on the correlation stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return operate("events", func(ctx context.Context, rt *runtime) error {
			p, err := rt.producer(ctx)
			if err != nil {
				return err
			}

			id, err := p.PublishFindingCreated(ctx, events.FindingCreated{
				AssetKey:   pushAssetKey,
				FindingKey: pushFindingKey,
				Severity:   entity.Severity(strings.ToLower(pushSeverity)),
			})
			if err != nil {
				return err
			}

			fmt.Printf("published %s to %s\n", id, events.StreamCorrelation)

			return nil
		})
	},
}

var pushAlertCmd = &cobra.Command{
	Use:   "alert <asset key>...",
	Short: "Publish a down assets alert on the correlation and notify streams",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return operate("events", func(ctx context.Context, rt *runtime) error {
			p, err := rt.producer(ctx)
			if err != nil {
				return err
			}

			return p.PublishAlert(ctx, args)
		})
	},
}

var pushHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Append a health event to the event store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		event := entity.HealthEvent{
			AssetKey: pushAssetKey,
			Status:   pushStatus,
		}

		if cmd.Flags().Changed("code") {
			event.Code = &pushCode
		}

		if cmd.Flags().Changed("latency") {
			event.LatencyMs = &pushLatency
		}

		return operate("events", func(ctx context.Context, rt *runtime) error {
			pool, err := rt.pool(ctx)
			if err != nil {
				return err
			}

			event.Timestamp = rt.clock.Now().UTC()

			return postgres.NewHealthEventRepo(pool).WriteHealthEvent(ctx, event)
		})
	},
}

func init() {
	pushFindingCmd.Flags().StringVar(&pushAssetKey, "asset", "", "asset key")
	pushFindingCmd.Flags().StringVar(&pushFindingKey, "finding-key", "", "finding key")
	pushFindingCmd.Flags().StringVar(&pushSeverity, "severity", string(entity.SeverityMedium), "finding severity")
	_ = pushFindingCmd.MarkFlagRequired("asset")

	pushHealthCmd.Flags().StringVar(&pushAssetKey, "asset", "", "asset key")
	pushHealthCmd.Flags().StringVar(&pushStatus, "status", "", "raw status, e.g. up or down")
	pushHealthCmd.Flags().IntVar(&pushCode, "code", 0, "http status code")
	pushHealthCmd.Flags().IntVar(&pushLatency, "latency", 0, "latency in milliseconds")
	_ = pushHealthCmd.MarkFlagRequired("asset")

	eventsPushCmd.AddCommand(pushFindingCmd, pushAlertCmd, pushHealthCmd)
	eventsCmd.AddCommand(eventsPushCmd)
	rootCmd.AddCommand(eventsCmd)
}
