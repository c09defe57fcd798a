package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/factory"
)

var (
	reclaimStream   string
	reclaimGroup    string
	reclaimConsumer string
	reclaimMinIdle  time.Duration

	replayCount int64
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and operate the streams",
}

var queueHealthCmd = &cobra.Command{
	Use:   "health [stream...]",
	Short: "Print the length of the streams and of their dead letter streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		streams := args
		if len(streams) == 0 {
			for _, s := range []string{events.StreamScan, events.StreamCorrelation, events.StreamNotify} {
				streams = append(streams, s, s+conf.Queue.DeadLetterSuffix)
			}
		}

		return operate("queue", func(ctx context.Context, rt *runtime) error {
			client, err := rt.queueClient(ctx)
			if err != nil {
				return err
			}

			lengths, err := client.Health(ctx, streams...)
			if err != nil {
				return err
			}

			sort.Strings(streams)

			for _, s := range streams {
				fmt.Printf("%s\t%d\n", s, lengths[s])
			}

			return nil
		})
	},
}

var queueReclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Transfer the entries left pending by crashed consumers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return operate("queue", func(ctx context.Context, rt *runtime) error {
			client, err := rt.queueClient(ctx)
			if err != nil {
				return err
			}

			consumer := reclaimConsumer
			if consumer == "" {
				consumer = factory.ConsumerName(conf.Queue, "reclaim")
			}

			msgs, err := client.Reclaim(ctx, reclaimStream, reclaimGroup, consumer, reclaimMinIdle)
			if err != nil {
				return err
			}

			fmt.Printf("reclaimed %d entries to %s\n", len(msgs), consumer)

			return nil
		})
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay-dlq <dead letter stream>",
	Short: "Republish dead-lettered entries to their original stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return operate("queue", func(ctx context.Context, rt *runtime) error {
			client, err := rt.queueClient(ctx)
			if err != nil {
				return err
			}

			replayed, err := client.ReplayDeadLetters(ctx, args[0], replayCount, events.MaxLen)
			fmt.Printf("replayed %d entries from %s\n", replayed, args[0])

			return err
		})
	},
}

func init() {
	queueReclaimCmd.Flags().StringVar(&reclaimStream, "stream", events.StreamCorrelation, "stream to reclaim entries from")
	queueReclaimCmd.Flags().StringVar(&reclaimGroup, "group", events.GroupCorrelators, "consumer group owning the entries")
	queueReclaimCmd.Flags().StringVar(&reclaimConsumer, "consumer", "", "consumer receiving the entries, defaults to a new one")
	queueReclaimCmd.Flags().DurationVar(&reclaimMinIdle, "min-idle", 5*time.Minute, "minimum idle time of a pending entry")

	queueReplayCmd.Flags().Int64Var(&replayCount, "count", 100, "maximum number of entries to replay")

	queueCmd.AddCommand(queueHealthCmd, queueReclaimCmd, queueReplayCmd)
	rootCmd.AddCommand(queueCmd)
}
