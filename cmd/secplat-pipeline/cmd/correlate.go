package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/apiclient"
	"github.com/secplat/posture-pipeline/internal/correlator"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/factory"
	"github.com/secplat/posture-pipeline/internal/queue"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
)

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Turn findings and down asset alerts into incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve("correlator", setupCorrelator)
	},
}

func setupCorrelator(ctx context.Context, rt *runtime) (service, error) {
	client, err := rt.queueClient(ctx)
	if err != nil {
		return nil, err
	}

	apiConf := conf.Correlator.API
	tokens := apiclient.NewTokenCache(rt.clock, apiConf.TokenTTL)

	api := apiclient.NewClient(apiclient.Config{
		URL:      apiConf.URL,
		Username: apiConf.Creds.Username,
		Password: apiConf.Creds.Password,
		Timeout:  apiConf.Timeout,
	}, tokens).WithLogger(rt.logger.WithName("api"))

	handler := correlator.NewHandler(api, correlator.Config{
		DedupeSize: conf.Correlator.Dedupe.Size,
		DedupeTTL:  conf.Correlator.Dedupe.TTL,
	}).WithLogger(rt.logger)

	return consumer(ctx, rt, client, handler, queue.ConsumeOptions{
		Stream: events.StreamCorrelation,
		Group:  events.GroupCorrelators,
	})
}

// consumer decorates handler and returns the consume loop of opts.
func consumer(ctx context.Context, rt *runtime, client queue.Client, handler pipeline.Processing[stream.Message], opts queue.ConsumeOptions) (service, error) {
	decorated, err := factory.DecorateProcessing(handler, rt.registry, rt.component)
	if err != nil {
		return nil, err
	}

	errorProcessing, err := factory.CreateErrorProcessing(ctx, conf.ErrorArchive, rt.component, rt.registry)
	if err != nil {
		return nil, err
	}

	opts.Consumer = factory.ConsumerName(conf.Queue, rt.component)
	opts.Start = stream.StartEarliest

	return func(ctx context.Context) error {
		return client.Consume(ctx, opts, decorated, errorProcessing)
	}, nil
}

func init() {
	rootCmd.AddCommand(correlateCmd)
}
