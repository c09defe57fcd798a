package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/notifier"
	"github.com/secplat/posture-pipeline/internal/queue"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send down asset notifications to slack and whatsapp",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve("notifier", setupNotifier)
	},
}

func setupNotifier(ctx context.Context, rt *runtime) (service, error) {
	client, err := rt.queueClient(ctx)
	if err != nil {
		return nil, err
	}

	twilio := conf.Notifier.Twilio

	senders := notifier.Senders(notifier.Config{
		Timeout:         conf.Notifier.Timeout,
		SlackWebhookURL: string(conf.Notifier.Slack.WebhookURL),
		Twilio: notifier.TwilioConfig{
			BaseURL:    twilio.BaseURL,
			AccountSID: twilio.Creds.AccountSID,
			AuthToken:  twilio.Creds.AuthToken,
			From:       twilio.From,
			To:         twilio.To,
		},
	})

	rt.logger.V(1).Info("Notification senders configured", "count", len(senders))

	handler := notifier.NewHandler(senders...).WithLogger(rt.logger)

	return consumer(ctx, rt, client, handler, queue.ConsumeOptions{
		Stream: events.StreamNotify,
		Group:  events.GroupNotifiers,
	})
}

func init() {
	rootCmd.AddCommand(notifyCmd)
}
