package notifier

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
)

type Config struct {
	Timeout         time.Duration
	SlackWebhookURL string
	Twilio          TwilioConfig
}

// Senders returns the configured senders only.
func Senders(config Config) []pipeline.Processing[events.DownAssetsNotification] {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	ret := []pipeline.Processing[events.DownAssetsNotification]{}

	if config.SlackWebhookURL != "" {
		ret = append(ret, NewSlackSender(config.SlackWebhookURL, httpClient))
	}

	t := config.Twilio
	if t.AccountSID != "" && t.AuthToken != "" && t.From != "" && t.To != "" {
		if t.BaseURL == "" {
			t.BaseURL = "https://api.twilio.com"
		}

		ret = append(ret, NewTwilioSender(t, httpClient))
	}

	return ret
}

// Handler fans a down assets notification out to every sender.
type Handler struct {
	logger *logr.Logger

	senders int
	send    pipeline.Processing[events.DownAssetsNotification]
}

func NewHandler(senders ...pipeline.Processing[events.DownAssetsNotification]) Handler {
	return Handler{
		senders: len(senders),
		send:    pipeline.NewParallelProcessing(senders...),
	}
}

func (h Handler) WithLogger(logger logr.Logger) Handler {
	h.logger = &logger

	return h
}

func (h Handler) Process(ctx context.Context, msg stream.Message) error {
	notification, err := events.DecodeNotification(msg)
	if err != nil {
		return err
	}

	if h.senders == 0 {
		h.logInfo(1, "No sender configured, dropping notification", "downAssets", notification.DownAssets)

		return nil
	}

	err = h.send.Process(ctx, notification)
	if err != nil {
		return err
	}

	h.logInfo(1, "Notification sent", "downAssets", notification.DownAssets, "senders", h.senders)

	return nil
}

func (h Handler) logInfo(level int, msg string, keysAndValues ...any) {
	if h.logger == nil {
		return
	}

	h.logger.V(level).Info(msg, keysAndValues...)
}
