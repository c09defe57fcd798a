package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

var ErrUnexpectedStatus = errors.New("unexpected status code")

const (
	whatsappPrefix = "whatsapp:"

	// NotificationCategory is the processing error category of failed sends.
	NotificationCategory = "notification"
)

// SlackSender posts to an incoming webhook.
type SlackSender struct {
	webhookURL string
	httpClient *http.Client
}

func NewSlackSender(webhookURL string, httpClient *http.Client) SlackSender {
	return SlackSender{
		webhookURL: webhookURL,
		httpClient: httpClient,
	}
}

func (s SlackSender) Process(ctx context.Context, notification events.DownAssetsNotification) error {
	body, err := json.Marshal(map[string]string{"text": SlackText(notification.DownAssets)})
	if err != nil {
		return pipeline.NewErrMalformedInput(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return pipeline.NewErrFatalError(fmt.Errorf("invalid slack webhook: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	return send(s.httpClient, req, "slack")
}

type TwilioConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

// TwilioSender sends WhatsApp messages through the Twilio messages API.
type TwilioSender struct {
	config     TwilioConfig
	httpClient *http.Client
}

func NewTwilioSender(config TwilioConfig, httpClient *http.Client) TwilioSender {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	config.From = whatsappAddress(config.From)
	config.To = whatsappAddress(config.To)

	return TwilioSender{
		config:     config,
		httpClient: httpClient,
	}
}

func (s TwilioSender) Process(ctx context.Context, notification events.DownAssetsNotification) error {
	form := url.Values{}
	form.Set("From", s.config.From)
	form.Set("To", s.config.To)
	form.Set("Body", WhatsAppText(notification.DownAssets))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.config.BaseURL, url.PathEscape(s.config.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return pipeline.NewErrFatalError(fmt.Errorf("invalid twilio url: %w", err))
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	return send(s.httpClient, req, "twilio")
}

func SlackText(downAssets []string) string {
	return "*SecPlat alert:* " + details(downAssets)
}

func WhatsAppText(downAssets []string) string {
	return "SecPlat alert: " + details(downAssets)
}

func details(downAssets []string) string {
	return fmt.Sprintf("%d asset(s) down: %s", len(downAssets), strings.Join(downAssets, ", "))
}

func whatsappAddress(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, whatsappPrefix) {
		return number
	}

	return whatsappPrefix + number
}

// send treats every failure as retryable: a notification may be duplicated, never lost.
func send(httpClient *http.Client, req *http.Request, sender string) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}

		return common.NewRetryableErrProcessingError(err, NotificationCategory, senderInput(sender), "%s request failed", sender)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return common.NewRetryableErrProcessingError(fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode), NotificationCategory, senderInput(sender), "%s", sender)
	}

	return nil
}

func senderInput(sender string) []pipeline.Input {
	return []pipeline.Input{{Source: "notifier", Key: "sender", Value: []byte(sender)}}
}
