package producer

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/secplat/posture-pipeline/internal/events"
)

// Publisher is implemented by queue.Client.
type Publisher interface {
	Publish(ctx context.Context, stream string, message map[string]any, maxLen int64) (string, error)
}

// Producer publishes the pipeline events on their streams.
type Producer struct {
	logger *logr.Logger

	publisher Publisher
	clock     clockwork.Clock
}

func New(publisher Publisher, clock clockwork.Clock) Producer {
	return Producer{
		publisher: publisher,
		clock:     clock,
	}
}

func (p Producer) WithLogger(logger logr.Logger) Producer {
	p.logger = &logger

	return p
}

func (p Producer) PublishFindingCreated(ctx context.Context, event events.FindingCreated) (string, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.clock.Now()
	}

	id, err := p.publish(ctx, events.StreamCorrelation, event.Fields())
	if err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", events.TypeFindingCreated, err)
	}

	p.logInfo(2, "Published finding", "assetKey", event.AssetKey, "findingKey", event.FindingKey, "id", id)

	return id, nil
}

// PublishAlert announces downAssets to both the correlator and the notifier.
// Nothing is published for an empty list.
func (p Producer) PublishAlert(ctx context.Context, downAssets []string) error {
	err := p.PublishAlertTriggered(ctx, downAssets)
	if err != nil {
		return err
	}

	return p.PublishDownAssets(ctx, downAssets)
}

// PublishAlertTriggered asks the correlator to open an incident for downAssets.
func (p Producer) PublishAlertTriggered(ctx context.Context, downAssets []string) error {
	if len(downAssets) == 0 {
		return nil
	}

	alert := events.AlertTriggered{DownAssets: downAssets, Timestamp: p.clock.Now()}

	id, err := p.publish(ctx, events.StreamCorrelation, alert.Fields())
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", events.TypeAlertTriggered, err)
	}

	p.logInfo(1, "Published alert", "downAssets", downAssets, "id", id)

	return nil
}

// PublishDownAssets asks the notifier to send downAssets to the on-call channels.
func (p Producer) PublishDownAssets(ctx context.Context, downAssets []string) error {
	if len(downAssets) == 0 {
		return nil
	}

	id, err := p.publish(ctx, events.StreamNotify, events.DownAssetsNotification{DownAssets: downAssets}.Fields())
	if err != nil {
		return fmt.Errorf("failed to publish %s notification: %w", events.TypeDownAssets, err)
	}

	p.logInfo(1, "Published notification", "downAssets", downAssets, "id", id)

	return nil
}

func (p Producer) PublishScanJob(ctx context.Context, job events.ScanJobRequested) (string, error) {
	id, err := p.publish(ctx, events.StreamScan, job.Fields())
	if err != nil {
		return "", fmt.Errorf("failed to publish scan job %d: %w", job.JobID, err)
	}

	p.logInfo(1, "Published scan job", "jobID", job.JobID, "jobType", job.JobType, "id", id)

	return id, nil
}

func (p Producer) publish(ctx context.Context, streamName string, fields map[string]any) (string, error) {
	return p.publisher.Publish(ctx, streamName, fields, events.MaxLen(streamName))
}

func (p Producer) logInfo(level int, msg string, keysAndValues ...any) {
	if p.logger == nil {
		return
	}

	p.logger.V(level).Info(msg, keysAndValues...)
}
