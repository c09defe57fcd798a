package alerting

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/secplat/posture-pipeline/internal/posture"
)

type AlertPublisher interface {
	PublishAlertTriggered(ctx context.Context, downAssets []string) error
	PublishDownAssets(ctx context.Context, downAssets []string) error
}

// Detector raises an alert for the assets that went down since the previous cycle.
// An outage lasting several cycles is alerted once. The correlator and the notifier
// are tracked apart: a failed publish is retried next cycle on its own stream only.
type Detector struct {
	logger *logr.Logger

	publisher AlertPublisher

	mu         *sync.Mutex
	correlated *map[string]struct{}
	notified   *map[string]struct{}
}

func NewDetector(publisher AlertPublisher) Detector {
	correlated := map[string]struct{}{}
	notified := map[string]struct{}{}

	return Detector{
		publisher:  publisher,
		mu:         &sync.Mutex{},
		correlated: &correlated,
		notified:   &notified,
	}
}

func (d Detector) WithLogger(logger logr.Logger) Detector {
	d.logger = &logger

	return d
}

func (d Detector) ObserveCycle(ctx context.Context, report posture.Report) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := report.DownAssets()

	recovered := 0
	for assetKey := range *d.correlated {
		if !slices.Contains(current, assetKey) {
			recovered++
		}
	}

	if recovered > 0 {
		d.logInfo(1, "Assets recovered", "count", recovered)
	}

	correlateErr := d.raise(ctx, "correlator", current, d.correlated, d.publisher.PublishAlertTriggered)
	if correlateErr != nil {
		correlateErr = fmt.Errorf("failed to publish alert: %w", correlateErr)
	}

	notifyErr := d.raise(ctx, "notifier", current, d.notified, d.publisher.PublishDownAssets)
	if notifyErr != nil {
		notifyErr = fmt.Errorf("failed to publish notification: %w", notifyErr)
	}

	return errors.Join(correlateErr, notifyErr)
}

// raise publishes the assets of current missing from raised, then replaces raised with
// the assets of current that are now announced.
func (d Detector) raise(ctx context.Context, to string, current []string, raised *map[string]struct{}, publish func(context.Context, []string) error) error {
	next := make(map[string]struct{}, len(current))
	newlyDown := []string{}

	for _, assetKey := range current {
		_, ok := (*raised)[assetKey]
		if ok {
			next[assetKey] = struct{}{}

			continue
		}

		newlyDown = append(newlyDown, assetKey)
	}

	var err error

	if len(newlyDown) > 0 {
		err = publish(ctx, newlyDown)
		if err == nil {
			d.logInfo(1, "Assets went down", "assets", newlyDown, "to", to)

			for _, assetKey := range newlyDown {
				next[assetKey] = struct{}{}
			}
		}
	}

	*raised = next

	return err
}

func (d Detector) logInfo(level int, msg string, keysAndValues ...any) {
	if d.logger == nil {
		return
	}

	d.logger.V(level).Info(msg, keysAndValues...)
}
