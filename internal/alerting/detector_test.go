package alerting_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secplat/posture-pipeline/internal/alerting"
	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/posture"
)

type recordingPublisher struct {
	alerts        [][]string
	notifications [][]string

	alertErr  error
	notifyErr error
}

func (r *recordingPublisher) PublishAlertTriggered(ctx context.Context, downAssets []string) error {
	if r.alertErr != nil {
		return r.alertErr
	}

	r.alerts = append(r.alerts, downAssets)

	return nil
}

func (r *recordingPublisher) PublishDownAssets(ctx context.Context, downAssets []string) error {
	if r.notifyErr != nil {
		return r.notifyErr
	}

	r.notifications = append(r.notifications, downAssets)

	return nil
}

func report(statuses map[string]entity.Status, order ...string) posture.Report {
	ret := posture.Report{}

	for _, key := range order {
		ret.Statuses = append(ret.Statuses, entity.PostureStatus{AssetKey: key, Status: statuses[key]})
	}

	return ret
}

func TestDetector(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	detector := alerting.NewDetector(publisher)

	// a2 goes down
	require.NoError(t, detector.ObserveCycle(ctx, report(map[string]entity.Status{"a1": entity.StatusUp, "a2": entity.StatusDown}, "a1", "a2")))
	assert.Equal(t, [][]string{{"a2"}}, publisher.alerts)

	// a2 stays down: no new alert
	require.NoError(t, detector.ObserveCycle(ctx, report(map[string]entity.Status{"a1": entity.StatusUp, "a2": entity.StatusDown}, "a1", "a2")))
	assert.Len(t, publisher.alerts, 1)

	// a1 joins
	require.NoError(t, detector.ObserveCycle(ctx, report(map[string]entity.Status{"a1": entity.StatusDown, "a2": entity.StatusDown}, "a1", "a2")))
	assert.Equal(t, []string{"a1"}, publisher.alerts[1])

	// Both recover, then a2 goes down again
	require.NoError(t, detector.ObserveCycle(ctx, report(map[string]entity.Status{"a1": entity.StatusUp, "a2": entity.StatusStale}, "a1", "a2")))
	require.NoError(t, detector.ObserveCycle(ctx, report(map[string]entity.Status{"a1": entity.StatusUp, "a2": entity.StatusDown}, "a1", "a2")))
	assert.Equal(t, [][]string{{"a2"}, {"a1"}, {"a2"}}, publisher.alerts)
	assert.Equal(t, publisher.alerts, publisher.notifications)
}

func TestDetectorPublishFailure(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{alertErr: errors.New("stream down"), notifyErr: errors.New("stream down")}
	detector := alerting.NewDetector(publisher)

	down := report(map[string]entity.Status{"a1": entity.StatusDown}, "a1")

	require.Error(t, detector.ObserveCycle(ctx, down))

	publisher.alertErr = nil
	publisher.notifyErr = nil

	require.NoError(t, detector.ObserveCycle(ctx, down))
	assert.Equal(t, [][]string{{"a1"}}, publisher.alerts, "failed alert is raised again on the next cycle")
	assert.Equal(t, [][]string{{"a1"}}, publisher.notifications)
}

func TestDetectorNotifyFailureKeepsIncident(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{notifyErr: errors.New("stream down")}
	detector := alerting.NewDetector(publisher)

	down := report(map[string]entity.Status{"a1": entity.StatusDown, "a2": entity.StatusUp}, "a1", "a2")

	err := detector.ObserveCycle(ctx, down)
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to publish notification")
	assert.Equal(t, [][]string{{"a1"}}, publisher.alerts)
	assert.Empty(t, publisher.notifications)

	publisher.notifyErr = nil

	require.NoError(t, detector.ObserveCycle(ctx, down))
	assert.Len(t, publisher.alerts, 1, "the incident is not opened twice")
	assert.Equal(t, [][]string{{"a1"}}, publisher.notifications, "only the notification is sent again")
}

func TestDetectorAlertFailureKeepsNotification(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{alertErr: errors.New("stream down")}
	detector := alerting.NewDetector(publisher)

	down := report(map[string]entity.Status{"a1": entity.StatusDown}, "a1")

	require.Error(t, detector.ObserveCycle(ctx, down))
	assert.Equal(t, [][]string{{"a1"}}, publisher.notifications)

	publisher.alertErr = nil

	require.NoError(t, detector.ObserveCycle(ctx, down))
	assert.Equal(t, [][]string{{"a1"}}, publisher.alerts)
	assert.Len(t, publisher.notifications, 1)
}
