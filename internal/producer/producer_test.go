package producer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/producer"
	"github.com/secplat/posture-pipeline/internal/queue"
	"github.com/secplat/posture-pipeline/pkg/stream"
	"github.com/secplat/posture-pipeline/pkg/stream/memstream"
)

var timestamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newProducer(t *testing.T) (producer.Producer, *memstream.Transport) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(timestamp)
	transport := memstream.New(clock)
	client := queue.NewClient(transport, clock, queue.DefaultConfig())

	return producer.New(client, clock), transport
}

func readAll(t *testing.T, transport *memstream.Transport, streamName string) []stream.Message {
	t.Helper()

	msgs, err := transport.Range(context.Background(), streamName, "-", 0)
	require.NoError(t, err)

	return msgs
}

func TestPublishFindingCreated(t *testing.T) {
	p, transport := newProducer(t)

	_, err := p.PublishFindingCreated(context.Background(), events.FindingCreated{
		AssetKey:   "a1",
		FindingKey: "fk1",
		Severity:   entity.SeverityHigh,
	})
	require.NoError(t, err)

	msgs := readAll(t, transport, events.StreamCorrelation)
	require.Len(t, msgs, 1)

	decoded, err := events.DecodeCorrelationEvent(msgs[0])
	require.NoError(t, err)
	require.NotNil(t, decoded.FindingCreated)

	assert.Equal(t, "a1", decoded.FindingCreated.AssetKey)
	assert.Equal(t, "fk1", decoded.FindingCreated.FindingKey)
	assert.Equal(t, entity.SeverityHigh, decoded.FindingCreated.Severity)
	assert.True(t, decoded.FindingCreated.Timestamp.Equal(timestamp), "missing timestamp is filled by the clock")
}

func TestPublishAlert(t *testing.T) {
	p, transport := newProducer(t)

	require.NoError(t, p.PublishAlert(context.Background(), []string{"a1", "a2"}))

	correlation := readAll(t, transport, events.StreamCorrelation)
	require.Len(t, correlation, 1)

	decoded, err := events.DecodeCorrelationEvent(correlation[0])
	require.NoError(t, err)
	require.NotNil(t, decoded.AlertTriggered)
	assert.Equal(t, []string{"a1", "a2"}, decoded.AlertTriggered.DownAssets)

	notify := readAll(t, transport, events.StreamNotify)
	require.Len(t, notify, 1)
	assert.Equal(t, events.TypeDownAssets, notify[0].Fields[events.FieldType])
	assert.JSONEq(t, `["a1","a2"]`, notify[0].Fields[events.FieldDownAssets])

	notification, err := events.DecodeNotification(notify[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, notification.DownAssets)
}

func TestPublishAlertEmpty(t *testing.T) {
	p, transport := newProducer(t)

	require.NoError(t, p.PublishAlert(context.Background(), nil))

	lengths, err := transport.Lengths(context.Background(), events.StreamCorrelation, events.StreamNotify)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{events.StreamCorrelation: 0, events.StreamNotify: 0}, lengths)
}

func TestPublishPerStream(t *testing.T) {
	p, transport := newProducer(t)

	require.NoError(t, p.PublishDownAssets(context.Background(), []string{"a1"}))

	lengths, err := transport.Lengths(context.Background(), events.StreamCorrelation, events.StreamNotify)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{events.StreamCorrelation: 0, events.StreamNotify: 1}, lengths)

	require.NoError(t, p.PublishAlertTriggered(context.Background(), []string{"a1"}))

	lengths, err = transport.Lengths(context.Background(), events.StreamCorrelation, events.StreamNotify)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{events.StreamCorrelation: 1, events.StreamNotify: 1}, lengths)
}

func TestPublishScanJob(t *testing.T) {
	p, transport := newProducer(t)

	target := int64(7)

	_, err := p.PublishScanJob(context.Background(), events.ScanJobRequested{
		JobID:         42,
		JobType:       entity.JobTypeWebExposure,
		TargetAssetID: &target,
		RequestedBy:   "alice",
	})
	require.NoError(t, err)

	msgs := readAll(t, transport, events.StreamScan)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]string{
		events.FieldJobID:         "42",
		events.FieldJobType:       entity.JobTypeWebExposure,
		events.FieldTargetAssetID: "7",
		events.FieldRequestedBy:   "alice",
	}, msgs[0].Fields)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, map[string]any, int64) (string, error) {
	return "", stream.NewErrUnavailable(errors.New("connection refused"))
}

func TestPublishFailure(t *testing.T) {
	p := producer.New(failingPublisher{}, clockwork.NewFakeClock())

	err := p.PublishAlert(context.Background(), []string{"a1"})
	assert.ErrorIs(t, err, stream.ErrUnavailable)

	_, err = p.PublishScanJob(context.Background(), events.ScanJobRequested{JobID: 1})
	assert.ErrorIs(t, err, stream.ErrUnavailable)
}
