package scan_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/scan"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

type fakeFindings struct {
	keys map[string]struct{}
	err  error
}

func (f *fakeFindings) UpsertFinding(ctx context.Context, finding entity.Finding) (bool, error) {
	if f.err != nil {
		return false, f.err
	}

	_, ok := f.keys[finding.FindingKey]
	f.keys[finding.FindingKey] = struct{}{}

	return !ok, nil
}

type fakePublisher struct {
	published []events.FindingCreated
}

func (f *fakePublisher) PublishFindingCreated(ctx context.Context, event events.FindingCreated) (string, error) {
	f.published = append(f.published, event)

	return "1-0", nil
}

func TestRecorder(t *testing.T) {
	findings := &fakeFindings{keys: map[string]struct{}{}}
	publisher := &fakePublisher{}
	recorder := scan.NewRecorder(findings, publisher)

	batch := []entity.Finding{
		{FindingKey: "k1", AssetKey: "a1", Severity: entity.SeverityHigh},
		{FindingKey: "k2", AssetKey: "a1", Severity: entity.SeverityLow},
	}

	created, err := recorder.Record(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = recorder.Record(context.Background(), batch)
	require.NoError(t, err)
	assert.Zero(t, created, "known findings are not announced again")

	assert.Equal(t, []events.FindingCreated{
		{AssetKey: "a1", FindingKey: "k1", Severity: entity.SeverityHigh},
		{AssetKey: "a1", FindingKey: "k2", Severity: entity.SeverityLow},
	}, publisher.published)
}

func TestRunner(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(hardenedHandler))
	defer server.Close()

	findings := &fakeFindings{keys: map[string]struct{}{}}
	publisher := &fakePublisher{}
	registry := prometheus.NewRegistry()

	runner, err := scan.NewRunner(
		scan.NewScanner(clockwork.NewRealClock(), scan.Config{RequestTimeout: time.Second}),
		scan.NewRecorder(findings, publisher),
		[]scan.Target{{URL: server.URL, AssetKey: "a1"}},
		registry,
	)
	require.NoError(t, err)

	require.NoError(t, runner.Cycle(context.Background()))
	assert.Len(t, publisher.published, 3)

	require.NoError(t, runner.Cycle(context.Background()))
	assert.Len(t, publisher.published, 3)

	families, err := registry.Gather()
	require.NoError(t, err)

	series := 0
	for _, family := range families {
		if family.GetName() == "scanner_findings_total" {
			series = len(family.GetMetric())
		}
	}

	assert.Equal(t, 3, series, "one series per severity")

	findings.err = pipeline.NewErrRetryableError(errors.New("db down"))
	require.NoError(t, runner.Cycle(context.Background()), "record failures skip the target")

	findings.err = pipeline.NewErrFatalError(errors.New("bad schema"))
	assert.Equal(t, pipeline.OutcomeFatal, pipeline.Classify(runner.Cycle(context.Background())))
}
