package scan

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

type FindingPublisher interface {
	PublishFindingCreated(ctx context.Context, event events.FindingCreated) (string, error)
}

// Recorder stores findings and announces the new ones.
type Recorder struct {
	findings  repo.FindingWriter
	publisher FindingPublisher
}

func NewRecorder(findings repo.FindingWriter, publisher FindingPublisher) Recorder {
	return Recorder{
		findings:  findings,
		publisher: publisher,
	}
}

// Record returns the number of findings seen for the first time.
func (r Recorder) Record(ctx context.Context, findings []entity.Finding) (int, error) {
	created := 0

	for _, finding := range findings {
		isNew, err := r.findings.UpsertFinding(ctx, finding)
		if err != nil {
			return created, fmt.Errorf("failed to store finding %s: %w", finding.FindingKey, err)
		}

		if !isNew {
			continue
		}

		created++

		_, err = r.publisher.PublishFindingCreated(ctx, events.FindingCreated{
			AssetKey:   finding.AssetKey,
			FindingKey: finding.FindingKey,
			Severity:   finding.Severity,
		})
		if err != nil {
			return created, err
		}
	}

	return created, nil
}

// Runner scans a fixed list of targets on every cycle.
type Runner struct {
	logger *logr.Logger

	scanner  Scanner
	recorder Recorder
	targets  []Target

	findingsTotal *prometheus.CounterVec
	failures      prometheus.Counter
}

func NewRunner(scanner Scanner, recorder Recorder, targets []Target, registry prometheus.Registerer) (Runner, error) {
	ret := Runner{
		scanner:  scanner,
		recorder: recorder,
		targets:  targets,
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanner",
			Name:      "findings_total",
			Help:      "Findings produced, by severity.",
		}, []string{"severity"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scanner",
			Name:      "target_failures_total",
			Help:      "Targets whose findings could not be recorded.",
		}),
	}

	for _, collector := range []prometheus.Collector{ret.findingsTotal, ret.failures} {
		err := registry.Register(collector)
		if err != nil {
			return Runner{}, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return ret, nil
}

func (r Runner) WithLogger(logger logr.Logger) Runner {
	r.logger = &logger

	return r
}

// Cycle scans every target. A target failing to be recorded is skipped.
func (r Runner) Cycle(ctx context.Context) error {
	total, created := 0, 0

	for _, target := range r.targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		findings := r.scanner.Scan(ctx, target)
		for _, f := range findings {
			r.findingsTotal.WithLabelValues(string(f.Severity)).Inc()
		}

		n, err := r.recorder.Record(ctx, findings)
		created += n
		total += len(findings)

		if err != nil {
			if pipeline.Classify(err) == pipeline.OutcomeFatal {
				return err
			}

			r.failures.Inc()
			r.logError(err, "Failed to record findings", "url", target.URL, "assetKey", target.AssetKey)
		}
	}

	r.logInfo(0, "Scan done", "targets", len(r.targets), "findings", total, "new", created)

	return nil
}

func (r Runner) logInfo(level int, msg string, keysAndValues ...any) {
	if r.logger == nil {
		return
	}

	r.logger.V(level).Info(msg, keysAndValues...)
}

func (r Runner) logError(err error, msg string, keysAndValues ...any) {
	if r.logger == nil {
		return
	}

	r.logger.Error(err, msg, keysAndValues...)
}
