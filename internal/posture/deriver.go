package posture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

var ErrEveryAssetFailed = errors.New("every asset failed")

type Config struct {
	StaleThreshold time.Duration
}

// Report describes a derivation pass.
type Report struct {
	DerivedAt time.Time
	Statuses  []entity.PostureStatus
	Failed    int
}

// DownAssets returns the keys of the assets derived as down, in asset key order.
func (r Report) DownAssets() []string {
	ret := []string{}

	for _, status := range r.Statuses {
		if status.Status == entity.StatusDown {
			ret = append(ret, status.AssetKey)
		}
	}

	return ret
}

// CycleObserver is notified after every successful pass.
type CycleObserver interface {
	ObserveCycle(ctx context.Context, report Report) error
}

type Deriver struct {
	logger *logr.Logger

	assets  repo.AssetReader
	events  repo.HealthEventReader
	posture repo.Posture

	clock     clockwork.Clock
	config    Config
	metrics   metrics
	observers []CycleObserver
}

func NewDeriver(assets repo.AssetReader, events repo.HealthEventReader, posture repo.Posture, clock clockwork.Clock, registry prometheus.Registerer, config Config) (Deriver, error) {
	m, err := newMetrics(registry, "deriver")
	if err != nil {
		return Deriver{}, err
	}

	return Deriver{
		assets:  assets,
		events:  events,
		posture: posture,
		clock:   clock,
		config:  config,
		metrics: m,
	}, nil
}

func (d Deriver) WithLogger(logger logr.Logger) Deriver {
	d.logger = &logger

	return d
}

func (d Deriver) WithObservers(observers ...CycleObserver) Deriver {
	d.observers = append(d.observers, observers...)

	return d
}

// Cycle runs one derivation pass. It is meant to be driven by a pipeline.Loop.
func (d Deriver) Cycle(ctx context.Context) error {
	start := d.clock.Now()
	defer func() {
		d.metrics.duration.Observe(d.clock.Since(start).Seconds())
	}()

	report, err := d.derive(ctx)
	if err != nil {
		return err
	}

	d.metrics.observeStates(report.Statuses)

	// Barrier: readers see the whole pass or nothing of it
	err = d.posture.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh posture statuses: %w", err)
	}

	d.logInfo(1, "Derivation done", "assets", len(report.Statuses), "failed", report.Failed, "down", len(report.DownAssets()))

	for _, observer := range d.observers {
		err = observer.ObserveCycle(ctx, report)
		if err == nil {
			continue
		}

		if pipeline.Classify(err) == pipeline.OutcomeFatal {
			return err
		}

		d.logError(err, "Cycle observer failed")
	}

	return nil
}

func (d Deriver) derive(ctx context.Context) (Report, error) {
	assets, err := d.assets.ListAssets(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to fetch assets: %w", err)
	}

	events, err := d.events.LatestHealthEvents(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to fetch latest health events: %w", err)
	}

	previous, err := d.posture.GetPostureStatuses(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to fetch previous posture statuses: %w", err)
	}

	now := d.clock.Now().UTC()
	report := Report{DerivedAt: now}

	d.logInfo(2, "Deriving status", "assets", len(assets))

	for _, asset := range assets {
		if asset.AssetKey == "" {
			continue
		}

		var (
			event *entity.HealthEvent
			prev  *entity.PostureStatus
		)

		e, ok := events[asset.AssetKey]
		if ok {
			event = &e
		}

		p, ok := previous[asset.AssetKey]
		if ok {
			prev = &p
		}

		status := Compute(asset, event, prev, now, d.config.StaleThreshold)

		err = d.posture.UpsertPostureStatus(ctx, status)
		if err != nil {
			if pipeline.Classify(err) == pipeline.OutcomeFatal {
				return Report{}, err
			}

			d.logError(err, "Failed to upsert posture status, skipping asset", "assetKey", asset.AssetKey)
			d.metrics.failures.Inc()

			report.Failed++

			continue
		}

		d.logInfo(3, "Derived status", "assetKey", status.AssetKey, "status", status.Status, "state", status.PostureState)

		report.Statuses = append(report.Statuses, status)
	}

	if report.Failed > 0 && len(report.Statuses) == 0 {
		return Report{}, pipeline.NewErrRetryableError(fmt.Errorf("%w: %d assets", ErrEveryAssetFailed, report.Failed))
	}

	return report, nil
}

func (d Deriver) logInfo(level int, msg string, keysAndValues ...any) {
	if d.logger == nil {
		return
	}

	d.logger.V(level).Info(msg, keysAndValues...)
}

func (d Deriver) logError(err error, msg string, keysAndValues ...any) {
	if d.logger == nil {
		return
	}

	d.logger.Error(err, msg, keysAndValues...)
}
