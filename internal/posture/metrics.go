package posture

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
)

type metrics struct {
	duration prometheus.Histogram
	assets   *prometheus.GaugeVec
	failures prometheus.Counter
}

func newMetrics(registry prometheus.Registerer, namespace string) (metrics, error) {
	ret := metrics{
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time taken by a derivation pass.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		assets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets",
			Help:      "Assets per posture state after the last pass.",
		}, []string{"state"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_failures_total",
			Help:      "Assets skipped because their status could not be written.",
		}),
	}

	for _, collector := range []prometheus.Collector{ret.duration, ret.assets, ret.failures} {
		err := registry.Register(collector)
		if err != nil {
			return metrics{}, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return ret, nil
}

func (m metrics) observeStates(statuses []entity.PostureStatus) {
	counts := map[entity.PostureState]int{
		entity.PostureGreen: 0,
		entity.PostureAmber: 0,
		entity.PostureRed:   0,
	}

	for _, status := range statuses {
		counts[status.PostureState]++
	}

	for state, count := range counts {
		m.assets.WithLabelValues(string(state)).Set(float64(count))
	}
}
