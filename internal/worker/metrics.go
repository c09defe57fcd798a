package worker

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	jobs     *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(registry prometheus.Registerer) (metrics, error) {
	ret := metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worker",
			Name:      "jobs_total",
			Help:      "Executed jobs, by final status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "worker",
			Name:      "job_duration_seconds",
			Help:      "Time taken by a job, from claim to final state.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
		}),
	}

	for _, collector := range []prometheus.Collector{ret.jobs, ret.duration} {
		err := registry.Register(collector)
		if err != nil {
			return metrics{}, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return ret, nil
}
