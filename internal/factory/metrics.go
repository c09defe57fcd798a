package factory

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secplat/posture-pipeline/internal/config"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck reports whether a dependency of the component is reachable.
type HealthCheck func(ctx context.Context) error

// CreatePrometheusServer serves /metrics, /healthz for liveness and /readyz, which runs every check.
func CreatePrometheusServer(conf config.Metrics, gatherer prometheus.Gatherer, checks map[string]HealthCheck) *http.Server {
	ret := &http.Server{Addr: fmt.Sprintf(":%v", conf.Port)}
	ret.SetKeepAlivesEnabled(true)
	ret.IdleTimeout = 5 * time.Second
	ret.ReadHeaderTimeout = 5 * time.Second

	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.HandleFunc("/readyz", readinessHandler(checks))
	ret.Handler = router

	return ret
}

func readinessHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}

	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		failed := []string{}

		for _, name := range names {
			err := checks[name](ctx)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			}
		}

		if len(failed) > 0 {
			http.Error(w, strings.Join(failed, "\n"), http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
