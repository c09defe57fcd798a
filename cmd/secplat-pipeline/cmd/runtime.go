package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/factory"
	"github.com/secplat/posture-pipeline/internal/log"
	"github.com/secplat/posture-pipeline/internal/producer"
	"github.com/secplat/posture-pipeline/internal/queue"
)

// runtime holds the resources shared by the components of a process.
type runtime struct {
	component string
	logger    logr.Logger
	clock     clockwork.Clock
	registry  *prometheus.Registry

	closers common.Closers
	checks  map[string]factory.HealthCheck
}

func newRuntime(component string) *runtime {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &runtime{
		component: component,
		logger:    log.Logger().WithName(component),
		clock:     clockwork.NewRealClock(),
		registry:  registry,
		checks:    map[string]factory.HealthCheck{},
	}
}

func (r *runtime) queueClient(ctx context.Context) (queue.Client, error) {
	transport, shutdown, err := factory.CreateTransport(ctx, *conf, r.component, r.clock, r.logger)
	if err != nil {
		return queue.Client{}, fmt.Errorf("failed to create %s transport: %w", conf.Transport.Driver, err)
	}

	r.closers.Add(shutdown)
	r.checks["transport"] = func(ctx context.Context) error {
		_, err := transport.Lengths(ctx, events.StreamNotify)

		return err
	}

	return factory.CreateQueueClient(transport, r.clock, conf.Queue, r.logger), nil
}

func (r *runtime) producer(ctx context.Context) (producer.Producer, error) {
	client, err := r.queueClient(ctx)
	if err != nil {
		return producer.Producer{}, err
	}

	return producer.New(client, r.clock).WithLogger(r.logger.WithName("producer")), nil
}

func (r *runtime) pool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, shutdown, err := factory.CreatePostgresPool(ctx, conf.Postgres)
	if err != nil {
		return nil, err
	}

	r.closers.Add(shutdown)
	r.checks["postgres"] = pool.Ping

	return pool, nil
}

// migratedPool is pool with the schema brought up to date.
func (r *runtime) migratedPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := r.pool(ctx)
	if err != nil {
		return nil, err
	}

	err = postgres.Migrate(ctx, pool, r.logger.WithName("migrate"))
	if err != nil {
		return nil, err
	}

	return pool, nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), conf.GracefulDuration)
	defer cancel()

	err := r.closers.Close(ctx)
	if err != nil {
		r.logger.Error(err, "Failed to release resources")
	}
}

// service is the blocking loop of a long running component.
type service func(ctx context.Context) error

type serviceSetup func(ctx context.Context, rt *runtime) (service, error)

// serve runs a long running component next to the metrics server, until a signal is
// received or one of them fails.
func serve(component string, setup serviceSetup) error {
	logger := log.Logger()

	// Align max procs and memory with the container limits
	err := common.LimitResources(logger)
	if err != nil {
		return err
	}

	// Listen to sigterm and interrupt signals
	ctx := common.SetupSignalHandler(context.Background(), logger)

	rt := newRuntime(component)
	defer rt.close()

	// Create pipeline
	run, err := setup(ctx, rt)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", component, err)
	}

	server := factory.CreatePrometheusServer(conf.Metrics, rt.registry, rt.checks)

	// Start pipeline
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.GracefulDuration)
			defer cancel()

			err := server.Shutdown(shutdownCtx)
			if err != nil {
				logger.Error(err, "failed to shutdown metrics server")
			}
		}()

		return run(gctx)
	})

	err = group.Wait()
	if err != nil {
		return err
	}

	logger.V(2).Info("Processing stopped", "component", component)

	return nil
}

// operate runs a one shot operator command.
func operate(component string, run func(ctx context.Context, rt *runtime) error) error {
	ctx := common.SetupSignalHandler(context.Background(), log.Logger())

	rt := newRuntime(component)
	defer rt.close()

	return run(ctx, rt)
}
