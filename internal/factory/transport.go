package factory

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/internal/config"
	"github.com/secplat/posture-pipeline/internal/queue"
	"github.com/secplat/posture-pipeline/pkg/stream"
	"github.com/secplat/posture-pipeline/pkg/stream/memstream"
	"github.com/secplat/posture-pipeline/pkg/stream/valkey"
)

func CreateTransport(ctx context.Context, conf config.Config, component string, clock clockwork.Clock, logger logr.Logger) (stream.Transport, common.CloseFunc, error) {
	switch conf.Transport.Driver {
	case config.TransportValkey:
		client, shutdown, err := CreateValkeyClient(ctx, conf.Valkey, component)
		if err != nil {
			return nil, nil, err
		}

		return valkey.NewTransport(client), shutdown, nil
	case config.TransportKafka:
		return CreateKafkaTransport(conf.Kafka, component, logger.WithName("kafka"))
	case config.TransportNATS:
		return CreateJetStreamTransport(conf.NATS, component, logger.WithName("jetstream"))
	case config.TransportMemory:
		// Only meaningful when every component runs in the same process
		logger.V(0).Info("Using in-memory transport, messages are lost on exit")

		return memstream.New(clock), func(context.Context) error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unexpected transport driver %v", conf.Transport.Driver)
	}
}

func CreateQueueClient(transport stream.Transport, clock clockwork.Clock, conf config.Queue, logger logr.Logger) queue.Client {
	queueConfig := queue.DefaultConfig()

	queueConfig.MaxRetries = conf.MaxRetries
	queueConfig.RetryDelay = conf.RetryDelay
	queueConfig.MaxRetryDelay = conf.MaxRetryDelay
	queueConfig.ConnectionRetryDelay = conf.ConnectionRetryDelay
	queueConfig.Block = conf.Block

	if conf.DeadLetterSuffix != "" {
		queueConfig.DeadLetterSuffix = conf.DeadLetterSuffix
	}

	return queue.NewClient(transport, clock, queueConfig).WithLogger(logger.WithName("queue"))
}

// ConsumerName returns the configured consumer name, or a unique one for component.
func ConsumerName(conf config.Queue, component string) string {
	if conf.Consumer != "" {
		return conf.Consumer
	}

	return queue.DefaultConsumerName(component)
}
