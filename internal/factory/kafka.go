package factory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"

	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/internal/config"
	"github.com/secplat/posture-pipeline/pkg/stream/kafka"
)

// CreateKafkaTransport wires a producer, a cluster admin, a metadata client and a consumer
// group factory sharing the same broker configuration.
func CreateKafkaTransport(kafkaConfig config.Kafka, component string, logger logr.Logger) (*kafka.Transport, common.CloseFunc, error) {
	conf, err := createSaramaConfig(kafkaConfig, component)
	if err != nil {
		return nil, nil, err
	}

	// Kafka URLs
	urls := strings.Split(kafkaConfig.Broker.URLs, ",")

	client, err := sarama.NewClient(urls, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	// The admin owns its own connection: closing an admin created from a client closes the client
	admin, err := sarama.NewClusterAdmin(urls, conf)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to create kafka cluster admin: %w", err)
	}

	newGroup := func(group string) (sarama.ConsumerGroup, error) {
		ret, err := sarama.NewConsumerGroup(urls, group, conf)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
		}

		return ret, nil
	}

	ret := kafka.NewTransport(producer, newGroup).
		WithLogger(logger).
		WithAdmin(admin, kafka.TopicConfig{
			Partitions:        kafkaConfig.Topic.Partitions,
			ReplicationFactor: kafkaConfig.Topic.ReplicationFactor,
		}).
		WithClient(client)

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			ret.Close(ctx),
			admin.Close(),
			client.Close(),
		)
	}

	return ret, shutdown, nil
}

func createSaramaConfig(kafkaConfig config.Kafka, component string) (*sarama.Config, error) {
	conf := sarama.NewConfig()

	// mandatory configuration
	conf.Consumer.Offsets.AutoCommit.Enable = true
	conf.Consumer.Return.Errors = true
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForAll

	// initial offset
	conf.Consumer.Offsets.Initial = sarama.OffsetOldest

	// clientID
	conf.ClientID = computeClientID(component)

	// kafka version
	version, err := sarama.ParseKafkaVersion(kafkaConfig.Broker.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kafka version: %w", err)
	}

	conf.Version = version

	err = configureSASL(conf, kafkaConfig.Broker.Creds)
	if err != nil {
		return nil, err
	}

	return conf, nil
}

func configureSASL(conf *sarama.Config, creds config.KafkaCreds) error {
	switch creds.Mechanism {
	case config.KafkaSASLNone:
		return nil
	case config.KafkaSASLPlain:
		conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case config.KafkaSASLScramSHA256:
		conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	case config.KafkaSASLScramSHA512:
		conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	default:
		return fmt.Errorf("unexpected sasl mechanism %v", creds.Mechanism)
	}

	conf.Net.SASL.Enable = true
	conf.Net.SASL.Handshake = true
	conf.Net.SASL.User = creds.Username
	conf.Net.SASL.Password = creds.Password

	return nil
}

func computeClientID(component string) string {
	prefix, err := os.Hostname()
	if err != nil {
		prefix = fmt.Sprintf("clientid-%v", component)
	}

	return fmt.Sprintf("%s-%s-%x", component, prefix, rand.Int31())
}
