package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const prefix = "SECPLAT"

var conf Config

// Parse reads the configuration file given as parameter.
func Parse(confFile string) (*Config, error) {
	setDefault()

	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	if len(confFile) > 0 {
		viper.SetConfigFile(confFile)

		err := viper.ReadInConfig()
		if err != nil {
			return &conf, fmt.Errorf("failed to read config file %v: %w", confFile, err)
		}
	}

	err := viper.Unmarshal(&conf)
	if err != nil {
		return &conf, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &conf, nil
}

// Every key gets a default so that AutomaticEnv can override it.
func setDefault() {
	viper.SetDefault("gracefulDuration", "5s")

	viper.SetDefault("logs.level", 4)
	viper.SetDefault("logs.encoder", EncoderTypeConsole)
	viper.SetDefault("metrics.port", 7777)

	viper.SetDefault("transport.driver", TransportValkey)

	viper.SetDefault("valkey.url", "localhost:6379")
	viper.SetDefault("valkey.db", 0)
	viper.SetDefault("valkey.creds.username", "")
	viper.SetDefault("valkey.creds.password", "")

	viper.SetDefault("kafka.broker.urls", "localhost:9092")
	viper.SetDefault("kafka.broker.version", "3.6.0")
	viper.SetDefault("kafka.broker.creds.mechanism", KafkaSASLNone)
	viper.SetDefault("kafka.broker.creds.username", "")
	viper.SetDefault("kafka.broker.creds.password", "")
	viper.SetDefault("kafka.topic.partitions", 1)
	viper.SetDefault("kafka.topic.replicationFactor", 1)

	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("nats.ackWait", "30s")
	viper.SetDefault("nats.creds.username", "")
	viper.SetDefault("nats.creds.password", "")

	viper.SetDefault("postgres.url", "postgres://localhost:5432/secplat")
	viper.SetDefault("postgres.maxConns", 4)

	viper.SetDefault("errorArchive.bucket", "")
	viper.SetDefault("errorArchive.keyPrefix", "secplat-errors")
	viper.SetDefault("errorArchive.baseEndpoint", "")
	viper.SetDefault("errorArchive.region", "us-east-1")
	viper.SetDefault("errorArchive.usePathStyle", false)
	viper.SetDefault("errorArchive.creds.accessKeyID", "")
	viper.SetDefault("errorArchive.creds.secretAccessKey", "")

	viper.SetDefault("queue.maxRetries", 5)
	viper.SetDefault("queue.retryDelay", "2s")
	viper.SetDefault("queue.maxRetryDelay", "5m")
	viper.SetDefault("queue.connectionRetryDelay", "5s")
	viper.SetDefault("queue.block", "5s")
	viper.SetDefault("queue.deadLetterSuffix", ".dlq")
	viper.SetDefault("queue.consumer", "")

	viper.SetDefault("deriver.interval", "60s")
	viper.SetDefault("deriver.staleThreshold", "300s")

	viper.SetDefault("correlator.api.url", "http://api:8000")
	viper.SetDefault("correlator.api.timeout", "15s")
	viper.SetDefault("correlator.api.tokenTTL", "30m")
	viper.SetDefault("correlator.api.creds.username", "admin")
	viper.SetDefault("correlator.api.creds.password", "")
	viper.SetDefault("correlator.dedupe.size", 10_000)
	viper.SetDefault("correlator.dedupe.ttl", "24h")

	viper.SetDefault("notifier.timeout", "10s")
	viper.SetDefault("notifier.slack.webhookURL", "")
	viper.SetDefault("notifier.twilio.baseURL", "https://api.twilio.com")
	viper.SetDefault("notifier.twilio.from", "")
	viper.SetDefault("notifier.twilio.to", "")
	viper.SetDefault("notifier.twilio.creds.accountSID", "")
	viper.SetDefault("notifier.twilio.creds.authToken", "")

	viper.SetDefault("worker.block", "2s")
	viper.SetDefault("worker.pollInterval", "2s")
	viper.SetDefault("worker.errorDelay", "5s")
	viper.SetDefault("worker.maxScanDuration", "900s")
	viper.SetDefault("worker.requireDomainVerification", true)
	viper.SetDefault("worker.finishAttempts", 10)
	viper.SetDefault("worker.finishMaxDelay", "1m")

	viper.SetDefault("scanner.interval", "6h")
	viper.SetDefault("scanner.requestTimeout", "15s")
	viper.SetDefault("scanner.targets", []string{})
}
