package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	GracefulDuration time.Duration
	Metrics          Metrics
	Logs             Logs
	Transport        Transport
	Valkey           Valkey
	Kafka            Kafka
	NATS             NATS
	Postgres         Postgres
	ErrorArchive     S3
	Queue            Queue
	Deriver          Deriver
	Correlator       Correlator
	Notifier         Notifier
	Worker           Worker
	Scanner          Scanner
}

type Metrics struct {
	Port int
}

type Logs struct {
	Level   int
	Encoder EncoderType
}

type EncoderType string

const (
	EncoderTypeJson    EncoderType = "json"
	EncoderTypeConsole EncoderType = "console"
)

type TransportDriver string

const (
	TransportValkey TransportDriver = "valkey"
	TransportKafka  TransportDriver = "kafka"
	TransportNATS   TransportDriver = "nats"
	TransportMemory TransportDriver = "memory"
)

type Transport struct {
	Driver TransportDriver
}

// S3 is disabled when Bucket is empty.
type S3 struct {
	Bucket       string
	KeyPrefix    string
	BaseEndpoint string
	Region       string
	UsePathStyle bool
	Creds        AWSCreds
}

type AWSCreds struct {
	AccessKeyID     string
	SecretAccessKey string
}

func (c AWSCreds) String() string {
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		return "creds set"
	}

	return "no creds"
}

type Kafka struct {
	Broker KafkaBroker
	Topic  KafkaTopic
}

type KafkaBroker struct {
	URLs    string
	Version string
	Creds   KafkaCreds
}

type KafkaSASLMechanism string

const (
	KafkaSASLNone        KafkaSASLMechanism = ""
	KafkaSASLPlain       KafkaSASLMechanism = "PLAIN"
	KafkaSASLScramSHA256 KafkaSASLMechanism = "SCRAM-SHA-256"
	KafkaSASLScramSHA512 KafkaSASLMechanism = "SCRAM-SHA-512"
)

type KafkaCreds struct {
	Mechanism KafkaSASLMechanism
	Username  string
	Password  string
}

func (c KafkaCreds) String() string {
	if c.Mechanism == KafkaSASLNone {
		return "no sasl"
	}

	return fmt.Sprintf("sasl %s as %s", c.Mechanism, c.Username)
}

type KafkaTopic struct {
	Partitions        int32
	ReplicationFactor int16
}

type Valkey struct {
	URL   string
	DB    int
	Creds ValkeyCreds
}

type ValkeyCreds struct {
	Username string
	Password string
}

func (c ValkeyCreds) String() string {
	switch {
	case c.Password == "":
		return "no password"
	case c.Username == "":
		return "password set"
	}

	return "password set for " + c.Username
}

type NATS struct {
	URL     string
	AckWait time.Duration
	Creds   NATSCreds
}

type NATSCreds struct {
	Username string
	Password string
}

func (c NATSCreds) String() string {
	if c.Username != "" {
		return "user " + c.Username
	}

	return "no creds"
}

type Postgres struct {
	URL      PostgresURL
	MaxConns int32
}

// PostgresURL hides the password when printed.
type PostgresURL string

func (u PostgresURL) String() string {
	parsed, err := url.Parse(string(u))
	if err != nil {
		return "<invalid url>"
	}

	return parsed.Redacted()
}

type Queue struct {
	MaxRetries           uint
	RetryDelay           time.Duration
	MaxRetryDelay        time.Duration
	ConnectionRetryDelay time.Duration
	Block                time.Duration
	DeadLetterSuffix     string
	// Consumer defaults to <component>-<hostname>-<short uuid>
	Consumer string
}

type Deriver struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

type Correlator struct {
	API    IncidentAPI
	Dedupe Dedupe
}

type IncidentAPI struct {
	URL      string
	Timeout  time.Duration
	TokenTTL time.Duration
	Creds    APICreds
}

type APICreds struct {
	Username string
	Password string
}

func (c APICreds) String() string {
	if c.Password != "" {
		return fmt.Sprintf("password set for %s", c.Username)
	}

	return "no password"
}

type Dedupe struct {
	Size int
	TTL  time.Duration
}

type Notifier struct {
	Timeout time.Duration
	Slack   Slack
	Twilio  Twilio
}

type Slack struct {
	WebhookURL SecretURL
}

// SecretURL is a URL carrying its credentials in the path, never printed.
type SecretURL string

func (u SecretURL) String() string {
	if u != "" {
		return "url set"
	}

	return "no url"
}

type Twilio struct {
	BaseURL string
	From    string
	To      string
	Creds   TwilioCreds
}

type TwilioCreds struct {
	AccountSID string
	AuthToken  string
}

func (c TwilioCreds) String() string {
	if c.AccountSID != "" && c.AuthToken != "" {
		return "creds set"
	}

	return "no creds"
}

type Worker struct {
	Block                     time.Duration
	PollInterval              time.Duration
	ErrorDelay                time.Duration
	MaxScanDuration           time.Duration
	RequireDomainVerification bool
	FinishAttempts            uint
	FinishMaxDelay            time.Duration
}

type Scanner struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	// Targets are "url|asset_key" pairs
	Targets []string
}
