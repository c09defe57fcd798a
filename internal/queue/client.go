package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
)

// Dead letter provenance fields
const (
	FieldOriginalStream = "original_stream"
	FieldOriginalID     = "original_id"
	FieldError          = "error"
	FieldFailedAt       = "failed_at"
)

type Config struct {
	MaxRetries    uint
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// ConnectionRetryDelay is the fixed delay after a transport failure.
	ConnectionRetryDelay time.Duration
	Block                time.Duration
	ReadCount            int64

	DeadLetterSuffix string
	DeadLetterMaxLen int64
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:           5,
		RetryDelay:           2 * time.Second,
		MaxRetryDelay:        5 * time.Minute,
		ConnectionRetryDelay: 5 * time.Second,
		Block:                5 * time.Second,
		ReadCount:            1,
		DeadLetterSuffix:     ".dlq",
		DeadLetterMaxLen:     10_000,
	}
}

type ConsumeOptions struct {
	Stream   string
	Group    string
	Consumer string
	Start    stream.StartPosition

	// DeadLetterStream defaults to Stream + DeadLetterSuffix.
	DeadLetterStream string
}

// Client is the queue library shared by producers and consumers.
type Client struct {
	logger *logr.Logger

	transport stream.Transport
	clock     clockwork.Clock
	config    Config
}

func NewClient(transport stream.Transport, clock clockwork.Clock, config Config) Client {
	return Client{
		transport: transport,
		clock:     clock,
		config:    config,
	}
}

func (c Client) WithLogger(logger logr.Logger) Client {
	c.logger = &logger

	return c
}

// Publish appends message to streamName. Strings are stored verbatim, other values JSON encoded.
func (c Client) Publish(ctx context.Context, streamName string, message map[string]any, maxLen int64) (string, error) {
	fields, err := EncodeFields(message)
	if err != nil {
		return "", err
	}

	id, err := c.transport.Publish(ctx, streamName, fields, maxLen)
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", streamName, err)
	}

	c.logInfo(1, "Published", "stream", streamName, "id", id)

	return id, nil
}

func (c Client) EnsureGroup(ctx context.Context, streamName, group string, start stream.StartPosition) error {
	err := c.transport.EnsureGroup(ctx, streamName, group, start)
	if err != nil {
		return fmt.Errorf("failed to ensure group %s on %s: %w", group, streamName, err)
	}

	return nil
}

// Consume blocks until ctx is done or a fatal error occurs. Every message is acked once
// handled, dead-lettered, or rejected as malformed; a cancelled handling is never acked.
func (c Client) Consume(ctx context.Context, opts ConsumeOptions, handler pipeline.Processing[stream.Message], errorProcessing pipeline.ErrorProcessing) error {
	if opts.DeadLetterStream == "" {
		opts.DeadLetterStream = opts.Stream + c.config.DeadLetterSuffix
	}

	logger := []any{"stream", opts.Stream, "group", opts.Group, "consumer", opts.Consumer}

	c.logInfo(0, "Start consuming", logger...)

	groupReady := false
	// Own pending entries are processed first, at start and after every transient failure
	readPending := true

	for {
		if ctx.Err() != nil {
			c.logInfo(0, "Context expired", logger...)

			return nil
		}

		if !groupReady {
			err := c.EnsureGroup(ctx, opts.Stream, opts.Group, opts.Start)
			if err != nil {
				stop, fatal := c.onTransportError(ctx, err, logger)
				if stop {
					return fatal
				}

				continue
			}

			groupReady = true
		}

		msgs, err := c.transport.Read(ctx, stream.ReadRequest{
			Stream:   opts.Stream,
			Group:    opts.Group,
			Consumer: opts.Consumer,
			Count:    c.config.ReadCount,
			Block:    c.config.Block,
			Pending:  readPending,
		})
		if err != nil {
			if errors.Is(err, stream.ErrNoGroup) {
				c.logInfo(0, "Consumer group is missing, recreating it", logger...)

				groupReady = false
				readPending = true

				continue
			}

			stop, fatal := c.onTransportError(ctx, err, logger)
			if stop {
				return fatal
			}

			readPending = true

			continue
		}

		if readPending && len(msgs) == 0 {
			readPending = false

			continue
		}

		for _, msg := range msgs {
			err = c.handle(ctx, opts, msg, handler, errorProcessing)
			if err != nil {
				break
			}
		}

		if err != nil {
			if errors.Is(err, stream.ErrNoGroup) {
				groupReady = false
			}

			stop, fatal := c.onTransportError(ctx, err, logger)
			if stop {
				return fatal
			}

			readPending = true
		}
	}
}

// onTransportError returns true when the loop must stop, along with the error to return.
func (c Client) onTransportError(ctx context.Context, err error, logger []any) (bool, error) {
	switch pipeline.Classify(err) {
	case pipeline.OutcomeCancelled:
		return true, nil
	case pipeline.OutcomeFatal:
		c.logError(err, "Fatal queue error", logger...)

		return true, err
	}

	if ctx.Err() != nil {
		return true, nil
	}

	c.logError(err, "Transport error, retrying", append(logger, "retryIn", c.config.ConnectionRetryDelay)...)

	select {
	case <-ctx.Done():
		return true, nil
	case <-c.clock.After(c.config.ConnectionRetryDelay):
	}

	return false, nil
}

// handle returns an error only when the message could not be settled.
func (c Client) handle(ctx context.Context, opts ConsumeOptions, msg stream.Message, handler pipeline.Processing[stream.Message], errorProcessing pipeline.ErrorProcessing) error {
	c.logInfo(3, "Processing message", "stream", msg.Stream, "id", msg.ID)

	retrying := pipeline.NewRetryProcessing(handler, pipeline.RetryConfig{
		MaxAttempt:  c.config.MaxRetries + 1,
		Delay:       c.config.RetryDelay,
		MaxDelay:    c.config.MaxRetryDelay,
		Exponential: true,
		RetryAll:    true,
		Clock:       c.clock,
		OnRetry: func(attempt uint, err error) {
			c.logInfo(0, "Handler failed, retrying", "stream", msg.Stream, "id", msg.ID, "attempt", attempt+1, "error", err.Error())
		},
	})

	err := retrying.Process(ctx, msg)
	if err == nil {
		return c.Ack(ctx, opts.Stream, opts.Group, msg.ID)
	}

	// If context has been cancelled, don't ack. Message will be redelivered
	if ctx.Err() != nil {
		c.logInfo(1, "Not settling message, context has been cancelled", "id", msg.ID)

		return ctx.Err()
	}

	switch pipeline.Classify(err) {
	case pipeline.OutcomeFatal:
		return err
	case pipeline.OutcomeMalformed:
		c.logError(err, "Malformed message, skipping", "stream", msg.Stream, "id", msg.ID)

		c.processError(ctx, pipeline.AsProcessingError(err).WithMessage(msg), errorProcessing)

		return c.Ack(ctx, opts.Stream, opts.Group, msg.ID)
	}

	dlqID, dlqErr := c.deadLetter(ctx, opts.DeadLetterStream, msg, err)
	if dlqErr != nil {
		// Not acked, the message stays pending and is retried after the transport recovers
		return dlqErr
	}

	c.logError(err, "Retries exhausted, moved to dead letter stream", "stream", msg.Stream, "id", msg.ID, "dlq", opts.DeadLetterStream, "dlqID", dlqID)

	pErr := pipeline.AsProcessingError(err)
	if pErr.Category == pipeline.UnknownCategory {
		pErr.Category = pipeline.DeadLetterCategory
	}

	c.processError(ctx, pErr.WithMessage(msg), errorProcessing)

	return c.Ack(ctx, opts.Stream, opts.Group, msg.ID)
}

func (c Client) deadLetter(ctx context.Context, dlq string, msg stream.Message, cause error) (string, error) {
	fields := make(map[string]string, len(msg.Fields)+4)
	for k, v := range msg.Fields {
		fields[k] = v
	}

	fields[FieldOriginalStream] = msg.Stream
	fields[FieldOriginalID] = msg.ID
	fields[FieldError] = cause.Error()
	fields[FieldFailedAt] = c.clock.Now().UTC().Format(time.RFC3339Nano)

	id, err := c.transport.Publish(ctx, dlq, fields, c.config.DeadLetterMaxLen)
	if err != nil {
		return "", fmt.Errorf("failed to dead letter %s: %w", msg.ID, err)
	}

	return id, nil
}

func (c Client) processError(ctx context.Context, pErr pipeline.ErrProcessingError, errorProcessing pipeline.ErrorProcessing) {
	if errorProcessing == nil {
		return
	}

	err := errorProcessing.Process(ctx, pErr)
	if err != nil {
		c.logError(err, "Error pipeline failed", "category", pErr.Category, "additionalInputs", pErr.AdditionalInputs)
	}
}

// ReadOne reads at most one new message. It returns nil when nothing arrived within block.
func (c Client) ReadOne(ctx context.Context, streamName, group, consumer string, block time.Duration) (*stream.Message, error) {
	msgs, err := c.transport.Read(ctx, stream.ReadRequest{
		Stream:   streamName,
		Group:    group,
		Consumer: consumer,
		Count:    1,
		Block:    block,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read from %s: %w", streamName, err)
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	return &msgs[0], nil
}

func (c Client) Ack(ctx context.Context, streamName, group string, ids ...string) error {
	err := c.transport.Ack(ctx, streamName, group, ids...)
	if err != nil {
		return fmt.Errorf("failed to ack %v on %s: %w", ids, streamName, err)
	}

	c.logInfo(3, "Acked", "stream", streamName, "ids", ids)

	return nil
}

// Reclaim transfers to consumer the entries left pending by crashed consumers for more than minIdle.
func (c Client) Reclaim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration) ([]stream.Message, error) {
	msgs, err := c.transport.Claim(ctx, streamName, group, consumer, minIdle, 100)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim on %s: %w", streamName, err)
	}

	c.logInfo(0, "Reclaimed pending entries", "stream", streamName, "group", group, "consumer", consumer, "count", len(msgs))

	return msgs, nil
}

// ReplayDeadLetters republishes up to count dead-lettered entries to their original stream
// and removes them from dlq. It returns the number of replayed entries.
func (c Client) ReplayDeadLetters(ctx context.Context, dlq string, count int64, maxLen func(string) int64) (int, error) {
	msgs, err := c.transport.Range(ctx, dlq, "-", count)
	if err != nil {
		return 0, fmt.Errorf("failed to read dead letters from %s: %w", dlq, err)
	}

	replayed := 0

	for _, msg := range msgs {
		original := msg.Fields[FieldOriginalStream]
		if original == "" {
			c.logInfo(0, "Dead letter without original stream, skipping", "dlq", dlq, "id", msg.ID)

			continue
		}

		fields := make(map[string]string, len(msg.Fields))
		for k, v := range msg.Fields {
			switch k {
			case FieldOriginalStream, FieldOriginalID, FieldError, FieldFailedAt:
				continue
			}

			fields[k] = v
		}

		id, err := c.transport.Publish(ctx, original, fields, maxLen(original))
		if err != nil {
			return replayed, fmt.Errorf("failed to replay %s to %s: %w", msg.ID, original, err)
		}

		err = c.transport.Delete(ctx, dlq, msg.ID)
		if err != nil {
			return replayed, fmt.Errorf("failed to delete replayed %s from %s: %w", msg.ID, dlq, err)
		}

		c.logInfo(1, "Replayed dead letter", "dlq", dlq, "id", msg.ID, "stream", original, "newID", id)

		replayed++
	}

	return replayed, nil
}

// Health returns the length of every stream.
func (c Client) Health(ctx context.Context, streams ...string) (map[string]int64, error) {
	ret, err := c.transport.Lengths(ctx, streams...)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream lengths: %w", err)
	}

	return ret, nil
}

// EncodeFields flattens message into stream fields. Nil values are dropped.
func EncodeFields(message map[string]any) (map[string]string, error) {
	ret := make(map[string]string, len(message))

	for k, v := range message {
		switch value := v.(type) {
		case nil:
			continue
		case string:
			ret[k] = value
		default:
			b, err := json.Marshal(value)
			if err != nil {
				return nil, pipeline.NewErrMalformedInput(fmt.Errorf("failed to encode field %s: %w", k, err))
			}

			ret[k] = string(b)
		}
	}

	return ret, nil
}

// DefaultConsumerName returns <component>-<hostname>-<random suffix>.
func DefaultConsumerName(component string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return fmt.Sprintf("%s-%s-%s", component, hostname, uuid.NewString()[:8])
}

func (c Client) logInfo(level int, msg string, keysAndValues ...any) {
	if c.logger == nil {
		return
	}

	c.logger.V(level).Info(msg, keysAndValues...)
}

func (c Client) logError(err error, msg string, keysAndValues ...any) {
	if c.logger == nil {
		return
	}

	c.logger.Error(err, msg, keysAndValues...)
}
