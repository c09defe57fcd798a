package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"

	"github.com/secplat/posture-pipeline/pkg/stream"
)

// GroupFactory creates a consumer group member for the given group id.
type GroupFactory func(group string) (sarama.ConsumerGroup, error)

type TopicConfig struct {
	Partitions        int32
	ReplicationFactor int16
}

// Transport maps streams to topics and consumer groups to kafka consumer groups.
// Kafka has no per consumer pending list: un-acked messages are redelivered after a
// rebalance or a restart, and trimming is left to the topic retention.
type Transport struct {
	logger *logr.Logger

	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	client   sarama.Client
	newGroup GroupFactory
	topic    TopicConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	consumers map[string]*groupConsumer
}

type groupConsumer struct {
	group      sarama.ConsumerGroup
	deliveries chan delivery
	done       chan struct{}

	mu       sync.Mutex
	inflight map[string]delivery
}

func NewTransport(producer sarama.SyncProducer, newGroup GroupFactory) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		producer:  producer,
		newGroup:  newGroup,
		topic:     TopicConfig{Partitions: 1, ReplicationFactor: 1},
		ctx:       ctx,
		cancel:    cancel,
		consumers: map[string]*groupConsumer{},
	}
}

func (t *Transport) WithLogger(logger logr.Logger) *Transport {
	t.logger = &logger

	return t
}

// WithAdmin enables topic creation in EnsureGroup.
func (t *Transport) WithAdmin(admin sarama.ClusterAdmin, topic TopicConfig) *Transport {
	t.admin = admin
	t.topic = topic

	return t
}

// WithClient enables Lengths.
func (t *Transport) WithClient(client sarama.Client) *Transport {
	t.client = client

	return t
}

func (t *Transport) Publish(ctx context.Context, streamName string, fields map[string]string, maxLen int64) (string, error) {
	if len(fields) == 0 {
		return "", stream.NewErrMisconfigured(errors.New("cannot publish an empty message"))
	}

	value, err := json.Marshal(fields)
	if err != nil {
		return "", stream.NewErrMisconfigured(fmt.Errorf("failed to marshal fields: %w", err))
	}

	msg := &sarama.ProducerMessage{
		Topic: streamName,
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := t.producer.SendMessage(msg)
	if err != nil {
		return "", classify(err, "failed to produce to %s", streamName)
	}

	return formatID(partition, offset), nil
}

func (t *Transport) EnsureGroup(ctx context.Context, streamName, group string, start stream.StartPosition) error {
	if t.admin != nil {
		err := t.admin.CreateTopic(streamName, &sarama.TopicDetail{
			NumPartitions:     t.topic.Partitions,
			ReplicationFactor: t.topic.ReplicationFactor,
		}, false)
		if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return classify(err, "failed to create topic %s", streamName)
		}
	}

	_, err := t.consumer(streamName, group)

	return err
}

func (t *Transport) Read(ctx context.Context, req stream.ReadRequest) ([]stream.Message, error) {
	// Un-acked messages are redelivered by the broker itself
	if req.Pending {
		return []stream.Message{}, nil
	}

	c, err := t.consumer(req.Stream, req.Group)
	if err != nil {
		return nil, err
	}

	count := req.Count
	if count <= 0 {
		count = 1
	}

	ret := []stream.Message{}

	timeout := closed

	if req.Block > 0 {
		timer := time.NewTimer(req.Block)
		defer timer.Stop()

		timeout = timer.C
	}

	for int64(len(ret)) < count {
		select {
		case <-ctx.Done():
			return ret, ctx.Err()
		case <-c.done:
			return ret, stream.NewErrUnavailable(errors.New("consumer group stopped"))
		case d := <-c.deliveries:
			ret = append(ret, c.track(req.Stream, d))
		case <-timeout:
			return ret, nil
		}

		// Only block for the first message
		timeout = closed
	}

	return ret, nil
}

func (t *Transport) Ack(ctx context.Context, streamName, group string, ids ...string) error {
	t.mu.Lock()
	c, ok := t.consumers[consumerKey(streamName, group)]
	t.mu.Unlock()

	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		d, ok := c.inflight[id]
		if !ok {
			continue
		}

		// A mark on a revoked session is dropped, the message will be redelivered
		d.session.MarkMessage(d.msg, "")
		delete(c.inflight, id)
	}

	return nil
}

func (t *Transport) Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration, count int64) ([]stream.Message, error) {
	return nil, fmt.Errorf("%w: claim on kafka topic %s", stream.ErrUnsupported, streamName)
}

func (t *Transport) Lengths(ctx context.Context, streams ...string) (map[string]int64, error) {
	if t.client == nil {
		return nil, fmt.Errorf("%w: lengths without kafka client", stream.ErrUnsupported)
	}

	ret := make(map[string]int64, len(streams))

	for _, s := range streams {
		partitions, err := t.client.Partitions(s)
		if err != nil {
			if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
				ret[s] = 0

				continue
			}

			return nil, classify(err, "failed to list partitions of %s", s)
		}

		var total int64

		for _, p := range partitions {
			newest, err := t.client.GetOffset(s, p, sarama.OffsetNewest)
			if err != nil {
				return nil, classify(err, "failed to get newest offset of %s/%d", s, p)
			}

			oldest, err := t.client.GetOffset(s, p, sarama.OffsetOldest)
			if err != nil {
				return nil, classify(err, "failed to get oldest offset of %s/%d", s, p)
			}

			total += newest - oldest
		}

		ret[s] = total
	}

	return ret, nil
}

func (t *Transport) Range(ctx context.Context, streamName, start string, count int64) ([]stream.Message, error) {
	return nil, fmt.Errorf("%w: range on kafka topic %s", stream.ErrUnsupported, streamName)
}

func (t *Transport) Delete(ctx context.Context, streamName string, ids ...string) error {
	return fmt.Errorf("%w: delete on kafka topic %s", stream.ErrUnsupported, streamName)
}

// Close stops every consumer group member and the producer.
func (t *Transport) Close(ctx context.Context) error {
	t.cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error

	for key, c := range t.consumers {
		err := c.group.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer %s: %w", key, err))
		}
	}

	if t.producer != nil {
		err := t.producer.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (t *Transport) consumer(streamName, group string) (*groupConsumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := consumerKey(streamName, group)

	c, ok := t.consumers[key]
	if ok {
		return c, nil
	}

	if t.newGroup == nil {
		return nil, stream.NewErrMisconfigured(errors.New("no consumer group factory"))
	}

	cg, err := t.newGroup(group)
	if err != nil {
		return nil, classify(err, "failed to create consumer group %s", group)
	}

	c = &groupConsumer{
		group:      cg,
		deliveries: make(chan delivery),
		done:       make(chan struct{}),
		inflight:   map[string]delivery{},
	}

	t.consumers[key] = c

	go t.run(c, streamName)

	return c, nil
}

// run keeps the group member consuming until the transport is closed.
func (t *Transport) run(c *groupConsumer, streamName string) {
	defer close(c.done)

	go func() {
		for err := range c.group.Errors() {
			t.logError(err, "kafka consumer error", "topic", streamName)
		}
	}()

	h := handler{logger: t.logger, deliveries: c.deliveries}

	for {
		err := c.group.Consume(t.ctx, []string{streamName}, h)
		if err != nil {
			t.logError(err, "Consumer failed", "topic", streamName)

			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
		}

		// If context is cancelled, no need to keep looping
		if t.ctx.Err() != nil {
			t.logInfo(0, "Context expired", "topic", streamName)

			return
		}
	}
}

func (c *groupConsumer) track(streamName string, d delivery) stream.Message {
	id := formatID(d.msg.Partition, d.msg.Offset)

	c.mu.Lock()
	c.inflight[id] = d
	c.mu.Unlock()

	return stream.Message{
		Stream: streamName,
		ID:     id,
		Fields: decodeFields(d.msg.Value),
	}
}

func (t *Transport) logInfo(level int, msg string, keysAndValues ...any) {
	if t.logger == nil {
		return
	}

	t.logger.V(level).Info(msg, keysAndValues...)
}

func (t *Transport) logError(err error, msg string, keysAndValues ...any) {
	if t.logger == nil {
		return
	}

	t.logger.Error(err, msg, keysAndValues...)
}

var closed = func() <-chan time.Time {
	ret := make(chan time.Time)
	close(ret)

	return ret
}()

// decodeFields falls back to a single data field for payloads not produced by this transport.
func decodeFields(value []byte) map[string]string {
	ret := map[string]string{}

	err := json.Unmarshal(value, &ret)
	if err != nil {
		return map[string]string{"data": string(value)}
	}

	return ret
}

func formatID(partition int32, offset int64) string {
	return fmt.Sprintf("%d-%d", partition, offset)
}

func consumerKey(streamName, group string) string {
	return group + "/" + streamName
}

func classify(err error, reason string, args ...any) error {
	cause := fmt.Errorf("%s: %w", fmt.Sprintf(reason, args...), err)

	var kErr sarama.KError
	if errors.As(err, &kErr) {
		switch kErr {
		case sarama.ErrInvalidTopic, sarama.ErrTopicAuthorizationFailed, sarama.ErrGroupAuthorizationFailed,
			sarama.ErrSASLAuthenticationFailed, sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidReplicationFactor:
			return stream.NewErrMisconfigured(cause)
		}
	}

	return stream.NewErrUnavailable(cause)
}
