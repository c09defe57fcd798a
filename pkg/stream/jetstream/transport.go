package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/secplat/posture-pipeline/pkg/stream"
)

// Transport maps every stream to a JetStream stream holding a single subject, and every
// consumer group to a durable pull consumer. JetStream has no per consumer pending list:
// un-acked messages are redelivered once the ack wait expires. Entry ids are stream sequences.
type Transport struct {
	logger *logr.Logger

	js      jetstream.JetStream
	ackWait time.Duration

	mu        sync.Mutex
	limits    map[string]int64
	consumers map[string]*groupConsumer
}

type groupConsumer struct {
	consumer jetstream.Consumer

	mu       sync.Mutex
	inflight map[string]jetstream.Msg
}

func NewTransport(js jetstream.JetStream) *Transport {
	return &Transport{
		js:        js,
		ackWait:   30 * time.Second,
		limits:    map[string]int64{},
		consumers: map[string]*groupConsumer{},
	}
}

func (t *Transport) WithLogger(logger logr.Logger) *Transport {
	t.logger = &logger

	return t
}

// WithAckWait sets the redelivery delay of durable consumers created afterwards.
func (t *Transport) WithAckWait(ackWait time.Duration) *Transport {
	if ackWait > 0 {
		t.ackWait = ackWait
	}

	return t
}

// StreamName returns the JetStream stream backing a stream. Dots are not allowed in stream names.
func StreamName(streamName string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(streamName)
}

func (t *Transport) Publish(ctx context.Context, streamName string, fields map[string]string, maxLen int64) (string, error) {
	if len(fields) == 0 {
		return "", stream.NewErrMisconfigured(errors.New("cannot publish an empty message"))
	}

	value, err := json.Marshal(fields)
	if err != nil {
		return "", stream.NewErrMisconfigured(fmt.Errorf("failed to marshal fields: %w", err))
	}

	err = t.ensureStream(ctx, streamName, maxLen)
	if err != nil {
		return "", err
	}

	ack, err := t.js.Publish(ctx, streamName, value)
	if err != nil {
		return "", classify(err, "failed to publish to %s", streamName)
	}

	return formatID(ack.Sequence), nil
}

func (t *Transport) EnsureGroup(ctx context.Context, streamName, group string, start stream.StartPosition) error {
	err := t.ensureStream(ctx, streamName, 0)
	if err != nil {
		return err
	}

	_, err = t.js.Consumer(ctx, StreamName(streamName), group)
	if err == nil {
		return nil
	}

	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return classify(err, "failed to get consumer %s on %s", group, streamName)
	}

	deliver := jetstream.DeliverAllPolicy
	if start == stream.StartLatest {
		deliver = jetstream.DeliverNewPolicy
	}

	_, err = t.js.CreateConsumer(ctx, StreamName(streamName), jetstream.ConsumerConfig{
		Durable:       group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.ackWait,
		DeliverPolicy: deliver,
		FilterSubject: streamName,
	})
	if err != nil && !errors.Is(err, jetstream.ErrConsumerExists) {
		return classify(err, "failed to create consumer %s on %s", group, streamName)
	}

	t.logInfo(1, "Consumer created", "stream", streamName, "group", group, "start", start)

	return nil
}

func (t *Transport) Read(ctx context.Context, req stream.ReadRequest) ([]stream.Message, error) {
	// Un-acked messages are redelivered by the server itself
	if req.Pending {
		return []stream.Message{}, nil
	}

	c, err := t.consumer(ctx, req.Stream, req.Group)
	if err != nil {
		return nil, err
	}

	count := int(req.Count)
	if count <= 0 {
		count = 1
	}

	var batch jetstream.MessageBatch

	if req.Block > 0 {
		batch, err = c.consumer.Fetch(count, jetstream.FetchMaxWait(req.Block))
	} else {
		batch, err = c.consumer.FetchNoWait(count)
	}

	if err != nil {
		return nil, t.readError(err, req)
	}

	ret := []stream.Message{}

	for msg := range batch.Messages() {
		m, err := c.track(req.Stream, msg)
		if err != nil {
			t.logError(err, "Dropping message without metadata", "stream", req.Stream)

			continue
		}

		ret = append(ret, m)
	}

	err = batch.Error()
	if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
		if ctx.Err() != nil {
			return ret, ctx.Err()
		}

		return ret, t.readError(err, req)
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
		msg, ok := c.inflight[id]
		if !ok {
			continue
		}

		err := msg.Ack()
		if err != nil {
			return classify(err, "failed to ack %s on %s", id, streamName)
		}

		delete(c.inflight, id)
	}

	return nil
}

func (t *Transport) Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration, count int64) ([]stream.Message, error) {
	return nil, fmt.Errorf("%w: claim on jetstream stream %s", stream.ErrUnsupported, streamName)
}

func (t *Transport) Lengths(ctx context.Context, streams ...string) (map[string]int64, error) {
	ret := make(map[string]int64, len(streams))

	for _, name := range streams {
		info, err := t.info(ctx, name)
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			ret[name] = 0

			continue
		}

		if err != nil {
			return nil, classify(err, "failed to get info of %s", name)
		}

		ret[name] = int64(info.State.Msgs)
	}

	return ret, nil
}

func (t *Transport) Range(ctx context.Context, streamName, start string, count int64) ([]stream.Message, error) {
	handle, err := t.js.Stream(ctx, StreamName(streamName))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return []stream.Message{}, nil
	}

	if err != nil {
		return nil, classify(err, "failed to get stream %s", streamName)
	}

	info, err := handle.Info(ctx)
	if err != nil {
		return nil, classify(err, "failed to get info of %s", streamName)
	}

	ret := []stream.Message{}

	if info.State.Msgs == 0 {
		return ret, nil
	}

	seq := info.State.FirstSeq

	if start != "" && start != "-" {
		seq, err = strconv.ParseUint(start, 10, 64)
		if err != nil {
			return nil, stream.NewErrMisconfigured(fmt.Errorf("invalid start id %q: %w", start, err))
		}

		seq = max(seq, info.State.FirstSeq)
	}

	for ; seq <= info.State.LastSeq; seq++ {
		if count > 0 && int64(len(ret)) >= count {
			break
		}

		raw, err := handle.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}

		if err != nil {
			return nil, classify(err, "failed to get %d from %s", seq, streamName)
		}

		ret = append(ret, stream.Message{
			Stream: streamName,
			ID:     formatID(raw.Sequence),
			Fields: decodeFields(raw.Data),
		})
	}

	return ret, nil
}

func (t *Transport) Delete(ctx context.Context, streamName string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	handle, err := t.js.Stream(ctx, StreamName(streamName))
	if err != nil {
		return classify(err, "failed to get stream %s", streamName)
	}

	for _, id := range ids {
		seq, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return stream.NewErrMisconfigured(fmt.Errorf("invalid id %q: %w", id, err))
		}

		err = handle.DeleteMsg(ctx, seq)
		if err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
			return classify(err, "failed to delete %s from %s", id, streamName)
		}
	}

	return nil
}

// ensureStream creates the stream on first use, and updates its size limit when maxLen changes.
// A zero maxLen keeps the current limit.
func (t *Transport) ensureStream(ctx context.Context, streamName string, maxLen int64) error {
	t.mu.Lock()
	current, known := t.limits[streamName]
	t.mu.Unlock()

	if known && (maxLen <= 0 || maxLen == current) {
		return nil
	}

	config := jetstream.StreamConfig{
		Name:      StreamName(streamName),
		Subjects:  []string{streamName},
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		Storage:   jetstream.FileStorage,
		MaxMsgs:   -1,
	}

	if maxLen > 0 {
		config.MaxMsgs = maxLen
	}

	var err error

	if maxLen > 0 {
		_, err = t.js.CreateOrUpdateStream(ctx, config)
	} else {
		_, err = t.js.Stream(ctx, config.Name)
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			_, err = t.js.CreateStream(ctx, config)
			if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
				err = nil
			}
		}
	}

	if err != nil {
		return classify(err, "failed to ensure stream %s", streamName)
	}

	t.mu.Lock()
	t.limits[streamName] = maxLen
	t.mu.Unlock()

	return nil
}

func (t *Transport) info(ctx context.Context, streamName string) (*jetstream.StreamInfo, error) {
	handle, err := t.js.Stream(ctx, StreamName(streamName))
	if err != nil {
		return nil, err
	}

	return handle.Info(ctx)
}

func (t *Transport) consumer(ctx context.Context, streamName, group string) (*groupConsumer, error) {
	key := consumerKey(streamName, group)

	t.mu.Lock()
	c, ok := t.consumers[key]
	t.mu.Unlock()

	if ok {
		return c, nil
	}

	consumer, err := t.js.Consumer(ctx, StreamName(streamName), group)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) || errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, stream.NewErrNoGroup(fmt.Errorf("%s on %s: %w", group, streamName, err))
		}

		return nil, classify(err, "failed to get consumer %s on %s", group, streamName)
	}

	c = &groupConsumer{
		consumer: consumer,
		inflight: map[string]jetstream.Msg{},
	}

	t.mu.Lock()
	t.consumers[key] = c
	t.mu.Unlock()

	return c, nil
}

func (t *Transport) forget(streamName, group string) {
	t.mu.Lock()
	delete(t.consumers, consumerKey(streamName, group))
	t.mu.Unlock()
}

func (c *groupConsumer) track(streamName string, msg jetstream.Msg) (stream.Message, error) {
	metadata, err := msg.Metadata()
	if err != nil {
		return stream.Message{}, err
	}

	id := formatID(metadata.Sequence.Stream)

	// A redelivery replaces the previous handle of the same entry
	c.mu.Lock()
	c.inflight[id] = msg
	c.mu.Unlock()

	return stream.Message{
		Stream: streamName,
		ID:     id,
		Fields: decodeFields(msg.Data()),
	}, nil
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

// decodeFields falls back to a single data field for payloads not produced by this transport.
func decodeFields(value []byte) map[string]string {
	ret := map[string]string{}

	err := json.Unmarshal(value, &ret)
	if err != nil {
		return map[string]string{"data": string(value)}
	}

	return ret
}

func formatID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func consumerKey(streamName, group string) string {
	return group + "/" + streamName
}

func classify(err error, reason string, args ...any) error {
	cause := fmt.Errorf("%s: %w", fmt.Sprintf(reason, args...), err)

	switch {
	case errors.Is(err, jetstream.ErrInvalidStreamName), errors.Is(err, jetstream.ErrInvalidConsumerName),
		errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload):
		return stream.NewErrMisconfigured(cause)
	}

	return stream.NewErrUnavailable(cause)
}

// readError drops the cached consumer of a deleted group so that a recreated one is picked up.
func (t *Transport) readError(err error, req stream.ReadRequest) error {
	if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
		t.forget(req.Stream, req.Group)

		return stream.NewErrNoGroup(fmt.Errorf("%s on %s: %w", req.Group, req.Stream, err))
	}

	return classify(err, "failed to fetch from %s", req.Stream)
}
