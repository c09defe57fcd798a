package valkey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/secplat/posture-pipeline/pkg/stream"
)

const (
	newEntriesID     = ">"
	pendingEntriesID = "0"
	streamStartID    = "0-0"
)

// Transport implements stream.Transport on top of valkey (or redis) streams.
type Transport struct {
	client valkey.Client
}

func NewTransport(client valkey.Client) Transport {
	return Transport{client: client}
}

func (t Transport) Publish(ctx context.Context, streamName string, fields map[string]string, maxLen int64) (string, error) {
	if len(fields) == 0 {
		return "", stream.NewErrMisconfigured(errors.New("cannot publish an empty message"))
	}

	// Deterministic field order
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var command valkey.Completed

	if maxLen > 0 {
		builder := t.client.B().Xadd().Key(streamName).Maxlen().Almost().Threshold(strconv.FormatInt(maxLen, 10)).Id("*").FieldValue()
		for _, k := range keys {
			builder = builder.FieldValue(k, fields[k])
		}

		command = builder.Build()
	} else {
		builder := t.client.B().Xadd().Key(streamName).Id("*").FieldValue()
		for _, k := range keys {
			builder = builder.FieldValue(k, fields[k])
		}

		command = builder.Build()
	}

	id, err := t.client.Do(ctx, command).ToString()
	if err != nil {
		return "", classify(err, "failed to add message to %s", streamName)
	}

	return id, nil
}

func (t Transport) EnsureGroup(ctx context.Context, streamName, group string, start stream.StartPosition) error {
	startID := "0"
	if start == stream.StartLatest {
		startID = "$"
	}

	command := t.client.B().XgroupCreate().Key(streamName).Group(group).Id(startID).Mkstream().Build()

	err := t.client.Do(ctx, command).Error()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}

		return classify(err, "failed to create group %s on %s", group, streamName)
	}

	return nil
}

func (t Transport) Read(ctx context.Context, req stream.ReadRequest) ([]stream.Message, error) {
	id := newEntriesID
	if req.Pending {
		id = pendingEntriesID
	}

	count := req.Count
	if count <= 0 {
		count = 1
	}

	var command valkey.Completed

	if req.Pending || req.Block <= 0 {
		// Pending entries are returned immediately, blocking is meaningless
		command = t.client.B().Xreadgroup().Group(req.Group, req.Consumer).Count(count).Streams().Key(req.Stream).Id(id).Build()
	} else {
		command = t.client.B().Xreadgroup().Group(req.Group, req.Consumer).Count(count).Block(req.Block.Milliseconds()).Streams().Key(req.Stream).Id(id).Build()
	}

	result, err := t.client.Do(ctx, command).AsXRead()
	if err != nil {
		if valkey.IsValkeyNil(err) { // block timeout
			return []stream.Message{}, nil
		}

		return nil, classify(err, "failed to read group %s on %s", req.Group, req.Stream)
	}

	return toMessages(req.Stream, result[req.Stream]), nil
}

func (t Transport) Ack(ctx context.Context, streamName, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	command := t.client.B().Xack().Key(streamName).Group(group).Id(ids...).Build()

	err := t.client.Do(ctx, command).Error()
	if err != nil {
		return classify(err, "failed to ack %v on %s", ids, streamName)
	}

	return nil
}

func (t Transport) Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration, count int64) ([]stream.Message, error) {
	if count <= 0 {
		count = 100
	}

	command := t.client.B().Xautoclaim().Key(streamName).Group(group).Consumer(consumer).
		MinIdleTime(strconv.FormatInt(minIdle.Milliseconds(), 10)).Start(streamStartID).Count(count).Build()

	resp, err := t.client.Do(ctx, command).ToArray()
	if err != nil {
		return nil, classify(err, "failed to autoclaim on %s", streamName)
	}

	// [next-start-id, [entries...], [deleted ids...]]
	if len(resp) < 2 {
		return nil, stream.NewErrMisconfigured(fmt.Errorf("unexpected xautoclaim response length %d", len(resp)))
	}

	entries, err := resp[1].AsXRange()
	if err != nil {
		return nil, fmt.Errorf("unexpected xautoclaim entries: %w", err)
	}

	return toMessages(streamName, entries), nil
}

func (t Transport) Lengths(ctx context.Context, streams ...string) (map[string]int64, error) {
	ret := make(map[string]int64, len(streams))

	for _, s := range streams {
		length, err := t.client.Do(ctx, t.client.B().Xlen().Key(s).Build()).AsInt64()
		if err != nil {
			return nil, classify(err, "failed to get length of %s", s)
		}

		ret[s] = length
	}

	return ret, nil
}

func (t Transport) Range(ctx context.Context, streamName, start string, count int64) ([]stream.Message, error) {
	if start == "" {
		start = "-"
	}

	builder := t.client.B().Xrange().Key(streamName).Start(start).End("+")

	var command valkey.Completed
	if count > 0 {
		command = builder.Count(count).Build()
	} else {
		command = builder.Build()
	}

	entries, err := t.client.Do(ctx, command).AsXRange()
	if err != nil {
		return nil, classify(err, "failed to range over %s", streamName)
	}

	return toMessages(streamName, entries), nil
}

func (t Transport) Delete(ctx context.Context, streamName string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	err := t.client.Do(ctx, t.client.B().Xdel().Key(streamName).Id(ids...).Build()).Error()
	if err != nil {
		return classify(err, "failed to delete %v from %s", ids, streamName)
	}

	return nil
}

func toMessages(streamName string, entries []valkey.XRangeEntry) []stream.Message {
	ret := make([]stream.Message, 0, len(entries))

	for _, entry := range entries {
		fields := make(map[string]string, len(entry.FieldValues))
		for k, v := range entry.FieldValues {
			fields[k] = v
		}

		ret = append(ret, stream.Message{
			Stream: streamName,
			ID:     entry.ID,
			Fields: fields,
		})
	}

	return ret
}

func classify(err error, reason string, args ...any) error {
	cause := fmt.Errorf("%s: %w", fmt.Sprintf(reason, args...), err)

	switch {
	case isConnectionError(err):
		return stream.NewErrUnavailable(cause)
	case strings.Contains(err.Error(), "NOGROUP"):
		return stream.NewErrNoGroup(cause)
	case strings.Contains(err.Error(), "WRONGTYPE"):
		return stream.NewErrMisconfigured(cause)
	}

	vErr, isValkeyError := valkey.IsValkeyErr(err)
	if isValkeyError && (vErr.IsTryAgain() || vErr.IsClusterDown() || vErr.IsLoading()) {
		return stream.NewErrUnavailable(cause)
	}

	if isValkeyError {
		return stream.NewErrMisconfigured(cause)
	}

	// Any non valkey error comes from the client/connection
	return stream.NewErrUnavailable(cause)
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) {
		return true
	}

	if errors.Is(err, valkey.ErrClosing) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
