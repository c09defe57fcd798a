package memstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/secplat/posture-pipeline/pkg/stream"
)

// Transport is an in-process stream.Transport. It keeps the semantics of valkey streams
// (consumer groups, pending entries, approximate trimming) without durability.
type Transport struct {
	mu     sync.Mutex
	notify chan struct{}
	clock  clockwork.Clock

	streams map[string]*memStream
	lastMs  int64
	lastSeq int64
}

type entry struct {
	id     string
	ms     int64
	seq    int64
	fields map[string]string
}

type pendingEntry struct {
	consumer  string
	delivered time.Time
}

type group struct {
	lastMs  int64
	lastSeq int64
	pending map[string]pendingEntry
}

type memStream struct {
	entries []entry
	groups  map[string]*group
}

func New(clock clockwork.Clock) *Transport {
	return &Transport{
		notify:  make(chan struct{}),
		clock:   clock,
		streams: map[string]*memStream{},
	}
}

func (t *Transport) Publish(ctx context.Context, streamName string, fields map[string]string, maxLen int64) (string, error) {
	if len(fields) == 0 {
		return "", stream.NewErrMisconfigured(errors.New("cannot publish an empty message"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(streamName)

	ms := t.clock.Now().UnixMilli()
	seq := int64(0)

	if ms <= t.lastMs {
		ms = t.lastMs
		seq = t.lastSeq + 1
	}

	t.lastMs, t.lastSeq = ms, seq

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	e := entry{id: formatID(ms, seq), ms: ms, seq: seq, fields: copied}
	s.entries = append(s.entries, e)

	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}

	t.broadcast()

	return e.id, nil
}

func (t *Transport) EnsureGroup(ctx context.Context, streamName, groupName string, start stream.StartPosition) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(streamName)

	_, ok := s.groups[groupName]
	if ok {
		return nil
	}

	g := &group{pending: map[string]pendingEntry{}}

	if start == stream.StartLatest && len(s.entries) > 0 {
		last := s.entries[len(s.entries)-1]
		g.lastMs, g.lastSeq = last.ms, last.seq
	}

	s.groups[groupName] = g

	return nil
}

// DropGroup removes a consumer group, mimicking an operator running XGROUP DESTROY.
func (t *Transport) DropGroup(streamName, groupName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[streamName]
	if !ok {
		return
	}

	delete(s.groups, groupName)
}

func (t *Transport) Read(ctx context.Context, req stream.ReadRequest) ([]stream.Message, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}

	deadline := t.clock.After(req.Block)

	for {
		t.mu.Lock()

		s, ok := t.streams[req.Stream]
		if !ok {
			t.mu.Unlock()

			return nil, stream.NewErrNoGroup(fmt.Errorf("stream %s does not exist", req.Stream))
		}

		g, ok := s.groups[req.Group]
		if !ok {
			t.mu.Unlock()

			return nil, stream.NewErrNoGroup(fmt.Errorf("group %s does not exist on %s", req.Group, req.Stream))
		}

		if req.Pending {
			ret := t.readPending(req.Stream, s, g, req.Consumer, count)
			t.mu.Unlock()

			return ret, nil
		}

		ret := t.readNew(req.Stream, s, g, req.Consumer, count)
		waitFor := t.notify
		t.mu.Unlock()

		if len(ret) > 0 || req.Block <= 0 {
			return ret, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return []stream.Message{}, nil
		case <-waitFor:
		}
	}
}

func (t *Transport) Ack(ctx context.Context, streamName, groupName string, ids ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[streamName]
	if !ok {
		return nil
	}

	g, ok := s.groups[groupName]
	if !ok {
		return stream.NewErrNoGroup(fmt.Errorf("group %s does not exist on %s", groupName, streamName))
	}

	for _, id := range ids {
		delete(g.pending, id)
	}

	return nil
}

func (t *Transport) Claim(ctx context.Context, streamName, groupName, consumer string, minIdle time.Duration, count int64) ([]stream.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[streamName]
	if !ok {
		return nil, stream.NewErrNoGroup(fmt.Errorf("stream %s does not exist", streamName))
	}

	g, ok := s.groups[groupName]
	if !ok {
		return nil, stream.NewErrNoGroup(fmt.Errorf("group %s does not exist on %s", groupName, streamName))
	}

	if count <= 0 {
		count = 100
	}

	now := t.clock.Now()
	ret := []stream.Message{}

	for _, e := range s.entries {
		if int64(len(ret)) >= count {
			break
		}

		p, ok := g.pending[e.id]
		if !ok || now.Sub(p.delivered) < minIdle {
			continue
		}

		g.pending[e.id] = pendingEntry{consumer: consumer, delivered: now}
		ret = append(ret, toMessage(streamName, e))
	}

	return ret, nil
}

func (t *Transport) Lengths(ctx context.Context, streams ...string) (map[string]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ret := make(map[string]int64, len(streams))

	for _, name := range streams {
		s, ok := t.streams[name]
		if !ok {
			ret[name] = 0

			continue
		}

		ret[name] = int64(len(s.entries))
	}

	return ret, nil
}

func (t *Transport) Range(ctx context.Context, streamName, start string, count int64) ([]stream.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[streamName]
	if !ok {
		return []stream.Message{}, nil
	}

	startMs, startSeq := int64(0), int64(0)

	if start != "" && start != "-" {
		var err error

		startMs, startSeq, err = parseID(start)
		if err != nil {
			return nil, stream.NewErrMisconfigured(err)
		}
	}

	ret := []stream.Message{}

	for _, e := range s.entries {
		if count > 0 && int64(len(ret)) >= count {
			break
		}

		if e.ms < startMs || (e.ms == startMs && e.seq < startSeq) {
			continue
		}

		ret = append(ret, toMessage(streamName, e))
	}

	return ret, nil
}

func (t *Transport) Delete(ctx context.Context, streamName string, ids ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[streamName]
	if !ok {
		return nil
	}

	toDelete := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		toDelete[id] = struct{}{}
	}

	kept := s.entries[:0]

	for _, e := range s.entries {
		_, ok := toDelete[e.id]
		if ok {
			continue
		}

		kept = append(kept, e)
	}

	s.entries = kept

	return nil
}

// Pending returns the ids pending in a group, whatever the consumer.
func (t *Transport) Pending(streamName, groupName string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[streamName]
	if !ok {
		return nil
	}

	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}

	ret := []string{}

	for _, e := range s.entries {
		_, ok := g.pending[e.id]
		if ok {
			ret = append(ret, e.id)
		}
	}

	return ret
}

func (t *Transport) readPending(streamName string, s *memStream, g *group, consumer string, count int64) []stream.Message {
	ret := []stream.Message{}

	for _, e := range s.entries {
		if int64(len(ret)) >= count {
			break
		}

		p, ok := g.pending[e.id]
		if !ok || p.consumer != consumer {
			continue
		}

		ret = append(ret, toMessage(streamName, e))
	}

	return ret
}

func (t *Transport) readNew(streamName string, s *memStream, g *group, consumer string, count int64) []stream.Message {
	ret := []stream.Message{}
	now := t.clock.Now()

	for _, e := range s.entries {
		if int64(len(ret)) >= count {
			break
		}

		if e.ms < g.lastMs || (e.ms == g.lastMs && e.seq <= g.lastSeq) {
			continue
		}

		g.lastMs, g.lastSeq = e.ms, e.seq
		g.pending[e.id] = pendingEntry{consumer: consumer, delivered: now}

		ret = append(ret, toMessage(streamName, e))
	}

	return ret
}

func (t *Transport) getOrCreate(streamName string) *memStream {
	s, ok := t.streams[streamName]
	if !ok {
		s = &memStream{groups: map[string]*group{}}
		t.streams[streamName] = s
	}

	return s
}

// broadcast wakes up every blocked reader. Must be called with the lock held.
func (t *Transport) broadcast() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func toMessage(streamName string, e entry) stream.Message {
	fields := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}

	return stream.Message{Stream: streamName, ID: e.id, Fields: fields}
}

func formatID(ms, seq int64) string {
	return fmt.Sprintf("%d-%d", ms, seq)
}

func parseID(id string) (int64, int64, error) {
	msPart, seqPart, found := strings.Cut(id, "-")

	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}

	if !found {
		return ms, 0, nil
	}

	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}

	return ms, seq, nil
}
