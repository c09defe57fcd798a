package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable wraps connection level failures. Callers retry with a delay.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrNoGroup is returned when reading from a consumer group that does not exist (anymore).
	ErrNoGroup = errors.New("consumer group does not exist")
	// ErrMisconfigured is returned when retrying cannot help (wrong key type, invalid arguments...).
	ErrMisconfigured = errors.New("transport misconfigured")
	// ErrUnsupported is returned by backends not implementing an optional primitive.
	ErrUnsupported = errors.New("operation not supported by transport")
)

func NewErrUnavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func NewErrNoGroup(err error) error {
	return fmt.Errorf("%w: %w", ErrNoGroup, err)
}

func NewErrMisconfigured(err error) error {
	return fmt.Errorf("%w: %w", ErrMisconfigured, err)
}

// StartPosition is where a newly created consumer group starts reading.
type StartPosition string

const (
	StartEarliest StartPosition = "earliest"
	StartLatest   StartPosition = "latest"
)

// Message is an immutable entry of a stream. ID is transport assigned and monotonic within a stream.
type Message struct {
	Stream string
	ID     string
	Fields map[string]string
}

type ReadRequest struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration

	// Pending reads the entries already delivered to Consumer but not acknowledged yet.
	Pending bool
}

type Publisher interface {
	Publish(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
}

type Reader interface {
	EnsureGroup(ctx context.Context, stream, group string, start StartPosition) error
	// Read returns an empty slice when nothing was delivered within the block duration.
	Read(ctx context.Context, req ReadRequest) ([]Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

type Operator interface {
	// Claim transfers entries pending for more than minIdle to consumer.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error)
	Lengths(ctx context.Context, streams ...string) (map[string]int64, error)
	Range(ctx context.Context, stream, start string, count int64) ([]Message, error)
	Delete(ctx context.Context, stream string, ids ...string) error
}

type Transport interface {
	Publisher
	Reader
	Operator
}
