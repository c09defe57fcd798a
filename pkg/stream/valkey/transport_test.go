package valkey_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/valkey-io/valkey-go"

	"github.com/secplat/posture-pipeline/pkg/stream"
	valkeystream "github.com/secplat/posture-pipeline/pkg/stream/valkey"
)

// Helper

func startValkey(t *testing.T) testcontainers.Container {
	req := testcontainers.ContainerRequest{
		Image:        "quay.io/sclorg/valkey-7-c10s:bf91acf0827dc5db216164aafe3d34beb245dcec",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections tcp"),
	}
	ret, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})

	testcontainers.CleanupContainer(t, ret)

	require.NoError(t, err, "failed to start valkey instance")

	return ret
}

func createValkeyClient(t *testing.T, container testcontainers.Container) valkey.Client {
	endpoint, err := container.Endpoint(context.Background(), "")
	require.NoError(t, err, "failed to get valkey endpoint")

	ret, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{endpoint}})
	require.NoError(t, err, "failed to create valkey client")

	return ret
}

// Test suite definition

type ValkeyStreamIntegrationTestSuite struct {
	suite.Suite

	client    valkey.Client
	transport valkeystream.Transport
	container testcontainers.Container
}

func (s *ValkeyStreamIntegrationTestSuite) SetupSuite() {
	t := s.T()

	s.container = startValkey(t)
	s.client = createValkeyClient(t, s.container)
	s.transport = valkeystream.NewTransport(s.client)
}

func (s *ValkeyStreamIntegrationTestSuite) TearDownTest() {
	ctx := context.Background()
	command := s.client.B().Flushall().Build()

	err := s.client.Do(ctx, command).Error()
	require.NoError(s.T(), err, "failed to clean valkey")
}

// Run test

func TestValkeyStreamIntegrationTestSuite(t *testing.T) {
	t.Parallel()

	suite.Run(t, new(ValkeyStreamIntegrationTestSuite))
}

// Test

func (s *ValkeyStreamIntegrationTestSuite) TestPublishReadAck() {
	ctx := context.Background()
	t := s.T()

	err := s.transport.EnsureGroup(ctx, "s1", "g1", stream.StartEarliest)
	require.NoError(t, err, "failed to create group")

	err = s.transport.EnsureGroup(ctx, "s1", "g1", stream.StartEarliest)
	require.NoError(t, err, "group creation must be idempotent")

	id, err := s.transport.Publish(ctx, "s1", map[string]string{"type": "test", "data": "{}"}, 100)
	require.NoError(t, err, "failed to publish")

	msgs, err := s.transport.Read(ctx, stream.ReadRequest{Stream: "s1", Group: "g1", Consumer: "c1", Count: 10, Block: 100 * time.Millisecond})
	require.NoError(t, err, "failed to read")
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, map[string]string{"type": "test", "data": "{}"}, msgs[0].Fields)

	pending, err := s.transport.Read(ctx, stream.ReadRequest{Stream: "s1", Group: "g1", Consumer: "c1", Count: 10, Pending: true})
	require.NoError(t, err, "failed to read pending entries")
	require.Len(t, pending, 1)

	err = s.transport.Ack(ctx, "s1", "g1", id)
	require.NoError(t, err, "failed to ack")

	pending, err = s.transport.Read(ctx, stream.ReadRequest{Stream: "s1", Group: "g1", Consumer: "c1", Count: 10, Pending: true})
	require.NoError(t, err, "failed to read pending entries")
	assert.Empty(t, pending)
}

func (s *ValkeyStreamIntegrationTestSuite) TestBlockTimeout() {
	ctx := context.Background()
	t := s.T()

	err := s.transport.EnsureGroup(ctx, "s2", "g1", stream.StartLatest)
	require.NoError(t, err, "failed to create group")

	msgs, err := s.transport.Read(ctx, stream.ReadRequest{Stream: "s2", Group: "g1", Consumer: "c1", Block: 50 * time.Millisecond})
	require.NoError(t, err, "a block timeout is not an error")
	assert.Empty(t, msgs)
}

func (s *ValkeyStreamIntegrationTestSuite) TestMissingGroup() {
	ctx := context.Background()
	t := s.T()

	_, err := s.transport.Publish(ctx, "s3", map[string]string{"a": "b"}, 0)
	require.NoError(t, err, "failed to publish")

	_, err = s.transport.Read(ctx, stream.ReadRequest{Stream: "s3", Group: "unknown", Consumer: "c1", Block: 50 * time.Millisecond})
	require.ErrorIs(t, err, stream.ErrNoGroup)
}

func (s *ValkeyStreamIntegrationTestSuite) TestOperatorPrimitives() {
	ctx := context.Background()
	t := s.T()

	err := s.transport.EnsureGroup(ctx, "s4", "g1", stream.StartEarliest)
	require.NoError(t, err, "failed to create group")

	ids := make([]string, 0, 3)

	for _, v := range []string{"a", "b", "c"} {
		id, err := s.transport.Publish(ctx, "s4", map[string]string{"v": v}, 0)
		require.NoError(t, err, "failed to publish")

		ids = append(ids, id)
	}

	lengths, err := s.transport.Lengths(ctx, "s4", "missing")
	require.NoError(t, err, "failed to get lengths")
	assert.Equal(t, map[string]int64{"s4": 3, "missing": 0}, lengths)

	_, err = s.transport.Read(ctx, stream.ReadRequest{Stream: "s4", Group: "g1", Consumer: "crashed", Count: 10, Block: 50 * time.Millisecond})
	require.NoError(t, err, "failed to read")

	claimed, err := s.transport.Claim(ctx, "s4", "g1", "rescuer", 0, 10)
	require.NoError(t, err, "failed to claim")
	assert.Len(t, claimed, 3)

	err = s.transport.Delete(ctx, "s4", ids[0])
	require.NoError(t, err, "failed to delete")

	msgs, err := s.transport.Range(ctx, "s4", "-", 0)
	require.NoError(t, err, "failed to range")
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Fields["v"])
}

func TestLosingConnection(t *testing.T) {
	t.Parallel()

	container := startValkey(t)
	client := createValkeyClient(t, container)
	transport := valkeystream.NewTransport(client)

	// stop the container
	err := container.Terminate(context.Background())
	require.NoError(t, err, "failed to terminate valkey")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = transport.Publish(ctx, "s1", map[string]string{"a": "b"}, 0)
	require.Error(t, err, "publish should fail")

	require.ErrorIs(t, err, stream.ErrUnavailable, "error should be classified as unavailable: %v", err)
}
