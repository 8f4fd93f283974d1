package leader

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestAlways(t *testing.T) {
	var elector Elector = Always{}

	assert.True(t, elector.IsLeader(t.Context()))
	assert.NoError(t, elector.Resign(t.Context()))
}

func TestNewRedisElector_RejectsZeroTTL(t *testing.T) {
	_, err := NewRedisElector(nil, "outbound:leader", 0, slog.New(slog.DiscardHandler))
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(t.Context(), "://nope")
	assert.Error(t, err)
}

func TestRedisElector_SingleLeader(t *testing.T) {
	client := setupRedis(t)
	logger := slog.New(slog.DiscardHandler)

	first, err := NewRedisElector(client, "outbound:leader", time.Second, logger)
	require.NoError(t, err)

	second, err := NewRedisElector(client, "outbound:leader", time.Second, logger)
	require.NoError(t, err)

	assert.True(t, first.IsLeader(t.Context()))
	assert.False(t, second.IsLeader(t.Context()))

	// Renewal keeps the lease with the holder.
	assert.True(t, first.IsLeader(t.Context()))

	require.NoError(t, first.Resign(t.Context()))
	assert.True(t, second.IsLeader(t.Context()))
	assert.False(t, first.IsLeader(t.Context()))
}

func TestRedisElector_LeaseExpires(t *testing.T) {
	client := setupRedis(t)
	logger := slog.New(slog.DiscardHandler)

	first, err := NewRedisElector(client, "outbound:leader:expiry", 200*time.Millisecond, logger)
	require.NoError(t, err)

	second, err := NewRedisElector(client, "outbound:leader:expiry", 200*time.Millisecond, logger)
	require.NoError(t, err)

	require.True(t, first.IsLeader(t.Context()))

	assert.Eventually(t, func() bool {
		return second.IsLeader(t.Context())
	}, 3*time.Second, 50*time.Millisecond)
}
