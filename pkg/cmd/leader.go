package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/outbound/pkg/config"
	"github.com/dukex/outbound/pkg/leader"
)

// ErrRedisURLRequired is returned when leader election is enabled without a Redis URL.
var ErrRedisURLRequired = errors.New("leader election requires a Redis URL")

// NewElector returns leader.Always unless leader election is enabled. The
// returned close function releases the Redis client.
func NewElector(ctx context.Context, cfg config.Leader, redisURL string, logger *slog.Logger) (leader.Elector, func() error, error) {
	if !cfg.Enabled {
		return leader.Always{}, func() error { return nil }, nil
	}

	if redisURL == "" {
		return nil, nil, ErrRedisURLRequired
	}

	client, err := leader.NewRedisClient(ctx, redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	elector, err := leader.NewRedisElector(client, cfg.Key, cfg.TTL, logger)
	if err != nil {
		_ = client.Close()

		return nil, nil, err
	}

	logger.InfoContext(ctx, "Leader election enabled", "key", cfg.Key, "ttl", cfg.TTL, "token", elector.Token())

	return elector, client.Close, nil
}
