// Package leader decides which scheduler process runs ticks when several are deployed.
//
// Leadership only reduces contention: correctness still comes from the
// per-item claims in the store, so a brief overlap of two leaders is harmless.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Elector reports whether this process should run the next tick.
type Elector interface {
	IsLeader(ctx context.Context) bool
	Resign(ctx context.Context) error
}

// Always makes every process a leader. Used for single instance deployments.
type Always struct{}

func (Always) IsLeader(context.Context) bool { return true }

func (Always) Resign(context.Context) error { return nil }

// ErrInvalidTTL is returned for a non-positive lease duration.
var ErrInvalidTTL = errors.New("leader lease ttl must be positive")

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var resignScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisElector holds leadership through a Redis key set with NX and a TTL.
// The holder renews the TTL on every call; a crashed holder loses it on expiry.
type RedisElector struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisElector creates an elector competing for key with a lease of ttl.
func NewRedisElector(client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) (*RedisElector, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	return &RedisElector{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		logger: logger.With("module", "leader", "key", key),
	}, nil
}

// Token identifies this elector's candidacy.
func (e *RedisElector) Token() string {
	return e.token
}

// IsLeader acquires or renews the lease. Redis errors make this process a follower.
func (e *RedisElector) IsLeader(ctx context.Context) bool {
	acquired, err := e.client.SetNX(ctx, e.key, e.token, e.ttl).Result()
	if err != nil {
		e.logger.WarnContext(ctx, "leader election failed", "error", err)

		return false
	}

	if acquired {
		e.logger.DebugContext(ctx, "leadership acquired", "token", e.token)

		return true
	}

	renewed, err := renewScript.Run(ctx, e.client, []string{e.key}, e.token, e.ttl.Milliseconds()).Int()
	if err != nil {
		e.logger.WarnContext(ctx, "leader renewal failed", "error", err)

		return false
	}

	return renewed == 1
}

// Resign releases the lease if this elector holds it.
func (e *RedisElector) Resign(ctx context.Context) error {
	err := resignScript.Run(ctx, e.client, []string{e.key}, e.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to resign leadership: %w", err)
	}

	return nil
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
