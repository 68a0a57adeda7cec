package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/dispatch-core/internal/observability"
)

// ErrAdmissionDenied indicates the principal is at its concurrency limit
var ErrAdmissionDenied = errors.New("admission denied: concurrency limit reached")

// admitScript atomically prunes expired slots, counts the live ones and
// claims a slot when the principal is under its limit. Each slot is
// scored by its own expiry timestamp, so crashed holders free their
// slots without a release call and a mix of TTLs expires per slot.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local expireAt = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local token = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, expireAt, token)
    redis.call('PEXPIRE', key, ttl)
    return 1
end
return 0
`)

// Config holds admission guard defaults
type Config struct {
	DefaultLimit int
	DefaultTTL   time.Duration
	KeyPrefix    string
}

// Guard bounds concurrent in-flight operations per principal using a
// Redis sorted set of timestamped slot tokens.
type Guard struct {
	rdb    *redis.Client
	config Config
	logger *slog.Logger
}

// New creates an admission guard
func New(rdb *redis.Client, config Config, logger *slog.Logger) *Guard {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 2
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 60 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "guard:concurrency:"
	}

	return &Guard{rdb: rdb, config: config, logger: logger}
}

// Acquire claims a concurrency slot for the principal. On success it
// returns a token the caller must pass to Release; when the principal is
// at its limit it returns ErrAdmissionDenied.
func (g *Guard) Acquire(ctx context.Context, principal string) (string, error) {
	return g.AcquireWithLimit(ctx, principal, g.config.DefaultLimit, g.config.DefaultTTL)
}

// AcquireWithLimit claims a slot with an explicit limit and TTL
func (g *Guard) AcquireWithLimit(ctx context.Context, principal string, limit int, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	key := g.config.KeyPrefix + principal
	now := time.Now().UnixMilli()

	granted, err := admitScript.Run(ctx, g.rdb,
		[]string{key},
		now,
		now+ttl.Milliseconds(),
		ttl.Milliseconds(),
		limit,
		token,
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to run admission script: %w", err)
	}

	if granted != 1 {
		g.logger.Debug("Admission denied",
			slog.String("principal", principal),
			slog.Int("limit", limit),
		)
		observability.GuardDecisions.WithLabelValues("denied").Inc()
		return "", ErrAdmissionDenied
	}

	observability.GuardDecisions.WithLabelValues("granted").Inc()
	return token, nil
}

// Release frees a previously acquired slot. Releasing an expired or
// unknown token is a no-op.
func (g *Guard) Release(ctx context.Context, principal, token string) error {
	key := g.config.KeyPrefix + principal

	if err := g.rdb.ZRem(ctx, key, token).Err(); err != nil {
		return fmt.Errorf("failed to release admission slot: %w", err)
	}
	return nil
}

// InFlight reports the number of live slots held by the principal
func (g *Guard) InFlight(ctx context.Context, principal string) (int64, error) {
	key := g.config.KeyPrefix + principal

	count, err := g.rdb.ZCount(ctx, key,
		fmt.Sprintf("(%d", time.Now().UnixMilli()),
		"+inf",
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count admission slots: %w", err)
	}
	return count, nil
}
