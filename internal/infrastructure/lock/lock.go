// Package lock provides the short-TTL coordination lock used to serialize
// token refreshes across workers. Backed by redis SET NX with a unique
// holder token so release cannot clobber a lock that already expired and was
// re-acquired elsewhere.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"dropgate/internal/infrastructure/redis"
)

var Module = fx.Module("lock",
	fx.Provide(NewRedisProvider),
)

// Handle identifies one acquired lock.
type Handle struct {
	Key   string
	Token string
}

// Provider is the distributed mutual exclusion capability.
type Provider interface {
	// TryAcquire returns a handle, or nil without error when the lock is
	// already held by someone else.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error)

	// Release frees the lock if this handle still holds it.
	Release(ctx context.Context, h *Handle) error
}

// releaseScript deletes the key only when the stored token matches the
// handle, so a crashed worker's expired lock is never released twice.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type redisProvider struct {
	redis  *redis.RedisClient
	logger *zap.Logger
}

func NewRedisProvider(redisClient *redis.RedisClient, logger *zap.Logger) Provider {
	return &redisProvider{
		redis:  redisClient,
		logger: logger,
	}
}

func (p *redisProvider) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()

	acquired, err := p.redis.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, nil
	}

	p.logger.Debug("Lock acquired",
		zap.String("key", key),
		zap.Duration("ttl", ttl),
	)

	return &Handle{Key: key, Token: token}, nil
}

func (p *redisProvider) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	if _, err := p.redis.Eval(ctx, releaseScript, []string{h.Key}, h.Token); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", h.Key, err)
	}

	p.logger.Debug("Lock released", zap.String("key", h.Key))
	return nil
}
