package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a single-instance Redis lock: SET NX PX with a random token, released only
// by the holder of that token.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if prefix == "" {
		prefix = "billing:reserve"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitFor)
		defer cancel()
	}
	fullKey := r.prefix + ":" + key
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := r.rdb.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("redis setnx: %w", err))
		}
		if !ok {
			return struct{}{}, ErrNotAcquired
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy))
	if err != nil {
		if errors.Is(err, ErrNotAcquired) || ctx.Err() != nil {
			return nil, errors.Join(ErrNotAcquired, err)
		}
		return nil, err
	}

	return func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, r.rdb, []string{fullKey}, token).Err(); err != nil && r.logger != nil {
			r.logger.Warn("reservation lock release failed", "key", fullKey, "err", err)
		}
	}, nil
}
