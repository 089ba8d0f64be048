/*
idempotency_redis.go - Cluster-wide idempotency guard backed by Redis

PURPOSE:
  When multiple instances serve the same accounts, a process-local guard only
  dedupes within one process. RedisGuard moves both halves of the guard into
  a shared cache: the result cache is a TTL'd key, and the per-key mutex is a
  SETNX claim, so duplicates collapse cluster-wide.

KEY LAYOUT:
  idem:{key}       JSON of the completed result, expires after the TTL
  idem:{key}:lock  Claim marker held while an execution is in flight

LOSER BEHAVIOR:
  An instance that fails to claim the lock polls for the result. If the lock
  vanishes without a result (the owner failed), the loser re-attempts the
  claim, mirroring the local guard's "failures are not cached" rule.

SEE ALSO:
  - idempotency.go: Guard interface and local implementation
*/
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// REDIS GUARD
// =============================================================================

const redisGuardPollInterval = 50 * time.Millisecond

// RedisGuard implements Guard over a shared Redis, making deduplication
// effective across all instances.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisGuard creates a cluster-wide guard. ttl 0 uses the default.
func NewRedisGuard(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisGuard{client: client, ttl: ttl, log: log}
}

// Do executes op at most once per key across the cluster.
func (g *RedisGuard) Do(ctx context.Context, key string, op Operation) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrIdempotencyKeyRequired
	}

	resultKey := "idem:" + key
	lockKey := resultKey + ":lock"

	for {
		// Fast path: a completed result answers immediately.
		raw, err := g.client.Get(ctx, resultKey).Bytes()
		if err == nil {
			return raw, true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, false, err
		}

		// Claim the key. The lock TTL bounds how long a crashed owner can
		// block retries.
		claimed, err := g.client.SetNX(ctx, lockKey, "1", g.ttl).Result()
		if err != nil {
			return nil, false, err
		}
		if claimed {
			break
		}

		// Someone else is executing; wait for their result.
		raw, done, err := g.waitForResult(ctx, resultKey, lockKey)
		if err != nil {
			return nil, false, err
		}
		if done {
			return raw, true, nil
		}
		// Owner failed without caching a result; contend for the claim again.
	}

	result, err := op(ctx)
	if err != nil {
		// Release the claim so a genuine retry can execute.
		if delErr := g.client.Del(ctx, lockKey).Err(); delErr != nil {
			g.log.Warn("failed to release idempotency claim",
				zap.String("key", key), zap.Error(delErr))
		}
		return nil, false, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		g.client.Del(ctx, lockKey)
		return nil, false, err
	}
	if err := g.client.Set(ctx, resultKey, raw, g.ttl).Err(); err != nil {
		g.log.Warn("failed to cache idempotent result",
			zap.String("key", key), zap.Error(err))
	}
	g.client.Del(ctx, lockKey)

	return raw, false, nil
}

// waitForResult polls until the result appears (done=true), the lock vanishes
// without a result (done=false), or the context ends.
func (g *RedisGuard) waitForResult(ctx context.Context, resultKey, lockKey string) ([]byte, bool, error) {
	ticker := time.NewTicker(redisGuardPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
			raw, err := g.client.Get(ctx, resultKey).Bytes()
			if err == nil {
				return raw, true, nil
			}
			if !errors.Is(err, redis.Nil) {
				return nil, false, err
			}
			held, err := g.client.Exists(ctx, lockKey).Result()
			if err != nil {
				return nil, false, err
			}
			if held == 0 {
				return nil, false, nil
			}
		}
	}
}
