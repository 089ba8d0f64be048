/*
idempotency.go - Request deduplication for financially-effective operations

PURPOSE:
  Callers retry. Networks duplicate. Users double-click. The IdempotencyGuard
  makes every mutating operation execute at most once per caller-supplied key:
  a repeated key within the TTL returns the cached result of the first
  execution, and CONCURRENT duplicates collapse onto one in-flight execution
  and share its outcome instead of each mutating state.

SEMANTICS:
  - Successful results are cached (as JSON) for the TTL, then the key may be
    reused for a new logical attempt.
  - Failures are NOT cached: in-flight waiters share the failure, after which
    the key is released so a genuine retry can execute.
  - The per-key mutex is process-local here; guard_redis.go provides the
    cluster-wide variant backed by a shared cache.

SEE ALSO:
  - idempotency_redis.go: Redis-backed guard for multi-instance deployments
  - economy/service.go: Applies the guard to every financial operation
*/
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// GUARD INTERFACE
// =============================================================================

// DefaultIdempotencyTTL bounds how long a completed result answers for its key.
const DefaultIdempotencyTTL = 15 * time.Minute

// Operation produces the result to cache. It runs at most once per key per TTL.
type Operation func(ctx context.Context) (any, error)

// Guard deduplicates operations by key. Do returns the operation result as
// JSON together with whether it was served from cache.
type Guard interface {
	Do(ctx context.Context, key string, op Operation) (raw []byte, cached bool, err error)
}

// =============================================================================
// LOCAL GUARD - In-process cache + per-key single flight
// =============================================================================

type guardEntry struct {
	done      chan struct{}
	result    []byte
	err       error
	expiresAt time.Time
}

// LocalGuard is the process-local Guard. One instance serves all operations;
// keys are namespaced by the caller.
type LocalGuard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
	ttl     time.Duration
	log     *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLocalGuard creates a guard with the given TTL (0 = default) and starts
// its periodic cleanup. Call Close when done.
func NewLocalGuard(ttl time.Duration, log *zap.Logger) *LocalGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &LocalGuard{
		entries: make(map[string]*guardEntry),
		ttl:     ttl,
		log:     log,
		stop:    make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Do executes op at most once for key. Concurrent calls with the same key
// wait for the in-flight execution and share its result.
func (g *LocalGuard) Do(ctx context.Context, key string, op Operation) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrIdempotencyKeyRequired
	}

	g.mu.Lock()
	if e, ok := g.entries[key]; ok {
		select {
		case <-e.done:
			// Completed. Serve from cache unless expired.
			if e.err == nil && time.Now().Before(e.expiresAt) {
				g.mu.Unlock()
				return e.result, true, nil
			}
			delete(g.entries, key)
		default:
			// In flight: wait for the owner and share its outcome.
			g.mu.Unlock()
			select {
			case <-e.done:
				return e.result, true, e.err
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
	}

	e := &guardEntry{done: make(chan struct{})}
	g.entries[key] = e
	g.mu.Unlock()

	result, err := op(ctx)

	var raw []byte
	if err == nil {
		raw, err = json.Marshal(result)
	}

	g.mu.Lock()
	e.result = raw
	e.err = err
	e.expiresAt = time.Now().Add(g.ttl)
	if err != nil {
		// Failures are not cached; release the key for a real retry.
		delete(g.entries, key)
	}
	g.mu.Unlock()
	close(e.done)

	return raw, false, err
}

// Close stops the cleanup loop.
func (g *LocalGuard) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *LocalGuard) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stop:
			return
		}
	}
}

func (g *LocalGuard) cleanup() {
	now := time.Now()
	removed := 0
	g.mu.Lock()
	for key, e := range g.entries {
		select {
		case <-e.done:
			if now.After(e.expiresAt) {
				delete(g.entries, key)
				removed++
			}
		default:
			// Still in flight, leave it alone.
		}
	}
	remaining := len(g.entries)
	g.mu.Unlock()
	if removed > 0 {
		g.log.Debug("idempotency cache cleaned",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining))
	}
}
