package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/economy-engine/engine"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newGuard(t *testing.T, ttl time.Duration) *engine.LocalGuard {
	t.Helper()
	g := engine.NewLocalGuard(ttl, nil)
	t.Cleanup(g.Close)
	return g
}

type opResult struct {
	Value string `json:"value"`
}

// =============================================================================
// CACHING
// =============================================================================

func TestLocalGuard_RepeatedKeyServesCachedResult(t *testing.T) {
	// GIVEN: An operation already executed under a key
	// WHEN: The same key is used again within the TTL
	// THEN: The cached result returns and the operation does not re-run

	g := newGuard(t, time.Minute)
	ctx := context.Background()

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		return opResult{Value: "first"}, nil
	}

	raw1, cached1, err := g.Do(ctx, "key-1", op)
	require.NoError(t, err)
	assert.False(t, cached1)

	raw2, cached2, err := g.Do(ctx, "key-1", op)
	require.NoError(t, err)
	assert.True(t, cached2)
	assert.Equal(t, raw1, raw2)
	assert.Equal(t, 1, calls, "operation must run once per key")

	var res opResult
	require.NoError(t, json.Unmarshal(raw2, &res))
	assert.Equal(t, "first", res.Value)
}

func TestLocalGuard_EmptyKeyRejected(t *testing.T) {
	// GIVEN: A guard
	// WHEN: Do is called without a key
	// THEN: ErrIdempotencyKeyRequired and the operation never runs

	g := newGuard(t, time.Minute)

	calls := 0
	_, _, err := g.Do(context.Background(), "", func(context.Context) (any, error) {
		calls++
		return nil, nil
	})

	assert.ErrorIs(t, err, engine.ErrIdempotencyKeyRequired)
	assert.Equal(t, 0, calls)
}

func TestLocalGuard_FailuresAreNotCached(t *testing.T) {
	// GIVEN: An operation that failed under a key
	// WHEN: The key is retried
	// THEN: The operation runs again and can succeed

	g := newGuard(t, time.Minute)
	ctx := context.Background()

	calls := 0
	errBoom := errors.New("boom")
	op := func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errBoom
		}
		return opResult{Value: "recovered"}, nil
	}

	_, _, err := g.Do(ctx, "key-1", op)
	assert.ErrorIs(t, err, errBoom)

	raw, cached, err := g.Do(ctx, "key-1", op)
	require.NoError(t, err)
	assert.False(t, cached, "retry after failure is a fresh execution")
	assert.Equal(t, 2, calls)

	var res opResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "recovered", res.Value)
}

func TestLocalGuard_ExpiredKeyReexecutes(t *testing.T) {
	// GIVEN: A cached result past its TTL
	// WHEN: The key is used again
	// THEN: The operation executes anew

	g := newGuard(t, 10*time.Millisecond)
	ctx := context.Background()

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		return opResult{Value: "v"}, nil
	}

	_, _, err := g.Do(ctx, "key-1", op)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	_, cached, err := g.Do(ctx, "key-1", op)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, calls)
}

// =============================================================================
// SINGLE FLIGHT
// =============================================================================

func TestLocalGuard_ConcurrentDuplicatesCollapse(t *testing.T) {
	// GIVEN: 10 concurrent calls with the same key
	// WHEN: All race through the guard
	// THEN: The operation executes exactly once and every caller sees the
	//       same result

	g := newGuard(t, time.Minute)
	ctx := context.Background()

	var executions atomic.Int64
	release := make(chan struct{})
	op := func(context.Context) (any, error) {
		executions.Add(1)
		<-release
		return opResult{Value: "shared"}, nil
	}

	const n = 10
	results := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = g.Do(ctx, "key-1", op)
		}(i)
	}

	// Let all goroutines reach the guard before the owner finishes.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), executions.Load(), "duplicates must share one execution")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		var res opResult
		require.NoError(t, json.Unmarshal(results[i], &res))
		assert.Equal(t, "shared", res.Value)
	}
}

func TestLocalGuard_WaiterHonorsContextCancellation(t *testing.T) {
	// GIVEN: An in-flight execution another caller is waiting on
	// WHEN: The waiter's context is canceled
	// THEN: The waiter returns the context error without blocking forever

	g := newGuard(t, time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "key-1", func(context.Context) (any, error) {
			close(started)
			<-release
			return opResult{}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := g.Do(ctx, "key-1", func(context.Context) (any, error) {
		t.Fatal("waiter must not execute the operation")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
