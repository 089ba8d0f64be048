package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/economy-engine/engine"
	"github.com/warp/economy-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type counter struct {
	Value int64 `json:"value"`
}

func newExecutor(t *testing.T) (*engine.Executor, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return engine.NewExecutor(mem, nil), mem
}

func seedCounter(t *testing.T, exec *engine.Executor, key engine.Key, value int64) {
	t.Helper()
	err := exec.Run(context.Background(), []engine.Key{key}, func(_ *engine.Snapshot, w *engine.Writes) error {
		return w.Put(key, counter{Value: value})
	})
	require.NoError(t, err)
}

// =============================================================================
// BASIC COMMIT BEHAVIOR
// =============================================================================

func TestExecutor_CreateAndUpdate(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: A transaction creates a document and another updates it
	// THEN: Both commit and the final state reflects both writes

	exec, _ := newExecutor(t)
	ctx := context.Background()
	key := engine.Key{Collection: "counters", ID: "c1"}

	seedCounter(t, exec, key, 10)

	err := exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		var c counter
		ok, err := snap.Get(key, &c)
		require.NoError(t, err)
		require.True(t, ok)
		c.Value += 5
		return w.Put(key, c)
	})
	require.NoError(t, err)

	err = exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, _ *engine.Writes) error {
		var c counter
		ok, err := snap.Get(key, &c)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(15), c.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestExecutor_BusinessErrorAbortsWithoutRetry(t *testing.T) {
	// GIVEN: A transaction function that fails a business rule
	// WHEN: Run executes it
	// THEN: The error propagates immediately, nothing is written, and the
	//       function ran exactly once

	exec, _ := newExecutor(t)
	ctx := context.Background()
	key := engine.Key{Collection: "counters", ID: "c1"}
	seedCounter(t, exec, key, 10)

	errBusiness := errors.New("insufficient something")
	calls := 0
	err := exec.Run(ctx, []engine.Key{key}, func(_ *engine.Snapshot, w *engine.Writes) error {
		calls++
		if err := w.Put(key, counter{Value: 999}); err != nil {
			return err
		}
		return errBusiness
	})

	assert.ErrorIs(t, err, errBusiness)
	assert.Equal(t, 1, calls, "business errors must not retry")

	// Nothing written.
	err = exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, _ *engine.Writes) error {
		var c counter
		_, err := snap.Get(key, &c)
		require.NoError(t, err)
		assert.Equal(t, int64(10), c.Value)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// CONFLICT RETRY
// =============================================================================

func TestExecutor_RetriesOnConflict(t *testing.T) {
	// GIVEN: A transaction whose first commit is beaten by a concurrent write
	// WHEN: Run detects the version conflict
	// THEN: The function re-runs against a fresh snapshot and commits

	mem := store.NewMemory()
	exec := engine.NewExecutor(mem, nil)
	ctx := context.Background()
	key := engine.Key{Collection: "counters", ID: "c1"}
	seedCounter(t, exec, key, 0)

	attempts := 0
	err := exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		attempts++
		if attempts == 1 {
			// Sneak in a conflicting commit between snapshot and commit.
			interferer := engine.NewExecutor(mem, nil)
			require.NoError(t, interferer.Run(ctx, []engine.Key{key}, func(s *engine.Snapshot, iw *engine.Writes) error {
				var c counter
				_, err := s.Get(key, &c)
				require.NoError(t, err)
				c.Value += 100
				return iw.Put(key, c)
			}))
		}
		var c counter
		_, err := snap.Get(key, &c)
		require.NoError(t, err)
		c.Value++
		return w.Put(key, c)
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "first attempt conflicts, second commits")

	snap, err := mem.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)
	var c counter
	_, err = snap.Get(key, &c)
	require.NoError(t, err)
	assert.Equal(t, int64(101), c.Value, "both the interfering and retried writes applied")
}

func TestExecutor_ExhaustedRetriesSurfaceTransientConflict(t *testing.T) {
	// GIVEN: A transaction that conflicts on every attempt
	// WHEN: The retry budget is spent
	// THEN: The caller sees the generic transient-conflict error

	mem := store.NewMemory()
	exec := engine.NewExecutor(mem, nil).WithRetryPolicy(3, time.Millisecond)
	ctx := context.Background()
	key := engine.Key{Collection: "counters", ID: "c1"}
	seedCounter(t, exec, key, 0)

	attempts := 0
	err := exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		attempts++
		interferer := engine.NewExecutor(mem, nil)
		require.NoError(t, interferer.Run(ctx, []engine.Key{key}, func(s *engine.Snapshot, iw *engine.Writes) error {
			var c counter
			_, err := s.Get(key, &c)
			require.NoError(t, err)
			c.Value++
			return iw.Put(key, c)
		}))
		var c counter
		_, err := snap.Get(key, &c)
		require.NoError(t, err)
		c.Value++
		return w.Put(key, c)
	})

	assert.ErrorIs(t, err, engine.ErrTransientConflict)
	assert.Equal(t, 3, attempts)
}

// =============================================================================
// CONCURRENT INCREMENTS
// =============================================================================

func TestExecutor_ConcurrentIncrementsAllLand(t *testing.T) {
	// GIVEN: 20 goroutines incrementing the same counter
	// WHEN: All run through the executor
	// THEN: Every increment lands exactly once

	mem := store.NewMemory()
	ctx := context.Background()
	key := engine.Key{Collection: "counters", ID: "c1"}
	seed := engine.NewExecutor(mem, nil)
	seedCounter(t, seed, key, 0)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec := engine.NewExecutor(mem, nil).WithRetryPolicy(50, time.Millisecond)
			err := exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
				var c counter
				_, err := snap.Get(key, &c)
				if err != nil {
					return err
				}
				c.Value++
				return w.Put(key, c)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := mem.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)
	var c counter
	_, err = snap.Get(key, &c)
	require.NoError(t, err)
	assert.Equal(t, int64(n), c.Value)
}

// =============================================================================
// RECORD APPENDS
// =============================================================================

func TestExecutor_AppendsCommitWithDocuments(t *testing.T) {
	// GIVEN: A transaction staging a document write and a record append
	// WHEN: It commits
	// THEN: Both are visible; a reused record id fails the whole commit

	mem := store.NewMemory()
	exec := engine.NewExecutor(mem, nil)
	ctx := context.Background()
	key := engine.Key{Collection: "counters", ID: "c1"}

	run := func(recID string, value int64) error {
		return exec.Run(ctx, []engine.Key{key}, func(_ *engine.Snapshot, w *engine.Writes) error {
			if err := w.Put(key, counter{Value: value}); err != nil {
				return err
			}
			return w.Append(engine.Record{
				Collection: "history",
				ID:         recID,
				UserID:     "u1",
				CreatedAt:  time.Now(),
			}, map[string]int64{"value": value})
		})
	}

	require.NoError(t, run("rec-1", 1))
	err := run("rec-1", 2)
	assert.ErrorIs(t, err, engine.ErrDuplicateRecord)

	recs, err := mem.QueryRecords(ctx, "history", engine.RecordFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
