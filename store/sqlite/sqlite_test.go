package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/economy-engine/engine"
	"github.com/warp/economy-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func putDoc(t *testing.T, st *sqlite.Store, key engine.Key, v any) {
	t.Helper()
	snap, err := st.GetMulti(context.Background(), []engine.Key{key})
	require.NoError(t, err)
	w := engine.NewWrites(snap)
	require.NoError(t, w.Put(key, v))
	require.NoError(t, st.Commit(context.Background(), snap.ReadVersions(), w))
}

// =============================================================================
// DOCUMENT VERSIONING
// =============================================================================

func TestSQLite_CreateStartsAtVersionOne(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: A document is created and then updated
	// THEN: Versions advance 0 -> 1 -> 2

	st := newTestStore(t)
	ctx := context.Background()
	key := engine.Key{Collection: "accounts", ID: "u1"}

	snap, err := st.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version(key), "missing document is version 0")

	putDoc(t, st, key, map[string]int64{"balance": 100})

	snap, err = st.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version(key))

	putDoc(t, st, key, map[string]int64{"balance": 90})

	snap, err = st.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version(key))

	var doc map[string]int64
	ok, err := snap.Get(key, &doc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(90), doc["balance"])
}

func TestSQLite_StaleCommitRejected(t *testing.T) {
	// GIVEN: Two snapshots of the same document
	// WHEN: The first commits and the second tries to commit its stale read
	// THEN: The second fails with ErrVersionConflict and writes nothing

	st := newTestStore(t)
	ctx := context.Background()
	key := engine.Key{Collection: "accounts", ID: "u1"}
	putDoc(t, st, key, map[string]int64{"balance": 100})

	snapA, err := st.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)
	snapB, err := st.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)

	wA := engine.NewWrites(snapA)
	require.NoError(t, wA.Put(key, map[string]int64{"balance": 50}))
	require.NoError(t, st.Commit(ctx, snapA.ReadVersions(), wA))

	wB := engine.NewWrites(snapB)
	require.NoError(t, wB.Put(key, map[string]int64{"balance": 10}))
	err = st.Commit(ctx, snapB.ReadVersions(), wB)

	assert.ErrorIs(t, err, engine.ErrVersionConflict)
	var conflict *engine.ConflictError
	assert.ErrorAs(t, err, &conflict)

	snap, err := st.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)
	var doc map[string]int64
	_, err = snap.Get(key, &doc)
	require.NoError(t, err)
	assert.Equal(t, int64(50), doc["balance"], "losing commit applied nothing")
}

func TestSQLite_ReadOnlyKeysParticipateInConflictDetection(t *testing.T) {
	// GIVEN: A transaction that read key B but only writes key A
	// WHEN: B changes before the commit
	// THEN: The commit is rejected, because the decision may have depended on B

	st := newTestStore(t)
	ctx := context.Background()
	keyA := engine.Key{Collection: "accounts", ID: "a"}
	keyB := engine.Key{Collection: "accounts", ID: "b"}
	putDoc(t, st, keyA, map[string]int64{"v": 1})
	putDoc(t, st, keyB, map[string]int64{"v": 1})

	snap, err := st.GetMulti(ctx, []engine.Key{keyA, keyB})
	require.NoError(t, err)

	putDoc(t, st, keyB, map[string]int64{"v": 2})

	w := engine.NewWrites(snap)
	require.NoError(t, w.Put(keyA, map[string]int64{"v": 99}))
	err = st.Commit(ctx, snap.ReadVersions(), w)
	assert.ErrorIs(t, err, engine.ErrVersionConflict)
}

// =============================================================================
// APPEND-ONLY RECORDS
// =============================================================================

func TestSQLite_RecordsAppendAndQuery(t *testing.T) {
	// GIVEN: Records appended for two users with different targets
	// WHEN: Querying by user and by (user, target)
	// THEN: Results are filtered and ordered newest first

	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	appendRec := func(id, userID, targetID string, at time.Time) {
		require.NoError(t, st.AppendRecord(ctx, engine.Record{
			Collection: "gift_transactions",
			ID:         id,
			UserID:     userID,
			TargetID:   targetID,
			CreatedAt:  at,
			Data:       []byte(`{"giftId":"rose"}`),
		}))
	}

	appendRec("g1", "u1", "t1", base)
	appendRec("g2", "u1", "t2", base.Add(time.Hour))
	appendRec("g3", "u1", "t1", base.Add(2*time.Hour))
	appendRec("g4", "u2", "t1", base.Add(3*time.Hour))

	recs, err := st.QueryRecords(ctx, "gift_transactions", engine.RecordFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "g3", recs[0].ID, "newest first")
	assert.Equal(t, "g1", recs[2].ID)

	recs, err = st.QueryRecords(ctx, "gift_transactions", engine.RecordFilter{UserID: "u1", TargetID: "t1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = st.QueryRecords(ctx, "gift_transactions", engine.RecordFilter{UserID: "u1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "g2", recs[0].ID)
}

func TestSQLite_DuplicateRecordIDRejected(t *testing.T) {
	// GIVEN: A record with id "r1"
	// WHEN: Another append reuses "r1" in the same collection
	// THEN: ErrDuplicateRecord

	st := newTestStore(t)
	ctx := context.Background()

	rec := engine.Record{
		Collection: "audit_entries",
		ID:         "r1",
		UserID:     "u1",
		CreatedAt:  time.Now().UTC(),
		Data:       []byte(`{}`),
	}
	require.NoError(t, st.AppendRecord(ctx, rec))
	assert.ErrorIs(t, st.AppendRecord(ctx, rec), engine.ErrDuplicateRecord)
}

func TestSQLite_GetRecordRoundTrip(t *testing.T) {
	// GIVEN: An appended record
	// WHEN: Loaded by id
	// THEN: All fields survive, including the timestamp

	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.August, 15, 12, 30, 0, 0, time.UTC)

	require.NoError(t, st.AppendRecord(ctx, engine.Record{
		Collection: "coin_transactions",
		ID:         "tx-1",
		UserID:     "u1",
		CreatedAt:  at,
		Data:       []byte(`{"amount":45}`),
	}))

	rec, found, err := st.GetRecord(ctx, "coin_transactions", "tx-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "u1", rec.UserID)
	assert.True(t, rec.CreatedAt.Equal(at))
	assert.JSONEq(t, `{"amount":45}`, string(rec.Data))

	_, found, err = st.GetRecord(ctx, "coin_transactions", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

// =============================================================================
// EXECUTOR INTEGRATION
// =============================================================================

func TestSQLite_ExecutorRetriesThroughRealStore(t *testing.T) {
	// GIVEN: The executor running against SQLite
	// WHEN: A conflicting write lands between snapshot and commit
	// THEN: The transaction retries and both increments survive

	st := newTestStore(t)
	exec := engine.NewExecutor(st, nil)
	ctx := context.Background()
	key := engine.Key{Collection: "accounts", ID: "u1"}
	putDoc(t, st, key, map[string]int64{"balance": 0})

	attempts := 0
	err := exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		attempts++
		if attempts == 1 {
			putDoc(t, st, key, map[string]int64{"balance": 100})
		}
		var doc map[string]int64
		_, err := snap.Get(key, &doc)
		if err != nil {
			return err
		}
		doc["balance"] += 5
		return w.Put(key, doc)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	snap, err := st.GetMulti(ctx, []engine.Key{key})
	require.NoError(t, err)
	var doc map[string]int64
	_, err = snap.Get(key, &doc)
	require.NoError(t, err)
	assert.Equal(t, int64(105), doc["balance"])
}
