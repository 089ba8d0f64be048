/*
store.go - Persistence interfaces for the transactional document store

PURPOSE:
  Defines the contract between the executor and the database. A DocStore is a
  transactional document store with optimistic concurrency: reads produce a
  consistent snapshot, and commits succeed only if nothing in the read set
  moved since that snapshot.

KEY INTERFACES:
  DocStore:    Snapshot reads + atomic version-checked commits
  RecordStore: Append-only records (history, gift transactions, audit)

COMMIT CONTRACT:
  Commit(reads, writes) applies every staged document write and record append
  atomically, but only if the current version of EVERY read document equals
  the version in reads. Otherwise it returns ErrVersionConflict (wrapped in a
  ConflictError naming the document) and applies nothing.

APPEND-ONLY CONTRACT:
  Records have no update or delete path. Corrections are expressed as new
  records (e.g. a refund entry), never edits.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: Production SQLite (WAL)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - executor.go: Drives the read/commit cycle with retries
*/
package engine

import "context"

// =============================================================================
// DOC STORE - Versioned documents with optimistic commits
// =============================================================================

// DocStore is the transactional document store the executor runs against.
type DocStore interface {
	// GetMulti reads the named documents as one consistent snapshot. Missing
	// documents appear in the snapshot with version 0.
	GetMulti(ctx context.Context, keys []Key) (*Snapshot, error)

	// Commit atomically applies writes if no document in reads changed since
	// it was observed. Returns ErrVersionConflict otherwise.
	Commit(ctx context.Context, reads []ReadVersion, writes *Writes) error
}

// =============================================================================
// RECORD STORE - Append-only collections
// =============================================================================

// RecordStore provides direct access to append-only collections outside any
// document transaction. The audit pipeline appends through it; queries serve
// history and reconciliation.
type RecordStore interface {
	// AppendRecord appends a single record, outside any document transaction.
	// Fails with ErrDuplicateRecord if the id exists.
	AppendRecord(ctx context.Context, rec Record) error

	// GetRecord loads one record by collection and id.
	GetRecord(ctx context.Context, collection, id string) (Record, bool, error)

	// QueryRecords returns records for a user within one collection, newest
	// first, optionally filtered by target.
	QueryRecords(ctx context.Context, collection string, f RecordFilter) ([]Record, error)
}

// Store combines the document and record halves. Concrete stores implement
// both; components depend on the narrowest interface they need.
type Store interface {
	DocStore
	RecordStore
}
