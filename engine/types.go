/*
Package engine provides the transactional core of the virtual-economy system.

PURPOSE:
  This package contains domain-agnostic machinery for mutating account state
  safely under concurrency. Whether the mutation is a coin debit, a card
  consumption, or a gift purchase, the same executor guarantees that it is
  atomic, conflict-checked, and either fully committed or not applied at all.

KEY CONCEPTS IN THIS FILE (types.go):
  - Key:      Identifies a versioned document (collection + id)
  - Document: A versioned JSON document read from the store
  - Snapshot: A consistent view of the documents a transaction read
  - Writes:   The staged output of a transaction function
  - Record:   An immutable append-only row (history, audit) committed
              atomically with the document writes

DESIGN PRINCIPLES:
  1. Optimistic concurrency: no locks are taken up front; the store rejects
     a commit if any document read by the transaction changed since the
     snapshot, and the executor retries the whole function.
  2. Pure transaction functions: a TxnFunc may run more than once per logical
     call, so its only side effects are the writes it stages.
  3. Append-only history: records are created, never updated or deleted.

USAGE:
  err := exec.Run(ctx, []engine.Key{acctKey}, func(snap *engine.Snapshot, w *engine.Writes) error {
      var acct Account
      if ok, err := snap.Get(acctKey, &acct); err != nil || !ok {
          return engine.ErrDocumentNotFound
      }
      acct.Balance -= 10
      return w.Put(acctKey, acct)
  })

SEE ALSO:
  - executor.go: The retrying transaction executor
  - store.go: Persistence interfaces implemented by memory/sqlite/postgres
*/
package engine

import (
	"encoding/json"
	"time"
)

// =============================================================================
// KEYS AND DOCUMENTS
// =============================================================================

// Key identifies a versioned document.
type Key struct {
	Collection string
	ID         string
}

func (k Key) String() string { return k.Collection + "/" + k.ID }

// Document is a versioned JSON document. Version 0 means the document does
// not exist yet; the first commit creates it at version 1.
type Document struct {
	Key     Key
	Version int64
	Data    []byte
}

// ReadVersion captures the version of a document as observed by a snapshot.
// The store compares these against current versions at commit time.
type ReadVersion struct {
	Key     Key
	Version int64
}

// =============================================================================
// SNAPSHOT - Consistent view of the read set
// =============================================================================

// Snapshot holds the documents a transaction read, all observed at one
// consistent point. Transaction functions read exclusively from it.
type Snapshot struct {
	docs map[Key]Document
}

// NewSnapshot builds a snapshot from documents. Store implementations use
// this; transaction functions never construct snapshots themselves.
func NewSnapshot(docs []Document) *Snapshot {
	m := make(map[Key]Document, len(docs))
	for _, d := range docs {
		m[d.Key] = d
	}
	return &Snapshot{docs: m}
}

// Get unmarshals the document at key into out. Returns false if the document
// does not exist.
func (s *Snapshot) Get(key Key, out any) (bool, error) {
	doc, ok := s.docs[key]
	if !ok || doc.Version == 0 {
		return false, nil
	}
	if err := json.Unmarshal(doc.Data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Version returns the observed version of key (0 if absent).
func (s *Snapshot) Version(key Key) int64 {
	return s.docs[key].Version
}

// ReadVersions returns the full read set for conflict detection. Every key
// the transaction read participates, including keys it only read.
func (s *Snapshot) ReadVersions() []ReadVersion {
	rvs := make([]ReadVersion, 0, len(s.docs))
	for k, d := range s.docs {
		rvs = append(rvs, ReadVersion{Key: k, Version: d.Version})
	}
	return rvs
}

// =============================================================================
// RECORDS - Append-only rows
// =============================================================================

// Record is an immutable append-only row: a coin history entry, a gift
// transaction, an audit entry. UserID/TargetID are denormalized for querying.
type Record struct {
	Collection string
	ID         string
	UserID     string
	TargetID   string
	CreatedAt  time.Time
	Data       []byte
}

// RecordFilter selects records from one collection.
type RecordFilter struct {
	UserID   string // required
	TargetID string // optional
	Limit    int    // 0 = no limit
	Offset   int
}

// =============================================================================
// WRITES - Staged output of a transaction function
// =============================================================================

// Writes collects the document updates and record appends a transaction
// function wants committed. Nothing is persisted until the store commits
// the whole set atomically.
type Writes struct {
	snap    *Snapshot
	puts    []Document
	appends []Record
}

// NewWrites creates a staging area bound to the snapshot the transaction
// function read from. Bound so that Put can carry the observed version.
func NewWrites(snap *Snapshot) *Writes {
	return &Writes{snap: snap}
}

// Put stages a full replacement of the document at key. The write carries the
// version observed in the snapshot; the store rejects the commit if the
// document moved since.
func (w *Writes) Put(key Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.puts = append(w.puts, Document{Key: key, Version: w.snap.Version(key), Data: data})
	return nil
}

// Append stages an immutable record. Record IDs must be unique; a duplicate
// ID fails the commit.
func (w *Writes) Append(rec Record, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	rec.Data = data
	w.appends = append(w.appends, rec)
	return nil
}

// Puts returns the staged document writes. Store implementations only.
func (w *Writes) Puts() []Document { return w.puts }

// Appends returns the staged records. Store implementations only.
func (w *Writes) Appends() []Record { return w.appends }

// Empty reports whether the transaction staged nothing.
func (w *Writes) Empty() bool { return len(w.puts) == 0 && len(w.appends) == 0 }
