/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements engine.Store (versioned documents + append-only records) using
  SQLite. In production the same patterns apply to PostgreSQL - see
  store/postgres for that implementation over the identical contract.

KEY TABLES:
  documents: Versioned JSON documents (accounts and other mutable state)
  records:   Immutable rows (coin history, gift transactions, audit entries)

OPTIMISTIC CONCURRENCY:
  Commit runs inside a write transaction, re-reads the version of every
  document in the read set, and aborts with engine.ErrVersionConflict if
  anything moved. The executor retries the whole transaction function on
  that error.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch the records table. The primary key
  rejects duplicate record ids.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./data/economy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  exec := engine.NewExecutor(st, logger)

MIGRATION:
  Schema is auto-migrated on New(). For multi-node production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/economy-engine/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The mutex serializes writes anyway; a single connection keeps the
	// ":memory:" database shared and avoids SQLITE_BUSY between connections.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Versioned documents (mutable state, optimistic concurrency)
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		version    INTEGER NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	-- Append-only records (history, gift transactions, audit entries)
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		user_id    TEXT,
		target_id  TEXT,
		created_at TEXT NOT NULL,
		body       TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_user_created
		ON records(collection, user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_user_target
		ON records(collection, user_id, target_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DOC STORE
// =============================================================================

// GetMulti reads the named documents inside one read transaction so the
// snapshot is consistent.
func (s *Store) GetMulti(ctx context.Context, keys []engine.Key) (*engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	docs := make([]engine.Document, 0, len(keys))
	for _, k := range keys {
		doc, err := readDocument(ctx, tx, k)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return engine.NewSnapshot(docs), nil
}

// Commit applies the staged writes atomically, failing the whole batch with
// engine.ErrVersionConflict if any read document changed since the snapshot.
func (s *Store) Commit(ctx context.Context, reads []engine.ReadVersion, writes *engine.Writes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, rv := range reads {
		doc, err := readDocument(ctx, tx, rv.Key)
		if err != nil {
			return err
		}
		if doc.Version != rv.Version {
			return &engine.ConflictError{Key: rv.Key, Expected: rv.Version, Actual: doc.Version}
		}
	}

	for _, put := range writes.Puts() {
		if put.Version == 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO documents (collection, id, version, body, updated_at)
				VALUES (?, ?, 1, ?, ?)`,
				put.Key.Collection, put.Key.ID, string(put.Data), now)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE documents SET version = version + 1, body = ?, updated_at = ?
				WHERE collection = ? AND id = ?`,
				string(put.Data), now, put.Key.Collection, put.Key.ID)
		}
		if err != nil {
			return err
		}
	}

	for _, rec := range writes.Appends() {
		if err := insertRecord(ctx, tx, rec); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func readDocument(ctx context.Context, tx *sql.Tx, k engine.Key) (engine.Document, error) {
	var version int64
	var body string
	err := tx.QueryRowContext(ctx, `
		SELECT version, body FROM documents WHERE collection = ? AND id = ?`,
		k.Collection, k.ID).Scan(&version, &body)
	if err == sql.ErrNoRows {
		return engine.Document{Key: k}, nil
	}
	if err != nil {
		return engine.Document{}, err
	}
	return engine.Document{Key: k, Version: version, Data: []byte(body)}, nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

// AppendRecord appends a single record outside any document transaction.
// Used by the audit pipeline.
func (s *Store) AppendRecord(ctx context.Context, rec engine.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec engine.Record) error {
	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE collection = ? AND id = ?`,
		rec.Collection, rec.ID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return engine.ErrDuplicateRecord
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, user_id, target_id, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Collection, rec.ID, rec.UserID, rec.TargetID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), string(rec.Data))
	return err
}

// GetRecord loads one record by collection and id.
func (s *Store) GetRecord(ctx context.Context, collection, id string) (engine.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec engine.Record
	var createdAt, body string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, target_id, created_at, body
		FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&rec.ID, &rec.UserID, &rec.TargetID, &createdAt, &body)
	if err == sql.ErrNoRows {
		return engine.Record{}, false, nil
	}
	if err != nil {
		return engine.Record{}, false, err
	}

	rec.Collection = collection
	rec.Data = []byte(body)
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return engine.Record{}, false, err
	}
	return rec, true, nil
}

// QueryRecords returns a user's records in a collection, newest first.
func (s *Store) QueryRecords(ctx context.Context, collection string, f engine.RecordFilter) ([]engine.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT id, user_id, target_id, created_at, body
		FROM records WHERE collection = ? AND user_id = ?`
	args := []any{collection, f.UserID}

	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 || f.Offset > 0 {
		// SQLite requires LIMIT when OFFSET is present; -1 means unbounded.
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []engine.Record
	for rows.Next() {
		var rec engine.Record
		var createdAt, body string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TargetID, &createdAt, &body); err != nil {
			return nil, err
		}
		rec.Collection = collection
		rec.Data = []byte(body)
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
