/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces, using pgx.

PURPOSE:
  Implements engine.Store (versioned documents + append-only records) over a
  pgxpool.Pool. The contract is identical to store/sqlite: GetMulti produces
  a consistent snapshot, Commit applies all writes atomically or fails with
  engine.ErrVersionConflict if any read document moved.

CONCURRENCY:
  Unlike the SQLite store there is no process-level mutex. Commit takes
  SELECT ... FOR UPDATE row locks on the read set inside one database
  transaction, so concurrent commits against overlapping documents serialize
  in the database and the loser sees the version bump.

SCHEMA:
  documents(collection, id, version, body jsonb, updated_at)
  records(collection, id, user_id, target_id, created_at, body jsonb)

USAGE:
  pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  st, err := postgres.New(ctx, pool)

SEE ALSO:
  - engine/store.go: Interface definitions and the commit contract
  - store/sqlite/sqlite.go: Single-node implementation of the same contract
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/economy-engine/engine"
)

// Store implements engine.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool and ensures the schema exists. The caller owns
// the pool lifecycle.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		version    BIGINT NOT NULL,
		body       JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		user_id    TEXT,
		target_id  TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		body       JSONB NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_user_created
		ON records(collection, user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_user_target
		ON records(collection, user_id, target_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// DOC STORE
// =============================================================================

// GetMulti reads the named documents inside one repeatable-read transaction
// so the snapshot is consistent.
func (s *Store) GetMulti(ctx context.Context, keys []engine.Key) (*engine.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	docs := make([]engine.Document, 0, len(keys))
	for _, k := range keys {
		doc, err := readDocument(ctx, tx, k, false)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return engine.NewSnapshot(docs), nil
}

// Commit applies the staged writes atomically. Row locks on the read set
// serialize overlapping commits; a version mismatch aborts everything with
// engine.ErrVersionConflict.
func (s *Store) Commit(ctx context.Context, reads []engine.ReadVersion, writes *engine.Writes) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, rv := range reads {
		doc, err := readDocument(ctx, tx, rv.Key, true)
		if err != nil {
			return err
		}
		if doc.Version != rv.Version {
			return &engine.ConflictError{Key: rv.Key, Expected: rv.Version, Actual: doc.Version}
		}
	}

	for _, put := range writes.Puts() {
		if put.Version == 0 {
			_, err = tx.Exec(ctx, `
				INSERT INTO documents (collection, id, version, body, updated_at)
				VALUES ($1, $2, 1, $3, now())`,
				put.Key.Collection, put.Key.ID, put.Data)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE documents SET version = version + 1, body = $1, updated_at = now()
				WHERE collection = $2 AND id = $3`,
				put.Data, put.Key.Collection, put.Key.ID)
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

	return tx.Commit(ctx)
}

func readDocument(ctx context.Context, tx pgx.Tx, k engine.Key, forUpdate bool) (engine.Document, error) {
	query := `SELECT version, body FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var version int64
	var body []byte
	err := tx.QueryRow(ctx, query, k.Collection, k.ID).Scan(&version, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Document{Key: k}, nil
	}
	if err != nil {
		return engine.Document{}, err
	}
	return engine.Document{Key: k, Version: version, Data: body}, nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

// AppendRecord appends a single record outside any document transaction.
// Used by the audit pipeline.
func (s *Store) AppendRecord(ctx context.Context, rec engine.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec engine.Record) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO records (collection, id, user_id, target_id, created_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (collection, id) DO NOTHING`,
		rec.Collection, rec.ID, rec.UserID, rec.TargetID, rec.CreatedAt.UTC(), rec.Data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrDuplicateRecord
	}
	return nil
}

// GetRecord loads one record by collection and id.
func (s *Store) GetRecord(ctx context.Context, collection, id string) (engine.Record, bool, error) {
	rec := engine.Record{Collection: collection}
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(user_id, ''), COALESCE(target_id, ''), created_at, body
		FROM records WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&rec.ID, &rec.UserID, &rec.TargetID, &rec.CreatedAt, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Record{}, false, nil
	}
	if err != nil {
		return engine.Record{}, false, err
	}
	return rec, true, nil
}

// QueryRecords returns a user's records in a collection, newest first.
func (s *Store) QueryRecords(ctx context.Context, collection string, f engine.RecordFilter) ([]engine.Record, error) {
	query := `
		SELECT id, COALESCE(user_id, ''), COALESCE(target_id, ''), created_at, body
		FROM records WHERE collection = $1 AND user_id = $2`
	args := []any{collection, f.UserID}

	if f.TargetID != "" {
		args = append(args, f.TargetID)
		query += fmt.Sprintf(` AND target_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []engine.Record
	for rows.Next() {
		rec := engine.Record{Collection: collection}
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TargetID, &rec.CreatedAt, &rec.Data); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
