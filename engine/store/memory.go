// Package store provides DocStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/economy-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements engine.Store with a single mutex: every GetMulti observes
// a consistent snapshot, and every Commit is atomic with a version check,
// which makes it behave exactly like the production stores under the
// executor's retry loop.
type Memory struct {
	mu      sync.Mutex
	docs    map[engine.Key]engine.Document
	records map[string][]engine.Record // by collection, append order
	ids     map[string]bool            // collection/id uniqueness
}

func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[engine.Key]engine.Document),
		records: make(map[string][]engine.Record),
		ids:     make(map[string]bool),
	}
}

// GetMulti reads the named documents under one lock acquisition, so the
// returned snapshot is consistent.
func (m *Memory) GetMulti(_ context.Context, keys []engine.Key) (*engine.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := make([]engine.Document, 0, len(keys))
	for _, k := range keys {
		doc, ok := m.docs[k]
		if !ok {
			docs = append(docs, engine.Document{Key: k})
			continue
		}
		data := make([]byte, len(doc.Data))
		copy(data, doc.Data)
		docs = append(docs, engine.Document{Key: k, Version: doc.Version, Data: data})
	}
	return engine.NewSnapshot(docs), nil
}

// Commit applies all writes atomically after verifying that no read document
// moved since the snapshot.
func (m *Memory) Commit(_ context.Context, reads []engine.ReadVersion, writes *engine.Writes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rv := range reads {
		current := m.docs[rv.Key].Version
		if current != rv.Version {
			return &engine.ConflictError{Key: rv.Key, Expected: rv.Version, Actual: current}
		}
	}
	for _, rec := range writes.Appends() {
		if m.ids[rec.Collection+"/"+rec.ID] {
			return engine.ErrDuplicateRecord
		}
	}

	for _, put := range writes.Puts() {
		m.docs[put.Key] = engine.Document{
			Key:     put.Key,
			Version: put.Version + 1,
			Data:    put.Data,
		}
	}
	for _, rec := range writes.Appends() {
		m.appendLocked(rec)
	}
	return nil
}

// AppendRecord appends a single record outside any document transaction.
func (m *Memory) AppendRecord(_ context.Context, rec engine.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[rec.Collection+"/"+rec.ID] {
		return engine.ErrDuplicateRecord
	}
	m.appendLocked(rec)
	return nil
}

func (m *Memory) appendLocked(rec engine.Record) {
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	rec.Data = data
	m.records[rec.Collection] = append(m.records[rec.Collection], rec)
	m.ids[rec.Collection+"/"+rec.ID] = true
}

// GetRecord loads one record by collection and id.
func (m *Memory) GetRecord(_ context.Context, collection, id string) (engine.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records[collection] {
		if rec.ID == id {
			return rec, true, nil
		}
	}
	return engine.Record{}, false, nil
}

// QueryRecords returns a user's records in a collection, newest first.
func (m *Memory) QueryRecords(_ context.Context, collection string, f engine.RecordFilter) ([]engine.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []engine.Record
	for _, rec := range m.records[collection] {
		if rec.UserID != f.UserID {
			continue
		}
		if f.TargetID != "" && rec.TargetID != f.TargetID {
			continue
		}
		result = append(result, rec)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}
