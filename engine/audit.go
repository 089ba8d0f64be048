/*
audit.go - Asynchronous append-only audit trail

PURPOSE:
  Every balance and inventory mutation is explainable after the fact: the
  audit log records what changed, by how much, and why. Writing that record
  must NEVER delay or fail the mutation itself, so the committing operation
  only enqueues an event onto a non-blocking channel; a consumer goroutine
  performs the actual append, fully decoupled from request latency.

GUARANTEES AND NON-GUARANTEES:
  - Record never blocks. A full buffer drops the entry with a logged warning;
    the primary transaction has already committed and is unaffected.
  - Sink failures are logged and swallowed. The audit trail is best-effort by
    design; the ledger history records (committed transactionally) remain the
    financially authoritative trail.
  - Close drains the buffer before returning.

SINKS:
  StoreSink publishes directly into the record store. NATSSink publishes to a
  subject so a queue-subscribed worker (one per group) persists entries, which
  keeps audit writes off the serving instances entirely.

SEE ALSO:
  - store.go: RecordStore used by StoreSink
  - audit_worker.go: NATS consumer that persists published entries
*/
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// =============================================================================
// AUDIT ENTRIES
// =============================================================================

// AuditCollection is the append-only collection audit entries land in.
const AuditCollection = "audit_entries"

// AuditSubject is the NATS subject NATSSink publishes to.
const AuditSubject = "economy.audit"

type AuditAction string

const (
	AuditAdd     AuditAction = "add"
	AuditConsume AuditAction = "consume"
)

// AuditEntry records one mutation of a balance or counter. Immutable.
type AuditEntry struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	ResourceType string            `json:"resourceType"`
	Action       AuditAction       `json:"action"`
	Amount       int64             `json:"amount"`
	Before       int64             `json:"before"`
	After        int64             `json:"after"`
	Reason       string            `json:"reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// =============================================================================
// SINKS
// =============================================================================

// AuditSink persists one entry. Implementations must be safe for use from a
// single consumer goroutine.
type AuditSink interface {
	Write(ctx context.Context, e AuditEntry) error
}

// StoreSink appends entries straight into the record store.
type StoreSink struct {
	Records RecordStore
}

func (s *StoreSink) Write(ctx context.Context, e AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Records.AppendRecord(ctx, Record{
		Collection: AuditCollection,
		ID:         e.ID,
		UserID:     e.UserID,
		CreatedAt:  e.Timestamp,
		Data:       data,
	})
}

// NATSSink publishes entries to AuditSubject for out-of-process persistence.
type NATSSink struct {
	Conn *nats.Conn
}

func (s *NATSSink) Write(_ context.Context, e AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Conn.Publish(AuditSubject, data)
}

// =============================================================================
// RECORDER - Non-blocking enqueue + single consumer
// =============================================================================

const defaultAuditBuffer = 1024

// Recorder is the fire-and-forget front of the audit pipeline.
type Recorder struct {
	ch   chan AuditEntry
	sink AuditSink
	log  *zap.Logger
	wg   sync.WaitGroup

	// mu orders enqueues against Close: a Record racing a Close must drop
	// the entry, not send on a closed channel.
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewRecorder starts the consumer goroutine. buffer 0 uses the default.
func NewRecorder(sink AuditSink, buffer int, log *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		ch:   make(chan AuditEntry, buffer),
		sink: sink,
		log:  log,
	}
	r.wg.Add(1)
	go r.consume()
	return r
}

// Record enqueues an entry without blocking. Assigns an id if missing.
func (r *Recorder) Record(e AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Warn("audit recorder closed, entry dropped",
			zap.String("userId", e.UserID),
			zap.String("resource", e.ResourceType))
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("audit buffer full, entry dropped",
			zap.String("userId", e.UserID),
			zap.String("resource", e.ResourceType))
	}
}

// Close drains remaining entries and stops the consumer. Entries recorded
// after Close are dropped.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
	r.wg.Wait()
}

func (r *Recorder) consume() {
	defer r.wg.Done()
	for e := range r.ch {
		// Detached context: a canceled caller request must not lose audit.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Write(ctx, e); err != nil {
			r.log.Warn("audit append failed",
				zap.String("id", e.ID),
				zap.String("userId", e.UserID),
				zap.Error(err))
		}
		cancel()
	}
}
