/*
audit_worker.go - NATS consumer persisting published audit entries

PURPOSE:
  Counterpart of NATSSink. Subscribes to the audit subject with a queue group
  so that with many instances running, each published entry is persisted by
  exactly one worker.

SEE ALSO:
  - audit.go: NATSSink publisher and the AuditEntry shape
*/
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const auditQueueGroup = "audit_workers"

// AuditWorker persists audit entries published over NATS into the record store.
type AuditWorker struct {
	conn    *nats.Conn
	records RecordStore
	log     *zap.Logger
}

func NewAuditWorker(conn *nats.Conn, records RecordStore, log *zap.Logger) *AuditWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditWorker{conn: conn, records: records, log: log}
}

// Run subscribes and blocks until ctx is canceled, then drains.
func (w *AuditWorker) Run(ctx context.Context) error {
	sink := &StoreSink{Records: w.records}

	sub, err := w.conn.QueueSubscribe(AuditSubject, auditQueueGroup, func(m *nats.Msg) {
		var e AuditEntry
		if err := json.Unmarshal(m.Data, &e); err != nil {
			w.log.Warn("audit worker: bad message", zap.Error(err))
			return
		}
		if err := sink.Write(ctx, e); err != nil {
			w.log.Warn("audit worker: append failed",
				zap.String("id", e.ID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("audit worker: subscribe: %w", err)
	}

	w.log.Info("audit worker running", zap.String("subject", AuditSubject))
	<-ctx.Done()
	return sub.Drain()
}
