// Package audit appends best-effort trace records for every proxied action.
// Records are written asynchronously through a bounded queue so a slow or
// failing audit store never delays the request path; overflow drops the
// record and logs a warning.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentgate/agentgate/pkg/store"
)

// DefaultQueueSize bounds the in-flight record buffer.
const DefaultQueueSize = 256

// Sink persists audit records.
type Sink interface {
	AppendAudit(ctx context.Context, rec *store.AuditRecord) error
}

// Recorder queues records for asynchronous persistence.
type Recorder struct {
	sink  Sink
	queue chan *store.AuditRecord
	done  chan struct{}
}

// NewRecorder creates a Recorder and starts its writer goroutine.
func NewRecorder(sink Sink, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		sink:  sink,
		queue: make(chan *store.AuditRecord, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues one record without blocking. On overflow the record is
// dropped; auditing never backpressures the request path.
func (r *Recorder) Record(rec *store.AuditRecord) {
	select {
	case r.queue <- rec:
	default:
		slog.Warn("audit queue full, dropping record",
			"agent_id", rec.AgentID, "method", rec.Method)
	}
}

// Close stops accepting records and drains the queue.
func (r *Recorder) Close() {
	close(r.queue)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.sink.AppendAudit(ctx, rec); err != nil {
			slog.Warn("audit append failed", "error", err,
				"agent_id", rec.AgentID, "method", rec.Method)
		}
		cancel()
	}
}
