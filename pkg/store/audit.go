package store

import (
	"context"
	"time"
)

// AuditRecord is an append-only trace of one proxied action. Writes are
// best-effort: a failed append must never fail the request it describes.
type AuditRecord struct {
	AgentID             int64
	ServiceID           int64
	IdempotencyRecordID *int64
	Method              string
	TargetURL           string
	Intent              string
	RequestedAt         time.Time
	CompletedAt         *time.Time
	Status              *int
	ErrorSummary        string
}

// AppendAudit inserts one audit row.
func (s *Store) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records
		 (agent_id, service_id, idempotency_record_id, method, target_url, intent,
		  requested_at, completed_at, status, error_summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.AgentID, rec.ServiceID, rec.IdempotencyRecordID, rec.Method, rec.TargetURL,
		rec.Intent, rec.RequestedAt.UTC(), rec.CompletedAt, rec.Status, rec.ErrorSummary,
	)
	return err
}
