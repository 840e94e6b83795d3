// Package idempotency provides per-agent request deduplication backed by
// the relational store. A record moves inflight → done | errored; errored
// records are deleted and recreated on the next attempt so retries re-enter
// cleanly. Records expire 24 hours after creation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TTL is the fixed lifetime of a record from creation.
const TTL = 24 * time.Hour

// Record phases.
const (
	phaseInflight = "inflight"
	phaseDone     = "done"
	phaseErrored  = "errored"
)

// Kind discriminates the outcome of Open.
type Kind int

const (
	// KindNew means no live record existed; a fresh inflight row was inserted.
	KindNew Kind = iota
	// KindInFlight means another caller holds a live inflight record.
	KindInFlight
	// KindReplay means a live done record exists; the caller must return the
	// cached bytes verbatim and must not forward.
	KindReplay
	// KindRetry means an errored record was deleted and replaced with a new
	// inflight row owned by this caller.
	KindRetry
)

// Outcome is the result of Open.
type Outcome struct {
	Kind     Kind
	RecordID int64

	// Cached response, set only for KindReplay.
	Status  int
	Headers map[string]string
	Body    []byte
}

// Store persists idempotency records.
type Store struct {
	db *sql.DB
}

// New creates a Store. The idempotency_records table is owned by the main
// store's schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Fingerprint digests the request shape (method, URL, body). It is recorded
// for diagnosis only; mismatches are not rejected on replay.
func Fingerprint(method, targetURL string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(targetURL))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Open resolves the (agentID, key) pair to one of the four outcomes. The
// insert races on the unique (agent_id, key) index and the deletes are
// conditional on phase, so concurrent callers see exactly one New or Retry.
func (s *Store) Open(ctx context.Context, agentID int64, key, fingerprint string) (*Outcome, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("idempotency open: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := s.openTx(ctx, tx, agentID, key, fingerprint, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("idempotency open: %w", err)
	}
	return out, nil
}

func (s *Store) openTx(ctx context.Context, tx *sql.Tx, agentID int64, key, fingerprint string, now time.Time) (*Outcome, error) {
	var (
		id        int64
		phase     string
		status    sql.NullInt64
		headers   sql.NullString
		body      sql.NullString
		expiresAt time.Time
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, phase, cached_status, cached_headers, cached_body, expires_at
		 FROM idempotency_records WHERE agent_id = $1 AND key = $2`,
		agentID, key,
	).Scan(&id, &phase, &status, &headers, &body, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.insertInflight(ctx, tx, agentID, key, fingerprint, now, KindNew)

	case err != nil:
		return nil, err

	case expiresAt.Before(now):
		// Dead record: purge and start over.
		if err := s.deleteRecord(ctx, tx, id); err != nil {
			return nil, err
		}
		return s.insertInflight(ctx, tx, agentID, key, fingerprint, now, KindNew)

	case phase == phaseInflight:
		return &Outcome{Kind: KindInFlight, RecordID: id}, nil

	case phase == phaseDone:
		out := &Outcome{Kind: KindReplay, RecordID: id}
		if status.Valid {
			out.Status = int(status.Int64)
		}
		if headers.Valid {
			out.Headers = decodeHeaders(headers.String)
		}
		if body.Valid {
			out.Body, _ = base64.StdEncoding.DecodeString(body.String)
		}
		return out, nil

	case phase == phaseErrored:
		if err := s.deleteRecord(ctx, tx, id); err != nil {
			return nil, err
		}
		return s.insertInflight(ctx, tx, agentID, key, fingerprint, now, KindRetry)

	default:
		return nil, fmt.Errorf("idempotency record %d: unknown phase %q", id, phase)
	}
}

func (s *Store) insertInflight(ctx context.Context, tx *sql.Tx, agentID int64, key, fingerprint string, now time.Time, kind Kind) (*Outcome, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO idempotency_records
		 (agent_id, key, request_fingerprint, phase, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id, key) DO NOTHING
		 RETURNING id`,
		agentID, key, fingerprint, phaseInflight, now, now.Add(TTL),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Unique-index collision: another opener won the race.
		return &Outcome{Kind: KindInFlight}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Outcome{Kind: kind, RecordID: id}, nil
}

func (s *Store) deleteRecord(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM idempotency_records WHERE id = $1`, id)
	return err
}

// Complete flips an inflight record to done and caches the response bytes
// for replay.
func (s *Store) Complete(ctx context.Context, recordID int64, status int, headers map[string]string, body []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET phase = $1, cached_status = $2, cached_headers = $3, cached_body = $4, completed_at = $5
		 WHERE id = $6 AND phase = $7`,
		phaseDone, status, encodeHeaders(headers), base64.StdEncoding.EncodeToString(body),
		time.Now().UTC(), recordID, phaseInflight,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res, recordID)
}

// Fail flips an inflight record to errored so the next attempt retries.
func (s *Store) Fail(ctx context.Context, recordID int64, errorSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET phase = $1, error_summary = $2, completed_at = $3
		 WHERE id = $4 AND phase = $5`,
		phaseErrored, errorSummary, time.Now().UTC(), recordID, phaseInflight,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res, recordID)
}

// PurgeExpired deletes records past their TTL. Best-effort housekeeping.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < $1`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func requireOneRow(res sql.Result, recordID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("idempotency record %d: not inflight", recordID)
	}
	return nil
}

func encodeHeaders(h map[string]string) string {
	if h == nil {
		h = map[string]string{}
	}
	b, _ := json.Marshal(h)
	return string(b)
}

func decodeHeaders(s string) map[string]string {
	var h map[string]string
	_ = json.Unmarshal([]byte(s), &h)
	return h
}
