// Package approval holds risk-flagged requests until a human resolves them.
// Every status change goes through a conditional UPDATE keyed on the current
// status, so concurrent resolvers and the expiry sweeper never race each
// other into an inconsistent row.
package approval

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is an approval entry's lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExpired  Status = "EXPIRED"
	StatusExecuted Status = "EXECUTED"
)

// ErrNotFound covers both missing entries and entries the caller does not
// own; callers must not be able to tell the two apart.
var ErrNotFound = errors.New("approval entry not found")

// Entry is one parked request. StrippedHeaders never contains an
// authorisation header; credentials are re-injected at execute time.
type Entry struct {
	ActionID        string
	AgentID         int64
	ServiceID       int64
	Method          string
	TargetURL       string
	StrippedHeaders map[string]string
	Body            []byte
	Intent          string
	RiskScore       float64
	RiskExplanation string
	Status          Status
	CreatedAt       time.Time

	ResolvedAt        *time.Time
	ApprovalExpiresAt *time.Time
	ExecutedAt        *time.Time

	// Cached upstream response, set only once EXECUTED.
	CachedStatus  *int
	CachedHeaders map[string]string
	CachedBody    []byte
}

// PendingApproval is the dashboard's view of a PENDING entry.
type PendingApproval struct {
	ActionID        string            `json:"action_id"`
	AgentName       string            `json:"agent_name"`
	ServiceID       int64             `json:"service_id"`
	Method          string            `json:"method"`
	TargetURL       string            `json:"target_url"`
	Intent          string            `json:"intent"`
	RiskScore       float64           `json:"risk_score"`
	RiskExplanation string            `json:"risk_explanation"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Updates carries the optional column writes applied when a transition
// fires. Nil fields are left untouched.
type Updates struct {
	ResolvedAt        *time.Time
	ApprovalExpiresAt *time.Time
	ExecutedAt        *time.Time
	CachedStatus      *int
	CachedHeaders     map[string]string
	CachedBody        []byte
}

// Queue persists approval entries. The approval_entries table is owned by
// the main store's schema.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a Queue over an open database handle.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// EnqueueParams describes the request being parked.
type EnqueueParams struct {
	AgentID         int64
	ServiceID       int64
	Method          string
	TargetURL       string
	StrippedHeaders map[string]string
	Body            []byte
	Intent          string
	RiskScore       float64
	RiskExplanation string
}

// Enqueue inserts a new PENDING entry and returns its action id.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	actionID := uuid.NewString()
	var body any
	if p.Body != nil {
		body = base64.StdEncoding.EncodeToString(p.Body)
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO approval_entries
		 (action_id, agent_id, service_id, method, target_url, stripped_headers,
		  body, intent, risk_score, risk_explanation, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		actionID, p.AgentID, p.ServiceID, p.Method, p.TargetURL,
		encodeHeaders(p.StrippedHeaders), body, p.Intent,
		p.RiskScore, p.RiskExplanation, string(StatusPending), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue approval: %w", err)
	}
	return actionID, nil
}

const entryColumns = `action_id, agent_id, service_id, method, target_url,
	stripped_headers, body, intent, risk_score, risk_explanation, status,
	created_at, resolved_at, approval_expires_at, executed_at,
	cached_status, cached_headers, cached_body`

// Fetch reads an entry by action id.
func (q *Queue) Fetch(ctx context.Context, actionID string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM approval_entries WHERE action_id = $1`,
		actionID,
	)
	return scanEntry(row)
}

// FetchOwnedByAgent reads an entry only if the given agent created it.
// A foreign entry is indistinguishable from a missing one.
func (q *Queue) FetchOwnedByAgent(ctx context.Context, actionID string, agentID int64) (*Entry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM approval_entries
		 WHERE action_id = $1 AND agent_id = $2`,
		actionID, agentID,
	)
	return scanEntry(row)
}

// FetchOwnedByUser reads an entry only if the given user owns the agent
// that created it.
func (q *Queue) FetchOwnedByUser(ctx context.Context, actionID string, userID int64) (*Entry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+qualifiedEntryColumns()+`
		 FROM approval_entries e
		 JOIN agents a ON a.id = e.agent_id
		 WHERE e.action_id = $1 AND a.owner_user_id = $2`,
		actionID, userID,
	)
	return scanEntry(row)
}

func qualifiedEntryColumns() string {
	cols := strings.Split(entryColumns, ",")
	for i, c := range cols {
		cols[i] = "e." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ListPendingForUser returns the PENDING entries of every agent owned by the
// user, newest first.
func (q *Queue) ListPendingForUser(ctx context.Context, userID int64) ([]PendingApproval, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT e.action_id, a.display_name, e.service_id, e.method, e.target_url,
		        e.intent, e.risk_score, e.risk_explanation, e.stripped_headers,
		        e.body, e.created_at
		 FROM approval_entries e
		 JOIN agents a ON a.id = e.agent_id
		 WHERE a.owner_user_id = $1 AND e.status = $2
		 ORDER BY e.created_at DESC, e.action_id DESC`,
		userID, string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingApproval
	for rows.Next() {
		var (
			p       PendingApproval
			headers string
			body    sql.NullString
		)
		if err := rows.Scan(&p.ActionID, &p.AgentName, &p.ServiceID, &p.Method,
			&p.TargetURL, &p.Intent, &p.RiskScore, &p.RiskExplanation,
			&headers, &body, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.RequestHeaders = decodeHeaders(headers)
		if body.Valid {
			decoded, _ := base64.StdEncoding.DecodeString(body.String)
			p.RequestBody = string(decoded)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Transition performs the compare-and-swap from one status to another,
// applying updates atomically with the status change. It reports whether
// the swap fired; a false return with a nil error means the entry was not
// in the expected status (or does not exist).
func (q *Queue) Transition(ctx context.Context, actionID string, from, to Status, up Updates) (bool, error) {
	set := []string{"status = $1"}
	args := []any{string(to)}
	next := 2

	appendSet := func(column string, value any) {
		set = append(set, fmt.Sprintf("%s = $%d", column, next))
		args = append(args, value)
		next++
	}
	if up.ResolvedAt != nil {
		appendSet("resolved_at", up.ResolvedAt.UTC())
	}
	if up.ApprovalExpiresAt != nil {
		appendSet("approval_expires_at", up.ApprovalExpiresAt.UTC())
	}
	if up.ExecutedAt != nil {
		appendSet("executed_at", up.ExecutedAt.UTC())
	}
	if up.CachedStatus != nil {
		appendSet("cached_status", *up.CachedStatus)
	}
	if up.CachedHeaders != nil {
		appendSet("cached_headers", encodeHeaders(up.CachedHeaders))
	}
	if up.CachedBody != nil {
		appendSet("cached_body", base64.StdEncoding.EncodeToString(up.CachedBody))
	}

	query := fmt.Sprintf(
		`UPDATE approval_entries SET %s WHERE action_id = $%d AND status = $%d`,
		strings.Join(set, ", "), next, next+1,
	)
	args = append(args, actionID, string(from))

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", actionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SweepExpired flips every APPROVED entry whose execute window has passed
// to EXPIRED. Safe to run concurrently with executes: the status condition
// makes the update idempotent.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE approval_entries SET status = $1, resolved_at = COALESCE(resolved_at, $2)
		 WHERE status = $3 AND approval_expires_at < $4`,
		string(StatusExpired), now.UTC(), string(StatusApproved), now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e             Entry
		status        string
		headers       string
		body          sql.NullString
		resolvedAt    sql.NullTime
		expiresAt     sql.NullTime
		executedAt    sql.NullTime
		cachedStatus  sql.NullInt64
		cachedHeaders sql.NullString
		cachedBody    sql.NullString
	)
	err := row.Scan(&e.ActionID, &e.AgentID, &e.ServiceID, &e.Method, &e.TargetURL,
		&headers, &body, &e.Intent, &e.RiskScore, &e.RiskExplanation, &status,
		&e.CreatedAt, &resolvedAt, &expiresAt, &executedAt,
		&cachedStatus, &cachedHeaders, &cachedBody)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.StrippedHeaders = decodeHeaders(headers)
	if body.Valid {
		e.Body, _ = base64.StdEncoding.DecodeString(body.String)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ApprovalExpiresAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		e.ExecutedAt = &t
	}
	if cachedStatus.Valid {
		v := int(cachedStatus.Int64)
		e.CachedStatus = &v
	}
	if cachedHeaders.Valid {
		e.CachedHeaders = decodeHeaders(cachedHeaders.String)
	}
	if cachedBody.Valid {
		e.CachedBody, _ = base64.StdEncoding.DecodeString(cachedBody.String)
	}
	return &e, nil
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
