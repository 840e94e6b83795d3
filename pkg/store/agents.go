package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AgentByFingerprint looks up an agent by its key fingerprint.
// Returns ErrNotFound when no agent matches.
func (s *Store) AgentByFingerprint(ctx context.Context, fingerprint string) (*Agent, error) {
	var a Agent
	var lastUsed sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, display_name, key_fingerprint, key_prefix, active, last_used_at
		 FROM agents WHERE key_fingerprint = $1`,
		fingerprint,
	).Scan(&a.ID, &a.OwnerUserID, &a.DisplayName, &a.KeyFingerprint, &a.KeyPrefix, &a.Active, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		a.LastUsedAt = &lastUsed.Time
	}
	return &a, nil
}

// TouchAgentLastUsed stamps last_used_at. Callers treat this as
// fire-and-forget; failures are swallowed by the auth layer.
func (s *Store) TouchAgentLastUsed(ctx context.Context, agentID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_used_at = $1 WHERE id = $2`,
		at.UTC(), agentID,
	)
	return err
}
